package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	keyLength        = 32
	saltLength       = 16
	ivLength         = 16
	associatedData   = "event-router-headers"
)

// HeaderBundle is the serialized form of an encrypted header map as stored in
// the events table. All fields are hex encoded.
type HeaderBundle struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Salt      string `json:"salt"`
}

// Encryptor encrypts and decrypts webhook header maps with a key derived from
// the master secret. Each bundle carries its own salt; every bundle is
// decrypted with the one current master secret, so bundles written under a
// previous secret no longer decrypt after it changes.
type Encryptor struct {
	masterSecret []byte
}

func NewEncryptor(masterSecret string) (*Encryptor, error) {
	if masterSecret == "" {
		return nil, errors.New("master encryption secret cannot be empty")
	}
	return &Encryptor{masterSecret: []byte(masterSecret)}, nil
}

// EncryptHeaders serializes the header map as JSON and encrypts it with
// AES-256-GCM under a PBKDF2-derived key. Returns the bundle as a JSON string.
func (e *Encryptor) EncryptHeaders(headers map[string]string) (string, error) {
	plaintext, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("failed to serialize headers: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := e.newGCM(salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(associatedData))
	// Seal appends the 16-byte GCM tag; store it separately.
	tagOffset := len(sealed) - gcm.Overhead()
	bundle := HeaderBundle{
		Encrypted: hex.EncodeToString(sealed[:tagOffset]),
		IV:        hex.EncodeToString(iv),
		Tag:       hex.EncodeToString(sealed[tagOffset:]),
		Salt:      hex.EncodeToString(salt),
	}

	out, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("failed to serialize header bundle: %w", err)
	}
	return string(out), nil
}

// DecryptHeaders reverses EncryptHeaders. A corrupt or mis-keyed bundle
// returns an error rather than partial output.
func (e *Encryptor) DecryptHeaders(data string) (map[string]string, error) {
	var bundle HeaderBundle
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		return nil, fmt.Errorf("malformed header bundle: %w", err)
	}

	ciphertext, err := hex.DecodeString(bundle.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(bundle.IV)
	if err != nil {
		return nil, fmt.Errorf("malformed iv: %w", err)
	}
	tag, err := hex.DecodeString(bundle.Tag)
	if err != nil {
		return nil, fmt.Errorf("malformed tag: %w", err)
	}
	salt, err := hex.DecodeString(bundle.Salt)
	if err != nil {
		return nil, fmt.Errorf("malformed salt: %w", err)
	}

	gcm, err := e.newGCM(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt headers: %w", err)
	}

	headers := make(map[string]string)
	if err := json.Unmarshal(plaintext, &headers); err != nil {
		return nil, fmt.Errorf("failed to deserialize headers: %w", err)
	}
	return headers, nil
}

func (e *Encryptor) newGCM(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.masterSecret, salt, pbkdf2Iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
