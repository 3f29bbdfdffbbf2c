package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/coopernetes/github-event-router/pkg/config"
)

type RabbitMqQueueCreator func(ctx context.Context, settings *config.QueueSettings) (Queue, error)

var NewRabbitMqQueue RabbitMqQueueCreator = func(ctx context.Context, settings *config.QueueSettings) (Queue, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	queueName := settings.Name
	if queueName == "" {
		queueName = "event-router-fanout"
	}
	if _, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // auto-deleted
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return &rabbitMqQueue{
		connection:  conn,
		channel:     ch,
		queueName:   queueName,
		deliveries:  deliveries,
		maxAttempts: settings.MaxRetries,
		receipts:    make(map[string]uint64),
		attempts:    make(map[string]int),
		delayTimers: make(map[string]*time.Timer),
	}, nil
}

type rabbitMqQueue struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	deliveries <-chan amqp.Delivery

	maxAttempts int

	mu          sync.Mutex
	receipts    map[string]uint64      // message id -> delivery tag of the open lease
	attempts    map[string]int         // receive count, tracked per process
	delayTimers map[string]*time.Timer // pending delayed sends
}

func (q *rabbitMqQueue) Send(ctx context.Context, job FanoutJob, opts SendOptions) (string, error) {
	message := Message{
		ID:        uuid.NewString(),
		Data:      job,
		Timestamp: time.Now(),
	}
	if opts.Delay > 0 {
		until := time.Now().Add(opts.Delay)
		message.DelayUntil = &until
	}
	body, err := json.Marshal(message)
	if err != nil {
		return "", err
	}

	// AMQP has no per-message delay; delayed sends are held in process and
	// published when due.
	if opts.Delay > 0 {
		q.mu.Lock()
		q.delayTimers[message.ID] = time.AfterFunc(opts.Delay, func() {
			q.mu.Lock()
			delete(q.delayTimers, message.ID)
			q.mu.Unlock()
			if err := q.publish(body); err != nil {
				log.Printf("Failed to publish delayed message %s: %v", message.ID, err)
			}
		})
		q.mu.Unlock()
		return message.ID, nil
	}

	if err := q.publish(body); err != nil {
		return "", err
	}
	return message.ID, nil
}

func (q *rabbitMqQueue) publish(body []byte) error {
	return q.channel.Publish(
		"", q.queueName, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (q *rabbitMqQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	timeout := time.After(waitTime)
	var messages []Message

	for len(messages) < maxMessages {
		select {
		case <-ctx.Done():
			return messages, ctx.Err()
		case <-timeout:
			return messages, nil
		case delivery, ok := <-q.deliveries:
			if !ok {
				return messages, fmt.Errorf("consumer channel closed")
			}
			var message Message
			if err := json.Unmarshal(delivery.Body, &message); err != nil {
				log.Printf("Discarding undecodable message: %v", err)
				delivery.Nack(false, false)
				continue
			}

			q.mu.Lock()
			q.attempts[message.ID]++
			message.Attempts = q.attempts[message.ID]
			q.receipts[message.ID] = delivery.DeliveryTag
			q.mu.Unlock()

			message.MaxAttempts = q.maxAttempts
			message.DelayUntil = nil
			messages = append(messages, message)

			if len(messages) == maxMessages {
				return messages, nil
			}
		}
	}
	return messages, nil
}

func (q *rabbitMqQueue) Delete(ctx context.Context, messageID string) error {
	q.mu.Lock()
	tag, ok := q.receipts[messageID]
	if ok {
		delete(q.receipts, messageID)
		delete(q.attempts, messageID)
	}
	q.mu.Unlock()

	if !ok {
		return ErrMessageNotFound
	}
	return q.channel.Ack(tag, false)
}

// ChangeVisibility with a zero duration requeues the message. Non-zero
// durations are a no-op: AMQP holds the lease for as long as the delivery
// stays unacked.
func (q *rabbitMqQueue) ChangeVisibility(ctx context.Context, messageID string, d time.Duration) error {
	if d > 0 {
		return nil
	}

	q.mu.Lock()
	tag, ok := q.receipts[messageID]
	if ok {
		delete(q.receipts, messageID)
	}
	q.mu.Unlock()

	if !ok {
		return ErrMessageNotFound
	}
	return q.channel.Nack(tag, false, true)
}

func (q *rabbitMqQueue) Stats(ctx context.Context) (Stats, error) {
	state, err := q.channel.QueueInspect(q.queueName)
	if err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	inFlight := len(q.receipts)
	delayed := len(q.delayTimers)
	q.mu.Unlock()

	return Stats{
		Approximate: state.Messages,
		InFlight:    inFlight,
		Delayed:     delayed,
	}, nil
}

func (q *rabbitMqQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	for id, timer := range q.delayTimers {
		timer.Stop()
		delete(q.delayTimers, id)
	}
	q.mu.Unlock()

	_, err := q.channel.QueuePurge(q.queueName, false)
	return err
}

func (q *rabbitMqQueue) Close() error {
	q.mu.Lock()
	for id, timer := range q.delayTimers {
		timer.Stop()
		delete(q.delayTimers, id)
	}
	q.mu.Unlock()

	if q.channel != nil {
		q.channel.Close()
	}
	if q.connection != nil {
		return q.connection.Close()
	}
	return nil
}

func (q *rabbitMqQueue) IsConnected() bool {
	return q.connection != nil && !q.connection.IsClosed()
}

func (q *rabbitMqQueue) Kind() string {
	return "rabbitmq"
}
