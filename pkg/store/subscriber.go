package store

// Subscriber is a downstream consumer of webhook events. Subscribers are
// created by the management surface; the router only reads them.
type Subscriber struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Events []string `json:"events"` // event types the subscriber is interested in
}

// WantsEvent reports whether the subscriber's event set contains eventType.
func (s *Subscriber) WantsEvent(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// TransportBinding is the 1:1 transport configuration owned by a subscriber.
// Config is an opaque JSON blob specific to the transport kind and may carry
// credentials.
type TransportBinding struct {
	ID           int64  `json:"id"`
	SubscriberID int64  `json:"subscriber_id"`
	Name         string `json:"name"`   // transport kind tag
	Config       string `json:"config"` // serialized JSON
}
