package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

const (
	eventsCollection      = "events"
	attemptsCollection    = "delivery_attempts"
	subscribersCollection = "subscribers"
	transportsCollection  = "transports"
	countersCollection    = "counters"
)

type MongoRepository struct {
	client   *mongo.Client
	database string
}

func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{
		client:   client,
		database: database,
	}
}

// mongoEvent mirrors Event with bson tags matching the collection layout.
type mongoEvent struct {
	ID          int64      `bson:"id"`
	DeliveryID  string     `bson:"upstream_delivery_id"`
	EventType   string     `bson:"event_type"`
	PayloadHash string     `bson:"payload_hash"`
	PayloadSize int        `bson:"payload_size"`
	Payload     string     `bson:"payload_data"`
	HeadersData string     `bson:"headers_data"`
	ReceivedAt  time.Time  `bson:"received_at"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
	Status      Status     `bson:"status"`
}

type mongoAttempt struct {
	ID            int64      `bson:"id"`
	EventID       int64      `bson:"event_id"`
	SubscriberID  int64      `bson:"subscriber_id"`
	AttemptNumber int        `bson:"attempt_number"`
	StatusCode    *int       `bson:"status_code,omitempty"`
	ErrorMessage  *string    `bson:"error_message,omitempty"`
	AttemptedAt   time.Time  `bson:"attempted_at"`
	DurationMs    *int64     `bson:"duration_ms,omitempty"`
	NextRetryAt   *time.Time `bson:"next_retry_at,omitempty"`
}

type mongoSubscriber struct {
	ID     int64    `bson:"id"`
	Name   string   `bson:"name"`
	Events []string `bson:"events"`
}

type mongoTransport struct {
	ID           int64  `bson:"id"`
	SubscriberID int64  `bson:"subscriber_id"`
	Name         string `bson:"name"`
	Config       string `bson:"config"`
}

func (m *MongoRepository) StoreEvent(ctx context.Context, event *Event) (int64, error) {
	tracer := otel.Tracer("event-router")
	ctx, span := tracer.Start(ctx, "StoreEvent")
	defer span.End()

	startTime := time.Now()

	id, err := m.nextSequence(ctx, "events")
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	doc := mongoEvent{
		ID:          id,
		DeliveryID:  event.DeliveryID,
		EventType:   event.EventType,
		PayloadHash: event.PayloadHash,
		PayloadSize: event.PayloadSize,
		Payload:     event.Payload,
		HeadersData: event.HeadersData,
		ReceivedAt:  event.ReceivedAt,
		Status:      StatusPending,
	}

	// A unique index on upstream_delivery_id turns replays into duplicate-key
	// errors here.
	_, err = m.collection(eventsCollection).InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrAlreadyExists
		}
		span.RecordError(err)
		return 0, err
	}

	event.ID = id
	event.Status = StatusPending

	addDBStatsToSpan(span, "mongodb", "StoreEvent", 1, time.Since(startTime))
	return id, nil
}

func (m *MongoRepository) GetEvent(ctx context.Context, eventID int64) (*Event, error) {
	var doc mongoEvent
	err := m.collection(eventsCollection).FindOne(ctx, bson.M{"id": eventID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	event := eventFromMongo(doc)
	return &event, nil
}

func (m *MongoRepository) SetEventStatus(ctx context.Context, eventID int64, status Status) error {
	set := bson.M{"status": status}
	if terminal(status) {
		set["processed_at"] = time.Now()
	}
	_, err := m.collection(eventsCollection).UpdateOne(ctx,
		bson.M{"id": eventID}, bson.M{"$set": set})
	return err
}

func (m *MongoRepository) EventStats(ctx context.Context) (EventStats, error) {
	var stats EventStats
	coll := m.collection(eventsCollection)

	total, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return stats, err
	}
	pending, err := coll.CountDocuments(ctx, bson.M{"status": StatusPending})
	if err != nil {
		return stats, err
	}
	failed, err := coll.CountDocuments(ctx, bson.M{"status": bson.M{"$in": []Status{StatusFailed, StatusDeadLetter}}})
	if err != nil {
		return stats, err
	}
	completed, err := coll.CountDocuments(ctx, bson.M{"status": StatusCompleted})
	if err != nil {
		return stats, err
	}

	stats.Total = total
	stats.Pending = pending
	stats.Failed = failed
	stats.Completed = completed
	return stats, nil
}

func (m *MongoRepository) FailureRate(ctx context.Context, window time.Duration) (float64, error) {
	coll := m.collection(eventsCollection)
	since := time.Now().Add(-window)

	total, err := coll.CountDocuments(ctx, bson.M{"received_at": bson.M{"$gt": since}})
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	failed, err := coll.CountDocuments(ctx, bson.M{
		"received_at": bson.M{"$gt": since},
		"status":      bson.M{"$in": []Status{StatusFailed, StatusDeadLetter}},
	})
	if err != nil {
		return 0, err
	}
	return float64(failed) / float64(total), nil
}

func (m *MongoRepository) RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	tracer := otel.Tracer("event-router")
	ctx, span := tracer.Start(ctx, "RecordAttempt")
	defer span.End()

	id, err := m.nextSequence(ctx, "delivery_attempts")
	if err != nil {
		span.RecordError(err)
		return err
	}

	doc := mongoAttempt{
		ID:            id,
		EventID:       attempt.EventID,
		SubscriberID:  attempt.SubscriberID,
		AttemptNumber: attempt.AttemptNumber,
		StatusCode:    attempt.StatusCode,
		ErrorMessage:  attempt.ErrorMessage,
		AttemptedAt:   attempt.AttemptedAt,
		DurationMs:    attempt.DurationMs,
		NextRetryAt:   attempt.NextRetryAt,
	}
	_, err = m.collection(attemptsCollection).InsertOne(ctx, doc)
	if err != nil {
		span.RecordError(err)
		return err
	}
	attempt.ID = id
	return nil
}

func (m *MongoRepository) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error {
	_, err := m.collection(attemptsCollection).UpdateOne(ctx,
		bson.M{"event_id": eventID, "subscriber_id": subscriberID, "attempt_number": attemptNumber},
		bson.M{"$set": bson.M{"next_retry_at": when}})
	return err
}

func (m *MongoRepository) ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error {
	_, err := m.collection(attemptsCollection).UpdateOne(ctx,
		bson.M{"event_id": eventID, "subscriber_id": subscriberID, "attempt_number": attemptNumber},
		bson.M{"$unset": bson.M{"next_retry_at": ""}})
	return err
}

// PendingRetries claims due rows one at a time with FindOneAndUpdate, which is
// atomic per document, so concurrent pollers never return the same row.
func (m *MongoRepository) PendingRetries(ctx context.Context, limit int) ([]RetryTask, error) {
	tracer := otel.Tracer("event-router")
	ctx, span := tracer.Start(ctx, "PendingRetries")
	defer span.End()

	startTime := time.Now()

	coll := m.collection(attemptsCollection)
	opts := options.FindOneAndUpdate().SetSort(bson.D{{Key: "next_retry_at", Value: 1}})

	var tasks []RetryTask
	for len(tasks) < limit {
		filter := bson.M{"next_retry_at": bson.M{"$ne": nil, "$lte": time.Now()}}
		update := bson.M{"$unset": bson.M{"next_retry_at": ""}}

		var claimed mongoAttempt
		err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&claimed)
		if err != nil {
			if err == mongo.ErrNoDocuments {
				break
			}
			span.RecordError(err)
			return nil, err
		}

		var evt mongoEvent
		if err := m.collection(eventsCollection).FindOne(ctx, bson.M{"id": claimed.EventID}).Decode(&evt); err != nil {
			span.RecordError(err)
			return nil, err
		}

		tasks = append(tasks, RetryTask{
			EventID:       claimed.EventID,
			SubscriberID:  claimed.SubscriberID,
			AttemptNumber: claimed.AttemptNumber,
			NextAttempt:   claimed.AttemptNumber + 1,
			EventType:     evt.EventType,
			DeliveryID:    evt.DeliveryID,
			Payload:       evt.Payload,
			HeadersData:   evt.HeadersData,
		})
	}

	addDBStatsToSpan(span, "mongodb", "PendingRetries", len(tasks), time.Since(startTime))
	return tasks, nil
}

func (m *MongoRepository) HasScheduledRetries(ctx context.Context, eventID int64) (bool, error) {
	count, err := m.collection(attemptsCollection).CountDocuments(ctx,
		bson.M{"event_id": eventID, "next_retry_at": bson.M{"$ne": nil}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasPermanentFailure loads the event's attempts and checks each subscriber's
// latest one: a non-2xx (or absent) status with no retry scheduled means that
// subscriber failed for good.
func (m *MongoRepository) HasPermanentFailure(ctx context.Context, eventID int64) (bool, error) {
	cursor, err := m.collection(attemptsCollection).Find(ctx, bson.M{"event_id": eventID})
	if err != nil {
		return false, err
	}
	defer cursor.Close(ctx)

	latest := make(map[int64]mongoAttempt)
	for cursor.Next(ctx) {
		var attempt mongoAttempt
		if err := cursor.Decode(&attempt); err != nil {
			return false, err
		}
		if current, ok := latest[attempt.SubscriberID]; !ok || attempt.AttemptNumber > current.AttemptNumber {
			latest[attempt.SubscriberID] = attempt
		}
	}
	if err := cursor.Err(); err != nil {
		return false, err
	}

	for _, attempt := range latest {
		if attempt.NextRetryAt != nil {
			continue
		}
		if attempt.StatusCode == nil || *attempt.StatusCode < 200 || *attempt.StatusCode >= 300 {
			return true, nil
		}
	}
	return false, nil
}

func (m *MongoRepository) GetSubscriber(ctx context.Context, subscriberID int64) (*Subscriber, error) {
	var doc mongoSubscriber
	err := m.collection(subscribersCollection).FindOne(ctx, bson.M{"id": subscriberID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Subscriber{ID: doc.ID, Name: doc.Name, Events: doc.Events}, nil
}

func (m *MongoRepository) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	cursor, err := m.collection(subscribersCollection).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var subs []Subscriber
	for cursor.Next(ctx) {
		var doc mongoSubscriber
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		subs = append(subs, Subscriber{ID: doc.ID, Name: doc.Name, Events: doc.Events})
	}
	return subs, cursor.Err()
}

func (m *MongoRepository) GetTransportFor(ctx context.Context, subscriberID int64) (*TransportBinding, error) {
	var doc mongoTransport
	err := m.collection(transportsCollection).FindOne(ctx, bson.M{"subscriber_id": subscriberID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &TransportBinding{ID: doc.ID, SubscriberID: doc.SubscriberID, Name: doc.Name, Config: doc.Config}, nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoRepository) collection(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

// nextSequence increments and returns the named counter, creating it on first
// use. FindOneAndUpdate is atomic, which makes the ids monotonic.
func (m *MongoRepository) nextSequence(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := m.collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func eventFromMongo(doc mongoEvent) Event {
	return Event{
		ID:          doc.ID,
		DeliveryID:  doc.DeliveryID,
		EventType:   doc.EventType,
		PayloadHash: doc.PayloadHash,
		PayloadSize: doc.PayloadSize,
		Payload:     doc.Payload,
		HeadersData: doc.HeadersData,
		ReceivedAt:  doc.ReceivedAt,
		ProcessedAt: doc.ProcessedAt,
		Status:      doc.Status,
	}
}
