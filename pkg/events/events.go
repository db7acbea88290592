// Package events announces rental lifecycle changes to the billing side.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"subrent/pkg/dates"
	"subrent/pkg/models"
	"subrent/pkg/queue"
)

type Type string

const (
	RentalBooked  Type = "rental.booked"
	RentalDeleted Type = "rental.deleted"
)

type Event struct {
	Type       Type           `json:"type"`
	RentalID   string         `json:"rentalId"`
	Subdomain  string         `json:"subdomain"`
	OwnerID    string         `json:"ownerId"`
	Days       []dates.DayKey `json:"days"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Booked describes a successful booking. days are the days added by this
// booking, which for an extended rental is a subset of its calendar.
func Booked(r *models.Rental, days []dates.DayKey) Event {
	return Event{
		Type:       RentalBooked,
		RentalID:   r.ID,
		Subdomain:  r.Subdomain,
		OwnerID:    r.OwnerID,
		Days:       days,
		OccurredAt: time.Now().UTC(),
	}
}

func Deleted(r *models.Rental) Event {
	return Event{
		Type:       RentalDeleted,
		RentalID:   r.ID,
		Subdomain:  r.Subdomain,
		OwnerID:    r.OwnerID,
		Days:       r.Days(),
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultMaxRetries = 5
	defaultBackoff    = 2 * time.Second
	retryInterval     = time.Second
)

// KafkaPublisher writes events keyed by subdomain so one subdomain's events
// stay ordered within a partition. Failed writes are queued and retried by Run.
type KafkaPublisher struct {
	writer     messageWriter
	retries    *queue.Queue[kafka.Message]
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(writer, log)
}

func newKafkaPublisher(writer messageWriter, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:     writer,
		retries:    queue.NewQueue[kafka.Message](),
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		log:        log,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

func message(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	return kafka.Message{
		Key:   []byte(e.Subdomain),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "rental_id", Value: []byte(e.RentalID)},
		},
		Time: e.OccurredAt,
	}, nil
}

// Publish writes e once. A failed write is queued for retry and is not
// reported as an error: the rental change it describes is already committed.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := message(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("event publish failed, queued for retry",
			zap.String("type", string(e.Type)),
			zap.String("rental_id", e.RentalID),
			zap.Error(err))
		p.retries.Enqueue(&queue.Retry[kafka.Message]{
			Value:      msg,
			RetryAt:    p.now().Add(p.backoff),
			MaxRetries: p.maxRetries,
		})
	}
	return nil
}

// Start runs the retry loop in the background until Close.
func (p *KafkaPublisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.retryDue(context.Background())
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *KafkaPublisher) retryDue(ctx context.Context) {
	now := p.now()
	var failed []*queue.Retry[kafka.Message]
	for item := p.retries.Dequeue(now); item != nil; item = p.retries.Dequeue(now) {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(writeCtx, item.Value)
		cancel()
		if err == nil {
			continue
		}
		item.RetryCount++
		if item.Exhausted() {
			p.log.Error("dropping event after retries",
				zap.ByteString("key", item.Value.Key),
				zap.Int("attempts", item.RetryCount+1),
				zap.Error(err))
			continue
		}
		item.RetryAt = now.Add(p.backoff << item.RetryCount)
		failed = append(failed, item)
	}
	for _, item := range failed {
		p.retries.Enqueue(item)
	}
}

// Pending is the number of events waiting for another attempt.
func (p *KafkaPublisher) Pending() int {
	return p.retries.Size()
}

// Close stops the retry loop, makes one last attempt for queued events and
// closes the writer.
func (p *KafkaPublisher) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if pending := p.retries.Drain(); len(pending) > 0 {
		msgs := make([]kafka.Message, len(pending))
		for i, item := range pending {
			msgs[i] = item.Value
		}
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			p.log.Error("dropping queued events on shutdown", zap.Int("count", len(msgs)), zap.Error(err))
		}
	}

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
