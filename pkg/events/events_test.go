package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"subrent/pkg/dates"
	"subrent/pkg/models"
)

var errBroker = errors.New("broker unavailable")

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errBroker
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testRental() *models.Rental {
	return &models.Rental{
		ID:        "3f1c2d5e-0000-4000-8000-000000000001",
		Subdomain: "joke",
		OwnerID:   "u1",
		Bookings: []models.Booking{
			{Day: dates.MustParse("2025-11-01")},
			{Day: dates.MustParse("2025-11-02")},
		},
	}
}

func TestPublishWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zap.NewNop())

	e := Booked(testRental(), []dates.DayKey{"2025-11-02"})
	require.NoError(t, p.Publish(context.Background(), e))

	require.Len(t, w.written, 1)
	msg := w.written[0]
	assert.Equal(t, "joke", string(msg.Key))
	assert.Contains(t, msg.Headers, kafka.Header{Key: "event_type", Value: []byte("rental.booked")})

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, RentalBooked, decoded.Type)
	assert.Equal(t, []dates.DayKey{"2025-11-02"}, decoded.Days)
	assert.Equal(t, "u1", decoded.OwnerID)
}

func TestDeletedCarriesAllDays(t *testing.T) {
	e := Deleted(testRental())
	assert.Equal(t, RentalDeleted, e.Type)
	assert.Equal(t, []dates.DayKey{"2025-11-01", "2025-11-02"}, e.Days)
}

func TestFailedPublishIsRetried(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newKafkaPublisher(w, zap.NewNop())
	now := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Publish(context.Background(), Deleted(testRental())))
	assert.Equal(t, 1, p.Pending())

	// not due yet
	p.retryDue(context.Background())
	assert.Equal(t, 1, w.failures)

	now = now.Add(p.backoff)
	p.retryDue(context.Background())
	assert.Equal(t, 0, w.failures)
	assert.Equal(t, 1, p.Pending())
	assert.Empty(t, w.written)

	now = now.Add(p.backoff << 1)
	p.retryDue(context.Background())
	assert.Equal(t, 0, p.Pending())
	assert.Len(t, w.written, 1)
}

func TestRetriesGiveUp(t *testing.T) {
	w := &fakeWriter{failures: 100}
	p := newKafkaPublisher(w, zap.NewNop())
	p.maxRetries = 2
	now := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Publish(context.Background(), Deleted(testRental())))
	for i := 0; i < 5; i++ {
		now = now.Add(time.Hour)
		p.retryDue(context.Background())
	}
	assert.Equal(t, 0, p.Pending())
	assert.Empty(t, w.written)
}

func TestCloseFlushesQueue(t *testing.T) {
	w := &fakeWriter{failures: 1}
	p := newKafkaPublisher(w, zap.NewNop())
	p.Start()

	require.NoError(t, p.Publish(context.Background(), Deleted(testRental())))
	require.NoError(t, p.Close())

	assert.Len(t, w.written, 1)
	assert.True(t, w.closed)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Deleted(testRental())))
	assert.NoError(t, p.Close())
}
