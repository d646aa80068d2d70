package stream

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/canonical"
	"github.com/trustfabric/trustcore/internal/metrics"
	"github.com/trustfabric/trustcore/internal/models"
)

// EventSource is the data-access interface Streamer depends on. Claiming and
// result marking are store concerns; the streamer only moves bytes.
type EventSource interface {
	FetchPendingForStream(ctx context.Context, batchSize int) ([]models.AuditEvent, error)
	MarkStreamResult(ctx context.Context, eventID string, success bool, cause string) error
}

// Streamer drains pending events to the broker on a polling loop. Multiple
// streamers may run concurrently: the store hands each a disjoint batch.
type Streamer struct {
	events    EventSource
	producer  Producer
	interval  time.Duration
	batchSize int
	log       *logrus.Logger
}

// NewStreamer creates a Streamer. interval <= 0 defaults to 5s, batchSize <= 0
// to 50.
func NewStreamer(
	events EventSource, producer Producer,
	interval time.Duration, batchSize int, log *logrus.Logger,
) *Streamer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Streamer{
		events:    events,
		producer:  producer,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

// Run polls for pending events until the context is cancelled. A full batch
// triggers an immediate follow-up poll to drain backlogs quickly.
func (s *Streamer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			n, err := s.drainOnce(ctx)
			if err != nil {
				s.log.WithError(err).Warn("stream batch failed")
				break
			}
			if n < s.batchSize {
				break
			}
		}
	}
}

// drainOnce claims one batch and publishes it. Returns the number of events
// claimed.
func (s *Streamer) drainOnce(ctx context.Context) (int, error) {
	events, err := s.events.FetchPendingForStream(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	for i := range events {
		s.export(ctx, &events[i])
	}
	return len(events), nil
}

// export publishes one event and records the outcome. The envelope is the
// canonical encoding of the full event, keyed by event id, so downstream
// consumers can re-verify hashes and signatures independently.
func (s *Streamer) export(ctx context.Context, ev *models.AuditEvent) {
	envelope, err := canonical.Marshal(ev)
	if err == nil {
		err = s.producer.Publish(ctx, ev.ID, envelope)
	}

	if err != nil {
		metrics.StreamExports.WithLabelValues("failure").Inc()
		s.log.WithError(err).WithField("event_id", ev.ID).Warn("stream.export.failed")
		if markErr := s.events.MarkStreamResult(ctx, ev.ID, false, err.Error()); markErr != nil {
			s.log.WithError(markErr).WithField("event_id", ev.ID).
				Warn("marking stream failure failed")
		}
		return
	}

	metrics.StreamExports.WithLabelValues("success").Inc()
	if markErr := s.events.MarkStreamResult(ctx, ev.ID, true, ""); markErr != nil {
		s.log.WithError(markErr).WithField("event_id", ev.ID).
			Warn("marking stream success failed")
	}
}
