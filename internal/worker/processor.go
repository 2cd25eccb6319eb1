// Package worker applies record change events to the Postgres mirror.
// Each event is resolved against the Data API, so the mirror always holds
// the record as the server has it now, not as the event described it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/birbparty/fmdapi/internal/events"
	"github.com/birbparty/fmdapi/internal/mirror"
	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Message is one event delivery. *events.Delivery implements it.
type Message interface {
	RecordEvent() *events.RecordEvent
	Attempts() int
	TraceContext(ctx context.Context) context.Context
	Ack() error
	Nak(delay time.Duration) error
	DeadLetter(ctx context.Context, cause error) error
}

// RecordSource reads current record state. *dataapi.Client implements it.
type RecordSource interface {
	GetRecord(ctx context.Context, layout, recordID string, opts ...dataapi.RequestOption) (*dataapi.Result, error)
	GetRecords(ctx context.Context, layout string, opts ...dataapi.RequestOption) (*dataapi.Result, error)
}

// Repository is the mirror store. *mirror.RecordRepository implements it.
type Repository interface {
	Upsert(ctx context.Context, rec *mirror.Record) (bool, error)
	Delete(ctx context.Context, database, layout, recordID string) (bool, error)
	DeleteMissing(ctx context.Context, database, layout string, keep []string) (int64, error)
}

// Consumer delivers event batches until ctx is done. *events.Client
// implements it.
type Consumer interface {
	Consume(ctx context.Context, handler events.Handler) error
}

// Outcome of one event
const (
	ResultApplied      = "applied"
	ResultUnchanged    = "unchanged"
	ResultSkipped      = "skipped"
	ResultRetried      = "retried"
	ResultDeadLettered = "dead_lettered"
)

// errPermanent marks failures that redelivery cannot fix
var errPermanent = errors.New("permanent failure")

// Processor applies events to the mirror
type Processor struct {
	config *Config
	source RecordSource
	repo   Repository
	stats  *Stats
	log    logrus.FieldLogger
}

// NewProcessor creates a processor
func NewProcessor(config *Config, source RecordSource, repo Repository, log logrus.FieldLogger) *Processor {
	if config == nil {
		config = DefaultConfig("")
	}
	config.applyDefaults()
	if log == nil {
		log = telemetry.L()
	}
	return &Processor{
		config: config,
		source: source,
		repo:   repo,
		stats:  NewStats(),
		log:    log.WithField("worker_id", config.WorkerID),
	}
}

// Stats returns the processor counters
func (p *Processor) Stats() *Stats {
	return p.stats
}

// Run consumes events until ctx is done
func (p *Processor) Run(ctx context.Context, consumer Consumer) error {
	p.log.WithField("database", p.config.Database).Info("Sync worker starting")

	if p.config.StatsInterval > 0 {
		go p.reportLoop(ctx)
	}

	err := consumer.Consume(ctx, func(ctx context.Context, batch []*events.Delivery) {
		msgs := make([]Message, len(batch))
		for i, d := range batch {
			msgs[i] = d
		}
		p.ProcessBatch(ctx, msgs)
	})

	p.report()
	p.log.Info("Sync worker stopped")
	return err
}

func (p *Processor) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.report()
		}
	}
}

func (p *Processor) report() {
	snap := p.stats.Snapshot()
	p.log.WithFields(logrus.Fields{
		"processed":     snap.Processed,
		"applied":       snap.Applied,
		"unchanged":     snap.Unchanged,
		"skipped":       snap.Skipped,
		"retried":       snap.Retried,
		"dead_lettered": snap.DeadLettered,
	}).Info("Sync worker stats")
}

// handle applies one event and settles its delivery
func (p *Processor) handle(ctx context.Context, m Message) string {
	evt := m.RecordEvent()
	ctx, done := telemetry.TimeOperation(m.TraceContext(ctx), "sync."+string(evt.Type))

	entry := p.log.WithFields(logrus.Fields{
		"event_id":  evt.ID,
		"type":      evt.Type,
		"layout":    evt.Layout,
		"record_id": evt.RecordID,
		"attempt":   m.Attempts(),
	})

	result, err := p.apply(ctx, evt)
	done(err)

	if err == nil {
		if ackErr := m.Ack(); ackErr != nil {
			entry.WithError(ackErr).Warn("Failed to ack event")
		}
		entry.WithField("result", result).Debug("Event applied")
		return result
	}

	if errors.Is(err, errPermanent) || m.Attempts() >= p.config.MaxDeliver {
		entry.WithError(err).Error("Dead-lettering event")
		if dlqErr := m.DeadLetter(ctx, err); dlqErr != nil {
			entry.WithError(dlqErr).Error("Failed to dead-letter event")
			_ = m.Nak(p.config.RetryDelay)
			return ResultRetried
		}
		return ResultDeadLettered
	}

	entry.WithError(err).Warn("Event failed, retrying")
	if nakErr := m.Nak(p.config.RetryDelay * time.Duration(m.Attempts())); nakErr != nil {
		entry.WithError(nakErr).Warn("Failed to nak event")
	}
	return ResultRetried
}

// apply brings the mirrored row of evt in line with the server
func (p *Processor) apply(ctx context.Context, evt *events.RecordEvent) (string, error) {
	if p.config.Database != "" && evt.Database != p.config.Database {
		return ResultSkipped, nil
	}

	if evt.Type == events.EventDeleted {
		if _, err := p.repo.Delete(ctx, evt.Database, evt.Layout, evt.RecordID); err != nil {
			return "", err
		}
		return ResultApplied, nil
	}

	res, err := p.source.GetRecord(ctx, evt.Layout, evt.RecordID)
	if err != nil {
		if code, ok := dataapi.CodeOf(err); ok && code == dataapi.CodeRecordMissing {
			// deleted again before we got to it
			if _, err := p.repo.Delete(ctx, evt.Database, evt.Layout, evt.RecordID); err != nil {
				return "", err
			}
			return ResultApplied, nil
		}
		return "", classify(err)
	}

	written, err := p.repo.Upsert(ctx, mirror.FromDataAPI(evt.Database, evt.Layout, res.Records[0]))
	if err != nil {
		return "", err
	}
	if !written {
		return ResultUnchanged, nil
	}
	return ResultApplied, nil
}

// codeRecordInUse is returned while another user holds the record open
const codeRecordInUse = 301

// classify marks Data API failures that will not go away on redelivery,
// such as an unknown layout or a field the account cannot read
func classify(err error) error {
	switch dataapi.TypeOf(err) {
	case dataapi.ErrorTypeApplication:
		if code, _ := dataapi.CodeOf(err); code == codeRecordInUse || code == dataapi.CodeInvalidToken {
			return err
		}
		return fmt.Errorf("%w: %w", errPermanent, err)
	case dataapi.ErrorTypeValidation:
		return fmt.Errorf("%w: %w", errPermanent, err)
	}
	return err
}
