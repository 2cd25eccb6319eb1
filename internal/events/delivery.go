package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Delivery is one fetched event awaiting acknowledgement
type Delivery struct {
	Event  *RecordEvent
	msg    *nats.Msg
	client *Client
}

// RecordEvent returns the decoded event
func (d *Delivery) RecordEvent() *RecordEvent {
	return d.Event
}

// Attempts returns how many times the event has been delivered, this one
// included
func (d *Delivery) Attempts() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// TraceContext returns ctx carrying the publisher's span, if the event
// came with one
func (d *Delivery) TraceContext(ctx context.Context) context.Context {
	if d.msg.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(d.msg.Header))
}

// Ack marks the event done
func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Nak asks for redelivery after delay
func (d *Delivery) Nak(delay time.Duration) error {
	if delay > 0 {
		return d.msg.NakWithDelay(delay)
	}
	return d.msg.Nak()
}

// DeadLetter parks the event on the DLQ stream with cause and stops
// further deliveries
func (d *Delivery) DeadLetter(ctx context.Context, cause error) error {
	dl := &DeadLetter{
		Original:        d.msg.Data,
		OriginalSubject: d.msg.Subject,
		Error:           cause.Error(),
		FailedAt:        time.Now().UTC(),
		Deliveries:      d.Attempts(),
	}
	data, err := dl.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	msg := nats.NewMsg(SubjectDLQ)
	msg.Data = data
	msg.Header.Set("X-Original-Subject", d.msg.Subject)
	msg.Header.Set("X-Failed-At", dl.FailedAt.Format(time.RFC3339))
	msg.Header.Set("X-Deliveries", strconv.Itoa(dl.Deliveries))

	if err := d.client.publish(ctx, msg); err != nil {
		return err
	}
	return d.msg.Term()
}
