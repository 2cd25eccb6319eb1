// Package events carries record change notifications over NATS JetStream.
// fmcli publishes one event per successful write; fmsync consumes them to
// keep a Postgres mirror of the hosted file current.
package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Client is a JetStream connection with the record and DLQ streams in place
type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config *Config
	log    logrus.FieldLogger
}

// Connect dials NATS and creates or updates both streams
func Connect(config *Config, log logrus.FieldLogger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = telemetry.L()
	}
	log = log.WithField("component", "events")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.WithError(err).Error("NATS error")
		}),
	}
	if config.User != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.User, config.Password))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Client{nc: nc, js: js, config: config, log: log}
	if err := c.initializeStreams(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}
	return c, nil
}

func (c *Client) initializeStreams() error {
	records := &nats.StreamConfig{
		Name:        c.config.StreamName,
		Description: "FileMaker record change events",
		Subjects:    []string{SubjectAll},
		Retention:   nats.LimitsPolicy,
		MaxAge:      c.config.StreamMaxAge,
		MaxBytes:    c.config.StreamMaxBytes,
		Replicas:    c.config.StreamReplicas,
		Duplicates:  5 * time.Minute,
		Storage:     nats.FileStorage,
	}
	if err := c.addOrUpdateStream(records); err != nil {
		return fmt.Errorf("records stream: %w", err)
	}

	dlq := &nats.StreamConfig{
		Name:        c.config.DLQStreamName,
		Description: "Record change events that could not be applied",
		Subjects:    []string{SubjectDLQ},
		Retention:   nats.LimitsPolicy,
		MaxAge:      c.config.DLQMaxAge,
		MaxBytes:    c.config.StreamMaxBytes / 10,
		Replicas:    c.config.StreamReplicas,
		Storage:     nats.FileStorage,
	}
	if err := c.addOrUpdateStream(dlq); err != nil {
		return fmt.Errorf("DLQ stream: %w", err)
	}
	return nil
}

func (c *Client) addOrUpdateStream(cfg *nats.StreamConfig) error {
	if _, err := c.js.AddStream(cfg); err != nil {
		if _, err := c.js.UpdateStream(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends evt and waits for the stream to store it. The event id is
// the deduplication id, so retrying a publish is safe.
func (c *Client) Publish(ctx context.Context, evt *RecordEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	data, err := evt.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(evt.Subject())
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	err = c.publish(ctx, msg, nats.MsgId(evt.ID))
	telemetry.RecordEventPublished(string(evt.Type), err)
	return err
}

func (c *Client) publish(ctx context.Context, msg *nats.Msg, opts ...nats.PubOpt) error {
	ack, err := c.js.PublishMsgAsync(msg, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	select {
	case <-ack.Ok():
		return nil
	case err := <-ack.Err():
		return fmt.Errorf("publish to %s failed: %w", msg.Subject, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler receives one fetched batch. Every delivery must be acked, nakked
// or dead-lettered before the ack wait runs out.
type Handler func(ctx context.Context, batch []*Delivery)

// Consume pulls batches from the durable consumer until ctx is done.
// Payloads that do not decode are dead-lettered without reaching handler.
func (c *Client) Consume(ctx context.Context, handler Handler) error {
	sub, err := c.pullSubscribe(c.config.StreamName, SubjectAll, c.config.ConsumerName)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	c.log.WithFields(logrus.Fields{
		"stream":   c.config.StreamName,
		"consumer": c.config.ConsumerName,
	}).Info("Consuming record events")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := sub.Fetch(c.config.BatchSize, nats.MaxWait(c.config.FetchWait))
		if err != nil {
			if isFetchTimeout(err) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return err
			}
			c.log.WithError(err).Warn("Failed to fetch record events")
			continue
		}

		batch := make([]*Delivery, 0, len(msgs))
		for _, msg := range msgs {
			d := &Delivery{msg: msg, client: c}
			evt, err := UnmarshalRecordEvent(msg.Data)
			if err != nil {
				if dlqErr := d.DeadLetter(ctx, err); dlqErr != nil {
					c.log.WithError(dlqErr).Error("Failed to dead-letter malformed event")
				}
				continue
			}
			d.Event = evt
			batch = append(batch, d)
		}
		if len(batch) > 0 {
			handler(ctx, batch)
		}
	}
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) pullSubscribe(stream, subject, durable string) (*nats.Subscription, error) {
	consumer := &nats.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       c.config.AckWait,
		MaxDeliver:    c.config.MaxDeliver,
		MaxAckPending: c.config.MaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
		FilterSubject: subject,
	}
	if _, err := c.js.AddConsumer(stream, consumer); err != nil {
		if _, err := c.js.UpdateConsumer(stream, consumer); err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
		}
	}

	sub, err := c.js.PullSubscribe(subject, durable, nats.ManualAck(), nats.Bind(stream, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", stream, err)
	}
	return sub, nil
}

// Replay moves up to limit dead letters back onto the records stream and
// returns how many were moved. A limit of zero or less moves one batch.
func (c *Client) Replay(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = c.config.BatchSize
	}
	sub, err := c.pullSubscribe(c.config.DLQStreamName, SubjectDLQ, c.config.ConsumerName+"-dlq")
	if err != nil {
		return 0, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	moved := 0
	for moved < limit {
		msgs, err := sub.Fetch(limit-moved, nats.MaxWait(c.config.FetchWait))
		if err != nil {
			if isFetchTimeout(err) {
				return moved, nil
			}
			return moved, fmt.Errorf("failed to fetch dead letters: %w", err)
		}
		for _, msg := range msgs {
			if err := c.replayOne(ctx, msg); err != nil {
				_ = msg.Nak()
				return moved, err
			}
			_ = msg.Ack()
			moved++
		}
	}
	return moved, nil
}

func (c *Client) replayOne(ctx context.Context, msg *nats.Msg) error {
	dl, err := UnmarshalDeadLetter(msg.Data)
	if err != nil {
		c.log.WithError(err).Warn("Dropping unreadable dead letter")
		return nil
	}
	evt, err := UnmarshalRecordEvent(dl.Original)
	if err != nil {
		c.log.WithError(err).Warn("Dropping dead letter with a malformed event")
		return nil
	}

	// a fresh id, or the duplicate window would swallow the replay
	evt.ID = evt.ID + "-replay-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	return c.Publish(ctx, evt)
}

// Stats returns the message counts of both streams
func (c *Client) Stats() (Stats, error) {
	records, err := c.js.StreamInfo(c.config.StreamName)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read %s: %w", c.config.StreamName, err)
	}
	dlq, err := c.js.StreamInfo(c.config.DLQStreamName)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read %s: %w", c.config.DLQStreamName, err)
	}
	return Stats{
		Events:      records.State.Msgs,
		DeadLetters: dlq.State.Msgs,
		Oldest:      records.State.FirstTime,
		Newest:      records.State.LastTime,
	}, nil
}

// Stats summarizes the streams
type Stats struct {
	Events      uint64
	DeadLetters uint64
	Oldest      time.Time
	Newest      time.Time
}

// Health checks the connection and JetStream access
func (c *Client) Health() error {
	if !c.nc.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := c.js.AccountInfo(); err != nil {
		return fmt.Errorf("JetStream health check failed: %w", err)
	}
	return nil
}

// Close drains and closes the connection
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}
