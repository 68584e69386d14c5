package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const handleTimeout = 5 * time.Second

// Client bundles a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// Connect dials NATS and opens JetStream.
func Connect(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("verity-ingest"))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// ConnectWithRetry keeps dialing until timeout elapses.
func ConnectWithRetry(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := Connect(url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("ingest: connect nats timeout after %s: %w", timeout, lastErr)
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// EnsureStream creates the event stream when it does not exist yet.
func EnsureStream(js nats.JetStreamContext, name, subject string) error {
	if _, err := js.StreamInfo(name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		}); err != nil {
			return fmt.Errorf("ingest: add stream %s: %w", name, err)
		}
	}
	return nil
}

// SubscriberConfig names the JetStream consumer.
type SubscriberConfig struct {
	Stream  string
	Subject string
	Durable string
	Queue   string
}

// Subscriber feeds JetStream messages into a Service.
type Subscriber struct {
	js      nats.JetStreamContext
	service *Service
	cfg     SubscriberConfig
	logger  *slog.Logger
}

// NewSubscriber constructs a subscriber.
func NewSubscriber(js nats.JetStreamContext, service *Service, cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{js: js, service: service, cfg: cfg, logger: logger}
}

// Run subscribes and blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := EnsureStream(s.js, s.cfg.Stream, s.cfg.Subject); err != nil {
		return err
	}
	sub, err := s.js.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	}, nats.ManualAck(), nats.Durable(s.cfg.Durable), nats.DeliverAll())
	if err != nil {
		return fmt.Errorf("ingest: subscribe %s: %w", s.cfg.Subject, err)
	}
	s.logger.Info("ingest listening", slog.String("subject", s.cfg.Subject), slog.String("stream", s.cfg.Stream))
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.logger.Warn("drain subscription", slog.Any("error", err))
	}
	return ctx.Err()
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionTerm
	dispositionNak
)

func dispositionFor(err error) disposition {
	switch {
	case err == nil:
		return dispositionAck
	case errors.Is(err, ErrInvalidMessage):
		return dispositionTerm
	default:
		return dispositionNak
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	err := s.service.Handle(handleCtx, msg.Data)
	switch dispositionFor(err) {
	case dispositionAck:
		_ = msg.Ack()
	case dispositionTerm:
		s.logger.Warn("discarding invalid event message", slog.String("subject", msg.Subject), slog.Any("error", err))
		_ = msg.Term()
	case dispositionNak:
		s.logger.Error("event append failed", slog.String("subject", msg.Subject), slog.Any("error", err))
		_ = msg.NakWithDelay(time.Second)
	}
}
