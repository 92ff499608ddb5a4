// Package consumer applies payment confirmations published on Kafka by the
// billing side.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/clinicbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/clinicbook/libs/otel"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

const Source = "kafka"

// PaymentApplier is the engine call a payment message ends in.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, evt booking.PaymentEvent) (model.Appointment, bool, error)
}

// MessageReader is the part of kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type paymentMessage struct {
	AppointmentID string `json:"appointment_id"`
	Reference     string `json:"reference"`
}

type Config struct {
	Brokers     []string
	GroupID     string
	Topic       string
	MaxAttempts int
	Backoff     time.Duration
}

type Consumer struct {
	reader      MessageReader
	payments    PaymentApplier
	logger      *slog.Logger
	tracer      trace.Tracer
	maxAttempts int
	backoff     time.Duration
	onResult    func(outcome string)
}

func New(payments PaymentApplier, logger *slog.Logger, cfg Config) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewWithReader(reader, payments, logger, cfg)
}

func NewWithReader(reader MessageReader, payments PaymentApplier, logger *slog.Logger, cfg Config) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Consumer{
		reader:      reader,
		payments:    payments,
		logger:      logger,
		tracer:      otelx.Tracer("kafka"),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		onResult:    func(string) {},
	}
}

// OnResult registers a callback invoked with "applied", "duplicate",
// "skipped" or "failed" for every message handled.
func (c *Consumer) OnResult(fn func(outcome string)) {
	if fn != nil {
		c.onResult = fn
	}
}

// Run consumes until ctx is cancelled. A message is committed once it has
// been applied, recognised as a replay, or given up on.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			if !sleep(ctx, c.backoff) {
				return
			}
			continue
		}

		outcome := c.handleWithRetry(ctx, msg)
		if ctx.Err() != nil {
			return
		}
		c.onResult(outcome)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err, "offset", msg.Offset)
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) string {
	meta := kafkax.ExtractEventMeta(msg)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.backoff
	policy.MaxInterval = 30 * c.backoff

	outcome, err := backoff.Retry(ctx, func() (string, error) {
		outcome, err := c.Handle(ctx, msg)
		var perm permanentError
		if errors.As(err, &perm) {
			return "", backoff.Permanent(err)
		}
		return outcome, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("payment message failed, retrying", "event_id", meta.EventID, "wait", wait, "err", err)
		}),
	)
	var perm permanentError
	switch {
	case err == nil:
		return outcome
	case errors.As(err, &perm):
		c.logger.Warn("payment message skipped", "event_id", meta.EventID, "err", err)
		return "skipped"
	default:
		c.logger.Error("payment message dropped after retries", "event_id", meta.EventID, "err", err)
		return "failed"
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Handle applies one message. Errors wrapped as permanent will never succeed
// on redelivery.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) (outcome string, err error) {
	meta := kafkax.ExtractEventMeta(msg)
	ctx, span := c.tracer.Start(kafkax.ExtractTraceContext(ctx, msg), "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message_id", meta.EventID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body paymentMessage
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		return "", permanentError{fmt.Errorf("decode payment message: %w", err)}
	}
	body.AppointmentID = strings.TrimSpace(body.AppointmentID)
	if body.AppointmentID == "" {
		return "", permanentError{errors.New("payment message without appointment_id")}
	}

	_, applied, err := c.payments.ApplyPayment(ctx, booking.PaymentEvent{
		Source:        Source,
		EventID:       meta.EventID,
		EventType:     meta.EventType,
		AppointmentID: body.AppointmentID,
		Reference:     body.Reference,
	})
	switch {
	case err == nil && applied:
		return "applied", nil
	case err == nil:
		return "duplicate", nil
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, booking.ErrInvalidTransition):
		return "", permanentError{err}
	default:
		return "", err
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
