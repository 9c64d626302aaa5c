package fabric

import (
	"context"
	"encoding/json"
	"time"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/pkg/logging"
	"github.com/authmesh/authmesh/pkg/messaging"
	"github.com/authmesh/authmesh/pkg/middleware"
)

// HandlerFunc processes one decoded request envelope and returns the reply
// payload. Returning an *apperr.Error classifies the failure: retryable
// codes re-run the handler, everything else goes straight back to the
// caller.
type HandlerFunc func(ctx context.Context, env *Envelope) (any, error)

// ConsumerConfig tunes the worker side of the fabric.
type ConsumerConfig struct {
	// MaxConcurrency bounds in-flight handlers. Default 32.
	MaxConcurrency int

	// MaxAttempts is the total number of tries for retryable failures.
	// Default 3.
	MaxAttempts int

	// RetryBase is the first backoff delay. Default 1s.
	RetryBase time.Duration

	// RetryFactor multiplies the delay each attempt. Default 2.0.
	RetryFactor float64

	// RetryCap bounds a single delay. Default 30s.
	RetryCap time.Duration

	// HandleTimeout bounds one handler invocation. Default 25s, inside the
	// requester's 30s deadline so the reply still has time to travel.
	HandleTimeout time.Duration
}

func (c *ConsumerConfig) withDefaults() ConsumerConfig {
	out := *c
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = 32
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryBase <= 0 {
		out.RetryBase = time.Second
	}
	if out.RetryFactor <= 1 {
		out.RetryFactor = 2.0
	}
	if out.RetryCap <= 0 {
		out.RetryCap = 30 * time.Second
	}
	if out.HandleTimeout <= 0 {
		out.HandleTimeout = 25 * time.Second
	}
	return out
}

// Consumer subscribes handlers to fabric subjects inside one queue group.
type Consumer struct {
	client messaging.Client
	cfg    ConsumerConfig
	logger *logging.Logger
	sem    chan struct{}
	subs   []messaging.Subscription
}

func NewConsumer(client messaging.Client, cfg ConsumerConfig, logger *logging.Logger) *Consumer {
	resolved := cfg.withDefaults()
	return &Consumer{
		client: client,
		cfg:    resolved,
		logger: logger,
		sem:    make(chan struct{}, resolved.MaxConcurrency),
	}
}

// Handle registers a request/reply handler on a subject within the worker
// queue group.
func (c *Consumer) Handle(subject string, handler HandlerFunc) error {
	sub, err := c.client.QueueSubscribe(subject, QueueGroup, func(ctx context.Context, msg *messaging.Message) error {
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		c.process(ctx, msg, handler)
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeConsumeFailed, "subscribe "+subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Stop unsubscribes every handler.
func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

func (c *Consumer) process(ctx context.Context, msg *messaging.Message, handler HandlerFunc) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.logger.ErrorContext(ctx, "malformed fabric message",
			"subject", msg.Subject,
			"error", err,
		)
		c.reply(ctx, msg, &Envelope{
			Error: apperr.Wrap(apperr.CodeSerializationFailed, "malformed request envelope", err),
		})
		return
	}

	ctx = middleware.WithRequestID(ctx, env.CorrelationID)

	payload, err := c.invokeWithRetry(ctx, msg.Subject, &env, handler)
	if err != nil {
		c.reply(ctx, msg, &Envelope{CorrelationID: env.CorrelationID, Error: apperr.AsAppError(err)})
		return
	}

	reply, err := NewEnvelope(env.CorrelationID, payload)
	if err != nil {
		c.reply(ctx, msg, &Envelope{CorrelationID: env.CorrelationID, Error: apperr.AsAppError(err)})
		return
	}
	c.reply(ctx, msg, reply)
}

// invokeWithRetry runs the handler, retrying retryable failures with
// exponential backoff. Exhausted messages go to the dead letter subject.
func (c *Consumer) invokeWithRetry(ctx context.Context, subject string, env *Envelope, handler HandlerFunc) (any, error) {
	var lastErr error
	delay := c.cfg.RetryBase

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.HandleTimeout)
		payload, err := handler(hctx, env)
		cancel()

		if err == nil {
			return payload, nil
		}
		lastErr = err

		if !apperr.Retryable(err) {
			// Business outcome, not an infrastructure fault.
			return nil, err
		}

		c.logger.WarnContext(ctx, "fabric handler failed",
			"subject", subject,
			"correlation_id", env.CorrelationID,
			"attempt", attempt,
			"error", err,
		)

		if attempt == c.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay = time.Duration(float64(delay) * c.cfg.RetryFactor)
		if delay > c.cfg.RetryCap {
			delay = c.cfg.RetryCap
		}
	}

	c.deadLetter(ctx, subject, env, lastErr)
	return nil, lastErr
}

func (c *Consumer) deadLetter(ctx context.Context, subject string, env *Envelope, cause error) {
	entry := DLQEntry{
		Subject:       subject,
		CorrelationID: env.CorrelationID,
		Data:          env.Data,
		Error:         cause.Error(),
		Attempts:      c.cfg.MaxAttempts,
		FailedAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to marshal dead letter", "error", err)
		return
	}
	if err := c.client.Publish(ctx, SubjectDLQ, data); err != nil {
		c.logger.ErrorContext(ctx, "failed to publish dead letter",
			"subject", subject,
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		return
	}
	c.logger.WarnContext(ctx, "message dead-lettered",
		"subject", subject,
		"correlation_id", env.CorrelationID,
	)
}

func (c *Consumer) reply(ctx context.Context, msg *messaging.Message, env *Envelope) {
	if msg.Reply == "" {
		// Fire-and-forget subjects have nowhere to answer.
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to marshal reply envelope", "error", err)
		return
	}
	if err := c.client.Publish(ctx, msg.Reply, data); err != nil {
		c.logger.ErrorContext(ctx, "failed to publish reply",
			"subject", msg.Subject,
			"error", err,
		)
	}
}
