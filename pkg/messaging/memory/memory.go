// Package memory provides an in-process implementation of the messaging
// interfaces. It backs tests and the single-binary deployment mode, where
// requester and workers live in the same process and a broker would add
// nothing but latency.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/authmesh/authmesh/pkg/messaging"
)

// ErrNoResponders is returned by Request when no subscription exists for the
// subject.
var ErrNoResponders = errors.New("no responders available for request")

// ErrTimeout is returned by Request when no reply arrives in time.
var ErrTimeout = errors.New("request timed out")

// Client is an in-process messaging.Client. Messages are delivered on the
// publisher's goroutine for plain subscribers and queue members alike, which
// keeps test ordering deterministic.
type Client struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

// NewClient creates an in-process messaging client.
func NewClient() *Client {
	return &Client{subs: make(map[string][]*subscription)}
}

// Publish delivers data to every plain subscriber of subject, and to one
// member of each queue group subscribed to it.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

// PublishMsg delivers a full message.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targets, err := c.route(msg.Subject)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	for _, s := range targets {
		s.deliver(ctx, msg)
	}
	return nil
}

// Request publishes to subject with a private reply inbox and waits for the
// first reply.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inbox := "_INBOX." + uuid.NewString()
	replyCh := make(chan *messaging.Message, 1)

	sub, err := c.Subscribe(inbox, func(_ context.Context, m *messaging.Message) error {
		select {
		case replyCh <- m:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Replies may arrive synchronously during PublishMsg, so the inbox
	// subscription must exist before publishing.
	err = c.publishForRequest(ctx, &messaging.Message{Subject: subject, Data: data, Reply: inbox})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-replyCh:
		return m, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) publishForRequest(ctx context.Context, msg *messaging.Message) error {
	targets, err := c.route(msg.Subject)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return ErrNoResponders
	}
	msg.Timestamp = time.Now()
	for _, s := range targets {
		go s.deliver(ctx, msg)
	}
	return nil
}

// route picks the delivery set for a subject: all plain subscribers plus one
// member per queue group, rotated round-robin.
func (c *Client) route(subject string) ([]*subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errors.New("client is closed")
	}

	var plain []*subscription
	groups := make(map[string][]*subscription)
	for _, s := range c.subs[subject] {
		if !s.IsValid() {
			continue
		}
		if s.queue == "" {
			plain = append(plain, s)
		} else {
			groups[s.queue] = append(groups[s.queue], s)
		}
	}

	targets := plain
	for _, members := range groups {
		pick := members[0]
		least := atomic.LoadUint64(&pick.delivered)
		for _, m := range members[1:] {
			if n := atomic.LoadUint64(&m.delivered); n < least {
				pick, least = m, n
			}
		}
		targets = append(targets, pick)
	}
	return targets, nil
}

// Subscribe registers a fan-out subscription on subject.
func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.subscribe(subject, "", handler)
}

// QueueSubscribe registers a load-balanced subscription: each message goes to
// exactly one member of the queue group.
func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if queue == "" {
		return nil, errors.New("queue group name required")
	}
	return c.subscribe(subject, queue, handler)
}

func (c *Client) subscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client is closed")
	}

	s := &subscription{client: c, subject: subject, queue: queue, handler: handler}
	s.valid.Store(true)
	c.subs[subject] = append(c.subs[subject], s)
	return s, nil
}

// Close invalidates every subscription and rejects further use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, subs := range c.subs {
		for _, s := range subs {
			s.valid.Store(false)
		}
	}
	c.subs = make(map[string][]*subscription)
	c.closed = true
	return nil
}

// Drain is Close; there is no broker to flush.
func (c *Client) Drain() error {
	return c.Close()
}

// IsConnected reports whether the client is usable.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

type subscription struct {
	client    *Client
	subject   string
	queue     string
	handler   messaging.MessageHandler
	valid     atomic.Bool
	delivered uint64
}

func (s *subscription) deliver(ctx context.Context, msg *messaging.Message) {
	if !s.valid.Load() {
		return
	}
	atomic.AddUint64(&s.delivered, 1)
	copied := *msg
	if err := s.handler(ctx, &copied); err != nil {
		fmt.Printf("Handler error for %s: %v\n", s.subject, err)
	}
}

func (s *subscription) Unsubscribe() error {
	s.valid.Store(false)
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	list := s.client.subs[s.subject]
	for i, cand := range list {
		if cand == s {
			s.client.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (s *subscription) Subject() string {
	return s.subject
}

func (s *subscription) IsValid() bool {
	return s.valid.Load()
}
