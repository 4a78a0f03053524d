// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package bus provides the intra-process topic pub/sub and request/reply
// plane used to decouple optional work (vectorization, categorization,
// budget alerts) from the orchestration control flow.
//
// Delivery is best-effort: a publish never fails because of a subscriber,
// and a slow handler cannot stall its peers because every subscription
// drains its own queue on a dedicated goroutine.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults, overridable through Options.
const (
	DefaultHistorySize   = 1000
	DefaultHandlerBudget = 5 * time.Second
	DefaultMaxQueue      = 10000
	defaultBufferSize    = 256
)

// criticalPrefixes lists topic prefixes that are never dropped under
// backpressure; publishes to them block until the subscriber queue drains.
var criticalPrefixes = []string{"orchestration:", "usage:budget:"}

// Message is one published event.
type Message struct {
	ID        string
	Topic     string
	Payload   any
	Timestamp time.Time

	replyTo chan reply
}

type reply struct {
	payload any
	err     error
}

// Handler consumes a message. Panics are caught and logged; errors cannot
// propagate to the publisher.
type Handler func(ctx context.Context, msg Message)

// Responder answers a Request. The returned payload is routed only to the
// requesting call.
type Responder func(ctx context.Context, msg Message) (any, error)

// Options tune bus behavior.
type Options struct {
	HistorySize   int
	HandlerBudget time.Duration
	MaxQueue      int
	BufferSize    int
}

func (o Options) withDefaults() Options {
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.HandlerBudget <= 0 {
		o.HandlerBudget = DefaultHandlerBudget
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = DefaultMaxQueue
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	return o
}

// Bus is a topic-based publish/subscribe hub. All methods are safe for
// concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	history *historyRing
	logger  *zap.Logger
	opts    Options

	pending   atomic.Int64
	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// Subscription is a live handler registration. Cancel detaches it and stops
// its dispatch goroutine.
type Subscription struct {
	ID      string
	Pattern string

	bus     *Bus
	handler Handler
	queue   chan Message
	done    chan struct{}
	once    sync.Once
}

// New creates a bus. A nil logger falls back to zap.NewNop.
func New(logger *zap.Logger, opts Options) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := opts.withDefaults()
	return &Bus{
		subs:    make(map[string]*Subscription),
		history: newHistoryRing(o.HistorySize),
		logger:  logger,
		opts:    o,
	}
}

// Publish fans a payload out to every matching subscription. It never
// returns an error to the caller: handler failures are logged, and messages
// to non-critical topics are dropped when the bus queue is saturated.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	if b.closed.Load() || topic == "" {
		return
	}

	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.history.add(msg)
	b.published.Add(1)

	b.deliver(ctx, msg)
}

func (b *Bus) deliver(ctx context.Context, msg Message) {
	critical := IsCriticalTopic(msg.Topic)

	b.mu.RLock()
	targets := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if MatchTopic(sub.Pattern, msg.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !critical && b.pending.Load() >= int64(b.opts.MaxQueue) {
			b.dropped.Add(1)
			b.logger.Warn("bus queue saturated, dropping message",
				zap.String("topic", msg.Topic),
				zap.String("subscription_id", sub.ID))
			continue
		}

		if critical {
			// Critical topics block the publisher rather than drop.
			select {
			case sub.queue <- msg:
				b.pending.Add(1)
				b.delivered.Add(1)
			case <-sub.done:
			case <-ctx.Done():
			}
			continue
		}

		select {
		case sub.queue <- msg:
			b.pending.Add(1)
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber queue full, dropping message",
				zap.String("topic", msg.Topic),
				zap.String("subscription_id", sub.ID))
		}
	}
}

// Subscribe registers a handler for a topic pattern. Patterns are matched
// per ":"-segment; "*" matches one segment, and a trailing "*" matches the
// whole remainder ("orchestration:*" matches "orchestration:done").
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	sub := &Subscription{
		ID:      fmt.Sprintf("%s-%d", pattern, time.Now().UnixNano()),
		Pattern: pattern,
		bus:     b,
		handler: handler,
		queue:   make(chan Message, b.opts.BufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.drain()

	b.logger.Debug("bus subscribe",
		zap.String("subscription_id", sub.ID),
		zap.String("pattern", pattern))
	return sub
}

// Cancel detaches the subscription. Queued messages not yet dispatched are
// discarded. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.ID)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

// drain dispatches queued messages in order, one at a time, applying the
// per-dispatch budget. Runs until the subscription is cancelled or the bus
// closes.
func (s *Subscription) drain() {
	defer s.bus.wg.Done()
	for {
		select {
		case msg := <-s.queue:
			s.bus.pending.Add(-1)
			s.dispatch(msg)
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) dispatch(msg Message) {
	budget := s.bus.opts.HandlerBudget
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				s.bus.logger.Error("bus handler panicked",
					zap.String("topic", msg.Topic),
					zap.String("subscription_id", s.ID),
					zap.Any("panic", r))
			}
		}()
		s.handler(ctx, msg)
	}()

	select {
	case <-finished:
	case <-time.After(budget):
		// Over budget: log and move on. The handler goroutine is abandoned;
		// its ctx is already cancelled via the deferred cancel.
		s.bus.logger.Warn("bus handler exceeded budget, abandoning",
			zap.String("topic", msg.Topic),
			zap.String("subscription_id", s.ID),
			zap.Duration("budget", budget))
	}
}

// OnRequest registers a responder. Replies are routed only to the
// requesting Request call.
func (b *Bus) OnRequest(pattern string, responder Responder) *Subscription {
	return b.Subscribe(pattern, func(ctx context.Context, msg Message) {
		if msg.replyTo == nil {
			return
		}
		payload, err := responder(ctx, msg)
		select {
		case msg.replyTo <- reply{payload: payload, err: err}:
		default:
			// Requester stopped collecting; discard.
		}
	})
}

// Request publishes a message and waits for up to expected reply payloads
// or until timeout, whichever comes first. It returns whatever arrived and
// never fails because fewer responders answered.
func (b *Bus) Request(ctx context.Context, topic string, payload any, timeout time.Duration, expected int) []any {
	if expected <= 0 || b.closed.Load() {
		return nil
	}

	replyCh := make(chan reply, expected)
	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
		replyTo:   replyCh,
	}
	b.history.add(msg)
	b.published.Add(1)
	b.deliver(ctx, msg)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	replies := make([]any, 0, expected)
	for len(replies) < expected {
		select {
		case r := <-replyCh:
			if r.err != nil {
				b.logger.Debug("bus responder error",
					zap.String("topic", topic), zap.Error(r.err))
				continue
			}
			replies = append(replies, r.payload)
		case <-timer.C:
			return replies
		case <-ctx.Done():
			return replies
		}
	}
	return replies
}

// History returns up to limit retained messages, newest last. An empty
// topic returns all topics; otherwise only exact-topic matches.
func (b *Bus) History(topic string, limit int) []Message {
	return b.history.snapshot(topic, limit)
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published int64
	Delivered int64
	Dropped   int64
	Pending   int64
}

// GetStats returns current counters.
func (b *Bus) GetStats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Pending:   b.pending.Load(),
	}
}

// Close shuts the bus down and stops all dispatch goroutines. Messages
// still queued are discarded.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	b.wg.Wait()

	b.logger.Info("bus closed",
		zap.Int64("published", b.published.Load()),
		zap.Int64("delivered", b.delivered.Load()),
		zap.Int64("dropped", b.dropped.Load()))
}

// IsCriticalTopic reports whether a topic may never be dropped under
// backpressure.
func IsCriticalTopic(topic string) bool {
	for _, prefix := range criticalPrefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// MatchTopic reports whether topic matches the subscription pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	pSegs := strings.Split(pattern, ":")
	tSegs := strings.Split(topic, ":")
	for i, seg := range pSegs {
		if seg == "*" && i == len(pSegs)-1 {
			// Trailing wildcard swallows the remainder.
			return len(tSegs) >= len(pSegs)
		}
		if i >= len(tSegs) {
			return false
		}
		if seg != "*" && seg != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
