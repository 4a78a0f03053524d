// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(zaptest.NewLogger(t), Options{})
	t.Cleanup(b.Close)
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan Message, 1)
	b.Subscribe("test:topic", func(ctx context.Context, msg Message) {
		received <- msg
	})

	b.Publish(context.Background(), "test:topic", "hello")

	select {
	case msg := <-received:
		assert.Equal(t, "test:topic", msg.Topic)
		assert.Equal(t, "hello", msg.Payload)
		assert.NotEmpty(t, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"orchestration:*", "orchestration:starting", true},
		{"orchestration:*", "orchestration:done", true},
		{"orchestration:*", "usage:budget:warning", false},
		{"usage:budget:*", "usage:budget:exceeded", true},
		{"a:*:c", "a:b:c", true},
		{"a:*:c", "a:b:d", false},
		{"a:*", "a:b:c", true},
		{"exact", "exact", true},
		{"exact", "other", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestHandlerErrorIsolation(t *testing.T) {
	b := newTestBus(t)

	got := make(chan string, 2)
	b.Subscribe("t", func(ctx context.Context, msg Message) {
		panic("handler exploded")
	})
	b.Subscribe("t", func(ctx context.Context, msg Message) {
		got <- msg.Payload.(string)
	})

	b.Publish(context.Background(), "t", "survives")

	select {
	case v := <-got:
		assert.Equal(t, "survives", v)
	case <-time.After(time.Second):
		t.Fatal("healthy handler never ran")
	}
}

func TestOrderingWithinTopic(t *testing.T) {
	b := newTestBus(t)

	const n = 100
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	b.Subscribe("seq", func(ctx context.Context, msg Message) {
		mu.Lock()
		order = append(order, msg.Payload.(int))
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		b.Publish(context.Background(), "seq", i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for all messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "publication order must be preserved")
	}
}

func TestSlowHandlerDoesNotStallPeers(t *testing.T) {
	b := New(zaptest.NewLogger(t), Options{HandlerBudget: 50 * time.Millisecond})
	defer b.Close()

	fast := make(chan struct{}, 1)
	b.Subscribe("t", func(ctx context.Context, msg Message) {
		time.Sleep(5 * time.Second) // exceeds budget on purpose
	})
	b.Subscribe("t", func(ctx context.Context, msg Message) {
		fast <- struct{}{}
	})

	b.Publish(context.Background(), "t", nil)

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast handler was stalled by the slow one")
	}
}

func TestRequestReply(t *testing.T) {
	b := newTestBus(t)

	b.OnRequest("ping", func(ctx context.Context, msg Message) (any, error) {
		return "pong:" + msg.Payload.(string), nil
	})

	replies := b.Request(context.Background(), "ping", "a", time.Second, 1)
	require.Len(t, replies, 1)
	assert.Equal(t, "pong:a", replies[0])
}

func TestRequestFewerRepliesThanExpected(t *testing.T) {
	b := newTestBus(t)

	b.OnRequest("q", func(ctx context.Context, msg Message) (any, error) {
		return 42, nil
	})

	// Expect 3 but only one responder exists; returns what arrived.
	replies := b.Request(context.Background(), "q", nil, 200*time.Millisecond, 3)
	assert.Len(t, replies, 1)
}

func TestRequestNoResponders(t *testing.T) {
	b := newTestBus(t)
	replies := b.Request(context.Background(), "nobody:home", nil, 100*time.Millisecond, 2)
	assert.Empty(t, replies)
}

func TestHistory(t *testing.T) {
	b := newTestBus(t)

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), "h:a", i)
	}
	b.Publish(context.Background(), "h:b", "x")

	all := b.History("", 0)
	assert.Len(t, all, 6)

	onlyA := b.History("h:a", 0)
	assert.Len(t, onlyA, 5)

	capped := b.History("h:a", 2)
	require.Len(t, capped, 2)
	assert.Equal(t, 3, capped[0].Payload)
	assert.Equal(t, 4, capped[1].Payload)
}

func TestHistoryRingWraps(t *testing.T) {
	b := New(zaptest.NewLogger(t), Options{HistorySize: 10})
	defer b.Close()

	for i := 0; i < 25; i++ {
		b.Publish(context.Background(), "w", i)
	}

	msgs := b.History("w", 0)
	require.Len(t, msgs, 10)
	assert.Equal(t, 15, msgs[0].Payload, "oldest retained message")
	assert.Equal(t, 24, msgs[9].Payload, "newest retained message")
}

func TestCancelStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var count sync.WaitGroup
	count.Add(1)
	var got int
	sub := b.Subscribe("c", func(ctx context.Context, msg Message) {
		got++
		count.Done()
	})

	b.Publish(context.Background(), "c", 1)
	count.Wait()
	sub.Cancel()
	b.Publish(context.Background(), "c", 2)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got)
}

func TestCriticalTopics(t *testing.T) {
	assert.True(t, IsCriticalTopic("orchestration:starting"))
	assert.True(t, IsCriticalTopic("usage:budget:warning"))
	assert.False(t, IsCriticalTopic("memory:vectorize"))
}

func TestConcurrentPublishers(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	n := 0
	b.Subscribe("load:*", func(ctx context.Context, msg Message) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(context.Background(), fmt.Sprintf("load:%d", p), i)
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n == 400
	}, 5*time.Second, 10*time.Millisecond)
}
