// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bus

import "sync"

// historyRing retains the last N published messages for debugging.
type historyRing struct {
	mu   sync.Mutex
	buf  []Message
	next int
	full bool
}

func newHistoryRing(size int) *historyRing {
	return &historyRing{buf: make([]Message, size)}
}

func (r *historyRing) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = msg
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns retained messages oldest-first, optionally filtered by
// exact topic and capped at limit (limit <= 0 means no cap).
func (r *historyRing) snapshot(topic string, limit int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Message
	if r.full {
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = append(ordered, r.buf[:r.next]...)
	}

	out := make([]Message, 0, len(ordered))
	for _, msg := range ordered {
		if topic != "" && msg.Topic != topic {
			continue
		}
		out = append(out, msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
