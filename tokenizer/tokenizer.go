// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package tokenizer provides the token counters the retriever budgets
// with. The tiktoken counter uses cl100k_base, a close approximation for
// Claude-family models; the heuristic counter is a deterministic fallback
// that needs no encoding data.
package tokenizer

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/weft"
)

// heuristicCharsPerToken approximates English prose at roughly 4 chars
// per token.
const heuristicCharsPerToken = 4

// Tiktoken counts tokens with the cl100k_base encoding. The encoder is
// loaded lazily on first use; if loading fails the counter degrades to
// the heuristic estimate. Safe for concurrent use.
type Tiktoken struct {
	once    sync.Once
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

// NewTiktoken returns a lazily initialized tiktoken counter.
func NewTiktoken() *Tiktoken { return &Tiktoken{} }

// Count implements weft.TokenCounter. The model argument is accepted for
// interface compatibility; cl100k_base is used for all models.
func (t *Tiktoken) Count(text string, model string) int {
	if text == "" {
		return 0
	}
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			t.encoder = enc
		}
	})
	if t.encoder == nil {
		return Heuristic().Count(text, model)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// Heuristic returns a deterministic character-ratio counter. It always
// reports at least one token for non-empty text.
func Heuristic() weft.TokenCounter {
	return weft.TokenCounterFunc(func(text string, _ string) int {
		if text == "" {
			return 0
		}
		n := utf8.RuneCountInString(text) / heuristicCharsPerToken
		if n < 1 {
			n = 1
		}
		return n
	})
}

var _ weft.TokenCounter = (*Tiktoken)(nil)
