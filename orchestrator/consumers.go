// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/bus"
)

// attachConsumers subscribes the optional post-run work to the bus.
// Failures here are logged and swallowed, never surfaced to callers.
func (o *Orchestrator) attachConsumers() {
	if o.deps.Index != nil {
		o.subs = append(o.subs, o.deps.Bus.Subscribe(TopicComplete, o.consumeVectorize))
	}
	if o.deps.Categorizer != nil && o.deps.Store != nil {
		o.subs = append(o.subs, o.deps.Bus.Subscribe(TopicComplete, o.consumeCategorize))
	}
}

func (o *Orchestrator) consumeVectorize(ctx context.Context, msg bus.Message) {
	s, ok := msg.Payload.(Summary)
	if !ok {
		return
	}
	text := s.TaskText
	if s.Output != "" {
		text = fmt.Sprintf("%s\n%s", s.TaskText, s.Output)
	}
	err := o.deps.Index.Add(ctx, s.OrchestrationID, text, map[string]string{
		"pattern":    string(s.Pattern),
		"success":    strconv.FormatBool(s.Success),
		"started_at": strconv.FormatInt(s.StartedAt.UnixMilli(), 10),
	})
	if err != nil {
		o.logger.Warn("vectorization skipped",
			zap.String("orchestration_id", s.OrchestrationID),
			zap.Error(err))
	}
}

func (o *Orchestrator) consumeCategorize(ctx context.Context, msg bus.Message) {
	s, ok := msg.Payload.(Summary)
	if !ok {
		return
	}
	orch := &weft.Orchestration{
		ID:         s.OrchestrationID,
		Pattern:    s.Pattern,
		AgentIDs:   s.AgentIDs,
		TaskText:   s.TaskText,
		Result:     s.Output,
		Success:    s.Success,
		StartedAt:  s.StartedAt,
		DurationMs: s.DurationMs,
		Tokens:     s.Tokens,
		Model:      s.Model,
	}
	ext, err := o.deps.Categorizer.Categorize(ctx, orch)
	if err != nil {
		o.logger.Warn("categorization skipped",
			zap.String("orchestration_id", s.OrchestrationID),
			zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.deps.Store.AddObservations(writeCtx, s.OrchestrationID, []weft.Observation{ext.Observation}); err != nil {
		o.logger.Warn("observation not recorded",
			zap.String("orchestration_id", s.OrchestrationID),
			zap.Error(err))
	}
}
