// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

const (
	DefaultReviewRounds = 1

	// acceptedMarker is the literal the creator emits to end the review
	// loop before the round limit.
	acceptedMarker = "ACCEPTED"
)

// ReviewOptions tune the review pattern.
type ReviewOptions struct {
	Rounds    int    // default 1
	CreatorID string // default: first agent in the list
}

// ReviewRound is one round's record.
type ReviewRound struct {
	Number   int                 `json:"number"`
	Artefact string              `json:"artefact"`
	Reviews  []weft.AgentOutcome `json:"reviews,omitempty"`
	Revision string              `json:"revision,omitempty"`
}

// ReviewData is the review pattern's Result.Data.
type ReviewData struct {
	Final    string        `json:"final"`
	Rounds   []ReviewRound `json:"rounds"`
	Accepted bool          `json:"accepted"`
}

// Review runs a creator/reviewers loop. The creator is indispensable:
// its failure fails the pattern.
type Review struct {
	runner *Runner
	logger *zap.Logger
}

// NewReview builds the executor.
func NewReview(runner *Runner, logger *zap.Logger) *Review {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Review{runner: runner, logger: logger}
}

// Execute has the creator produce an artefact, the reviewers critique
// it in parallel, and the creator revise. The loop ends when the
// creator marks the artefact accepted or the round limit is reached.
func (r *Review) Execute(ctx context.Context, agentIDs []string, task weft.Task, opts ReviewOptions) (*weft.PatternResult, error) {
	if err := validateAgents(agentIDs, 2); err != nil {
		return nil, err
	}
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = DefaultReviewRounds
	}
	creatorID := opts.CreatorID
	if creatorID == "" {
		creatorID = agentIDs[0]
	}
	reviewers := make([]string, 0, len(agentIDs)-1)
	for _, id := range agentIDs {
		if id != creatorID {
			reviewers = append(reviewers, id)
		}
	}
	started := time.Now()
	result := &weft.PatternResult{}
	data := ReviewData{}

	createTask := task
	createTask.Text = fmt.Sprintf("%s\n\nProduce the requested artefact.", task.Text)
	created := r.runner.Invoke(ctx, creatorID, createTask)
	collect(result, []weft.AgentOutcome{created})
	if created.Err != nil {
		result.Success = false
		result.Data = data
		result.DurationMs = time.Since(started).Milliseconds()
		return result, nil
	}
	artefact := created.Output

	for round := 1; round <= rounds; round++ {
		reviewTask := task
		reviewTask.Text = fmt.Sprintf(
			"%s\n\nReview the artefact below. List concrete problems and required changes.\n\nArtefact:\n%s",
			task.Text, artefact)
		reviews := r.runner.InvokeAll(ctx, reviewers, reviewTask)
		collect(result, reviews)

		var sb strings.Builder
		for _, rev := range succeeded(reviews) {
			fmt.Fprintf(&sb, "Review from %s:\n%s\n\n", rev.AgentID, rev.Output)
		}

		reviseTask := task
		reviseTask.Text = fmt.Sprintf(
			"%s\n\nRevise the artefact to address the reviews. If no substantive change is needed, reply with the final artefact followed by the single word %s on its own line.\n\nArtefact:\n%s\n\n%s",
			task.Text, acceptedMarker, artefact, sb.String())
		revised := r.runner.Invoke(ctx, creatorID, reviseTask)
		collect(result, []weft.AgentOutcome{revised})
		if revised.Err != nil {
			data.Final = artefact
			result.Success = false
			result.Data = data
			result.DurationMs = time.Since(started).Milliseconds()
			return result, nil
		}

		revision, accepted := stripAccepted(revised.Output)
		data.Rounds = append(data.Rounds, ReviewRound{
			Number:   round,
			Artefact: artefact,
			Reviews:  reviews,
			Revision: revision,
		})
		artefact = revision
		if accepted {
			data.Accepted = true
			r.logger.Debug("review accepted early", zap.Int("round", round))
			break
		}
	}

	data.Final = artefact
	result.Success = true
	result.Data = data
	result.DurationMs = time.Since(started).Milliseconds()
	return result, nil
}

// stripAccepted reports whether the reply carries the acceptance marker
// and returns the reply with the marker line removed.
func stripAccepted(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	accepted := false
	for _, line := range lines {
		if strings.TrimSpace(line) == acceptedMarker {
			accepted = true
			continue
		}
		kept = append(kept, line)
	}
	if !accepted {
		return s, false
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), true
}
