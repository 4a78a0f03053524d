// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package anthropic adapts the Anthropic Messages API to the engine's
// AgentDriver and CompletionDriver contracts.
package anthropic

import (
	"context"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

const (
	// DefaultModel is used when neither the agent definition nor the
	// request names one.
	DefaultModel = "claude-sonnet-4-5"
	// DefaultMaxTokens caps a completion when the agent does not.
	DefaultMaxTokens = 4096
)

// Config holds client construction options.
type Config struct {
	// APIKey falls back to the ANTHROPIC_API_KEY environment variable.
	APIKey string
	// Model is the fallback model id.
	Model string
}

// Driver invokes agents and completions through the Anthropic API. It
// implements weft.AgentDriver and weft.CompletionDriver.
type Driver struct {
	client sdk.Client
	model  string
	logger *zap.Logger
}

// New builds a driver. The API key is required.
func New(cfg Config, logger *zap.Logger) (*Driver, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, weft.Errorf(weft.KindInvalidInput, "anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		client: sdk.NewClient(option.WithAPIKey(key)),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Invoke runs one agent turn: the agent's instructions become the system
// prompt, the task text plus any memory context the user message.
func (d *Driver) Invoke(ctx context.Context, agent *weft.AgentDefinition, task weft.Task) (*weft.InvocationResult, error) {
	model := agent.Model
	if model == "" {
		model = d.model
	}
	maxTokens := agent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userContent(task))),
		},
	}
	if agent.Instructions != "" {
		params.System = []sdk.TextBlockParam{{Text: agent.Instructions}}
	}
	if agent.Temperature > 0 {
		params.Temperature = sdk.Float(agent.Temperature)
	}

	msg, err := d.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, weft.WrapKind(weft.KindCancelled, ctx.Err())
		}
		return nil, weft.WrapKind(weft.KindAgentFailure, err)
	}

	return &weft.InvocationResult{
		Output: textOf(msg),
		Model:  string(msg.Model),
		Tokens: weft.TokenUsage{
			Input:       msg.Usage.InputTokens,
			Output:      msg.Usage.OutputTokens,
			CacheCreate: msg.Usage.CacheCreationInputTokens,
			CacheRead:   msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

// Complete serves the categorizer: one system/user prompt pair, raw text
// back.
func (d *Driver) Complete(ctx context.Context, systemPrompt, userPrompt string, opts weft.CompletionOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = d.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}

	msg, err := d.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", weft.WrapKind(weft.KindCancelled, ctx.Err())
		}
		return "", weft.WrapKind(weft.KindCategorizerFailed, err)
	}
	return textOf(msg), nil
}

func userContent(task weft.Task) string {
	if task.MemoryContext == "" {
		return task.Text
	}
	var sb strings.Builder
	sb.WriteString("Context from previous related work:\n")
	sb.WriteString(task.MemoryContext)
	sb.WriteString("\n\n")
	sb.WriteString(task.Text)
	return sb.String()
}

func textOf(msg *sdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

var (
	_ weft.AgentDriver      = (*Driver)(nil)
	_ weft.CompletionDriver = (*Driver)(nil)
)
