// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mutation builds prompt documents from failure context, calls an
// opaque generation engine, and installs the returned source as a new
// allele: recessive or shadow for a locus-scoped mutation, or as a
// pathway's fused allele for a fusion request.
package mutation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Trigger identifies why a mutation was requested.
type Trigger string

const (
	TriggerExhausted  Trigger = "exhausted"
	TriggerRegression Trigger = "regression"
	TriggerFusion     Trigger = "fusion"
	TriggerProactive  Trigger = "proactive"
)

// Document is the prompt handed to an Engine. The core imposes no format on
// how an engine renders it; it only requires that the engine returns source
// text for a self-contained function.
type Document struct {
	Locus        string
	PathwayName  string
	Trigger      Trigger
	ContractText string

	FailingSource string
	FailingInput  string
	ErrorSummary  string
	Diagnostics   []string

	// Fusion-only: the constituent sources and their loci, in step order.
	CompositionSources []string
	CompositionLoci    []string
}

// Engine is the opaque producer the orchestrator delegates to.
type Engine interface {
	Generate(ctx context.Context, doc Document) (string, error)
}

// FixtureEngine reads pre-authored replacement source from a fixtures
// directory: <locus>_fix.star for locus mutations, <pathway>_fused.star for
// fusion requests. Used in tests and local development.
type FixtureEngine struct {
	Dir string
}

// Generate loads the fixture file matching doc's locus or pathway name.
func (e *FixtureEngine) Generate(_ context.Context, doc Document) (string, error) {
	name := doc.Locus + "_fix.star"
	if doc.Trigger == TriggerFusion {
		name = doc.PathwayName + "_fused.star"
	}
	b, err := os.ReadFile(filepath.Join(e.Dir, name))
	if err != nil {
		return "", fmt.Errorf("mutation: no fixture %s: %w", name, err)
	}
	return string(b), nil
}

// OpenAIEngine generates replacement source with a chat-completion model.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// NewOpenAIEngine builds an engine against apiKey. model defaults to GPT-4o
// when empty.
func NewOpenAIEngine(apiKey, model string) *OpenAIEngine {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIEngine{client: openai.NewClient(apiKey), model: model}
}

// Generate renders doc as a prompt, calls the model, and extracts the first
// fenced code block from the response.
func (e *OpenAIEngine) Generate(ctx context.Context, doc Document) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: renderPrompt(doc)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("mutation: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("mutation: chat completion returned no choices")
	}
	return extractSource(resp.Choices[0].Message.Content), nil
}

func renderPrompt(doc Document) string {
	var b strings.Builder
	b.WriteString("You are a gene mutation engine for an evolutionary function runtime.\n\n")
	b.WriteString("A gene is a Starlark function that takes a JSON string and returns a JSON string.\n")
	b.WriteString("The gene has access to `gene_sdk` in its namespace (the injected capability object).\n\n")

	if doc.Trigger == TriggerFusion {
		fmt.Fprintf(&b, "## Pathway: %s\n\n", doc.PathwayName)
		for i, src := range doc.CompositionSources {
			locus := ""
			if i < len(doc.CompositionLoci) {
				locus = doc.CompositionLoci[i]
			}
			fmt.Fprintf(&b, "### Step %d: %s\n```starlark\n%s\n```\n\n", i+1, locus, src)
		}
		b.WriteString("## Task\n")
		b.WriteString("Write a single fused gene that performs all steps in sequence, optimizing\n")
		b.WriteString("away intermediate JSON serialization where possible. The gene must:\n")
		b.WriteString("1. Define an `execute(input_json)` function returning a string\n")
		b.WriteString("2. Accept the full pathway input (all fields from all steps)\n")
		b.WriteString("3. Use `gene_sdk` for all capability operations\n")
		b.WriteString("4. Return valid JSON with \"success\": True on success\n\n")
		b.WriteString("Return ONLY the Starlark source in a ```starlark``` block.")
		return b.String()
	}

	fmt.Fprintf(&b, "## Contract\nLocus: %s\n", doc.Locus)
	if doc.ContractText != "" {
		fmt.Fprintf(&b, "%s\n", doc.ContractText)
	}
	if doc.FailingSource != "" {
		fmt.Fprintf(&b, "\n## Current gene source (failing):\n```starlark\n%s\n```\n", doc.FailingSource)
	}
	b.WriteString("\n## Failure context:\n")
	fmt.Fprintf(&b, "Trigger: %s\n", doc.Trigger)
	if doc.FailingInput != "" {
		fmt.Fprintf(&b, "Input: %s\n", doc.FailingInput)
	}
	if doc.ErrorSummary != "" {
		fmt.Fprintf(&b, "Error: %s\n", doc.ErrorSummary)
	}
	for _, d := range doc.Diagnostics {
		fmt.Fprintf(&b, "Diagnostic: %s\n", d)
	}
	b.WriteString("\n## Task\n")
	b.WriteString("Write a fixed version of this gene. The gene must:\n")
	b.WriteString("1. Define an `execute(input_json)` function returning a string\n")
	b.WriteString("2. Use `gene_sdk` for capability operations\n")
	b.WriteString("3. Return valid JSON with at least a \"success\" boolean field\n")
	b.WriteString("4. Handle the error case described above\n\n")
	b.WriteString("Return ONLY the Starlark source in a ```starlark``` block.")
	return b.String()
}

var (
	fencedStarlark = regexp.MustCompile("(?s)```(?:starlark|python)\\s*\\n(.*?)```")
	fencedAny      = regexp.MustCompile("(?s)```\\s*\\n(.*?)```")
)

// extractSource pulls the first fenced code block out of a model response,
// falling back to the whole response when no fence is present.
func extractSource(text string) string {
	if m := fencedStarlark.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := fencedAny.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
