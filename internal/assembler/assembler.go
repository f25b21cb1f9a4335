// Package assembler builds the model context for each reasoning step. The
// sections are always assembled in the same order: instructions, capability
// metadata, compressed history, recent turns, plan recitation, failure digest.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/agentloop/internal/llm"
	"github.com/xiaot623/agentloop/internal/tools"
)

// Summarizer compresses a transcript into a shorter text.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// SummaryCache holds the compressed prefix of the history. UpTo is the number
// of history messages the summary covers, so later compressions only feed the
// summarizer what it has not seen.
type SummaryCache struct {
	Text string
	UpTo int
}

// Input is everything the assembler folds into one model context.
type Input struct {
	Instructions  string
	Tools         []tools.Definition
	History       []llm.ChatMessage
	Plan          string
	FailureDigest string
	Advisory      string
	Summary       *SummaryCache
}

// maxInlineToolResult is the largest tool payload kept verbatim outside the
// recent window. Older results shrink to a prefix plus a reference; the full
// payload stays addressable on the tool call record.
const maxInlineToolResult = 600

// Assembler assembles and, when needed, compresses the model context.
type Assembler struct {
	summarizer  Summarizer
	tokenBudget int
	threshold   float64
	recentTurns int
}

// New creates an assembler. threshold is the fraction of the token budget at
// which compression starts.
func New(summarizer Summarizer, tokenBudget int, threshold float64, recentTurns int) *Assembler {
	return &Assembler{
		summarizer:  summarizer,
		tokenBudget: tokenBudget,
		threshold:   threshold,
		recentTurns: recentTurns,
	}
}

// Build assembles the messages for the next model call. When the estimated
// size crosses the threshold, all but the recent turns are compressed into a
// summary. The returned cache carries the summary state for the next call.
func (a *Assembler) Build(ctx context.Context, in Input) ([]llm.ChatMessage, *SummaryCache, error) {
	cache := in.Summary
	messages := a.assemble(in, cache)

	if EstimateMessages(messages) > int(float64(a.tokenBudget)*a.threshold) {
		var err error
		cache, err = a.compress(ctx, in, cache)
		if err != nil {
			return nil, nil, err
		}
		messages = a.assemble(in, cache)

		// The summary must never push the context past the full budget.
		if over := EstimateMessages(messages) - a.tokenBudget; over > 0 && cache != nil {
			keep := len(cache.Text) - over*4
			if keep < 0 {
				keep = 0
			}
			cache.Text = cache.Text[:keep]
			messages = a.assemble(in, cache)
		}
	}

	return messages, cache, nil
}

func (a *Assembler) assemble(in Input, cache *SummaryCache) []llm.ChatMessage {
	var messages []llm.ChatMessage

	system := in.Instructions
	if len(in.Tools) > 0 {
		system += "\n\n## Capabilities\n" + capabilityLines(in.Tools)
	}
	messages = append(messages, llm.ChatMessage{Role: "system", Content: system})

	start := 0
	if cache != nil {
		if cache.Text != "" {
			messages = append(messages, llm.ChatMessage{
				Role:    "system",
				Content: "## Earlier conversation (compressed)\n" + cache.Text,
			})
		}
		start = cache.UpTo
	}
	if start > len(in.History) {
		start = len(in.History)
	}
	// A tool result must not open the window without its request.
	for start > 0 && start < len(in.History) && in.History[start].Role == "tool" {
		start--
	}
	recent := len(in.History) - a.recentTurns
	for i := start; i < len(in.History); i++ {
		msg := in.History[i]
		if i < recent && msg.Role == "tool" && len(msg.Content) > maxInlineToolResult {
			msg.Content = stubToolResult(msg)
		}
		messages = append(messages, msg)
	}

	var trailer strings.Builder
	if in.Plan != "" {
		trailer.WriteString("## Current plan\n" + in.Plan + "\nKeep following this plan. Mark steps done as you complete them.")
	}
	if in.FailureDigest != "" {
		if trailer.Len() > 0 {
			trailer.WriteString("\n\n")
		}
		trailer.WriteString("## Recent failures\n" + in.FailureDigest)
	}
	if in.Advisory != "" {
		if trailer.Len() > 0 {
			trailer.WriteString("\n\n")
		}
		trailer.WriteString(in.Advisory)
	}
	if trailer.Len() > 0 {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: trailer.String()})
	}

	return messages
}

// compress summarizes everything before the recent window, folding in the
// previous summary so nothing is summarized twice.
func (a *Assembler) compress(ctx context.Context, in Input, cache *SummaryCache) (*SummaryCache, error) {
	cut := len(in.History) - a.recentTurns
	if cut < 0 {
		cut = 0
	}
	// Do not cut between a tool request and its result.
	for cut < len(in.History) && in.History[cut].Role == "tool" {
		cut++
	}

	start := 0
	previous := ""
	if cache != nil {
		start = cache.UpTo
		previous = cache.Text
	}
	if start >= cut {
		// Nothing new to fold in; keep the cache as is.
		return cache, nil
	}

	var transcript strings.Builder
	if previous != "" {
		transcript.WriteString("Earlier summary:\n" + previous + "\n\nContinued conversation:\n")
	}
	transcript.WriteString(renderTranscript(in.History[start:cut]))

	text, err := a.summarizer.Summarize(ctx, transcript.String())
	if err != nil {
		// Degrade to truncation rather than failing the run.
		text = truncateText(transcript.String(), a.tokenBudget)
	}

	return &SummaryCache{Text: text, UpTo: cut}, nil
}

// stubToolResult replaces an aged tool payload with its head and a pointer
// back to the stored record.
func stubToolResult(msg llm.ChatMessage) string {
	ref := msg.ToolCallID
	if ref == "" {
		ref = "unknown"
	}
	return msg.Content[:maxInlineToolResult] + fmt.Sprintf("... (truncated; full result stored on tool call %s)", ref)
}

func capabilityLines(defs []tools.Definition) string {
	var sb strings.Builder
	for _, def := range defs {
		marker := ""
		if def.ReadOnly {
			marker = ", read-only"
		}
		sb.WriteString(fmt.Sprintf("- %s (risk: %s%s): %s\n", def.Name, def.RiskLevel, marker, def.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderTranscript(messages []llm.ChatMessage) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch {
		case len(msg.ToolCalls) > 0:
			for _, tc := range msg.ToolCalls {
				sb.WriteString(fmt.Sprintf("assistant requested tool %s with %s\n", tc.Function.Name, tc.Function.Arguments))
			}
		case msg.Role == "tool":
			sb.WriteString(fmt.Sprintf("tool result: %s\n", msg.Content))
		default:
			sb.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, msg.Content))
		}
	}
	return sb.String()
}

func truncateText(text string, tokenBudget int) string {
	// Keep roughly a quarter of the budget when falling back to truncation.
	maxChars := tokenBudget
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "\n(truncated)"
}

// EstimateTokens estimates the token count of a text as one token per four
// characters.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateMessages estimates the total token count of a message list,
// including tool call arguments.
func EstimateMessages(messages []llm.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += EstimateTokens(tc.Function.Name) + EstimateTokens(tc.Function.Arguments)
		}
	}
	return total
}

// LLMTools converts registry definitions into the tool list offered to the
// model.
func LLMTools(defs []tools.Definition) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

// LLMSummarizer compresses transcripts with a model call.
type LLMSummarizer struct {
	client llm.LLMClient
	model  string
}

// NewLLMSummarizer creates a summarizer backed by an LLM client.
func NewLLMSummarizer(client llm.LLMClient, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model}
}

// Summarize asks the model for a compressed account of the transcript that
// keeps goals, decisions, tool results, and open questions.
func (s *LLMSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	maxTokens := 512
	resp, err := s.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: s.model,
		Messages: []llm.ChatMessage{
			{
				Role: "system",
				Content: "Summarize the conversation below for an agent that must continue the task. " +
					"Keep the goal, decisions made, tool results, and open questions. Be specific and terse.",
			},
			{Role: "user", Content: transcript},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to summarize transcript: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", fmt.Errorf("summarizer returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
