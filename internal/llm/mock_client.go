package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockClient is a mock implementation of LLMClient for tests and for running
// the service without a real model. Responses can be scripted in advance;
// without a script it answers from the shape of the request.
type MockClient struct {
	mu       sync.Mutex
	scripted []*ChatCompletionResponse
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Script queues canned responses returned in order before any generated ones.
func (m *MockClient) Script(responses ...*ChatCompletionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, responses...)
}

// MockTextResponse builds a completion that answers with plain text.
func MockTextResponse(content string) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "mock",
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: len(content) / 4, TotalTokens: 10 + len(content)/4},
	}
}

// MockToolCallResponse builds a completion that requests a single tool call.
func MockToolCallResponse(toolName, arguments string) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "mock",
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role: "assistant",
					ToolCalls: []ToolCall{
						{
							ID:   fmt.Sprintf("call_%d", time.Now().UnixNano()),
							Type: "function",
							Function: ToolCallFunction{
								Name:      toolName,
								Arguments: arguments,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 15, TotalTokens: 25},
	}
}

// CreateChatCompletion returns the next scripted response, or one generated
// from the request.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return m.nextResponse(req), nil
}

// CreateChatCompletionStream simulates a streaming response by replaying the
// next response as chunks, including fragmented tool call arguments.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	resp := m.nextResponse(req)
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return resp.Usage, nil
	}
	message := resp.Choices[0].Message

	emit := func(chunk *StreamChunk) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return callback(chunk)
	}
	baseChunk := func(delta *ChatMessage, finishReason string) *StreamChunk {
		return &StreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []Choice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		}
	}

	// Content deltas stream before any tool call deltas, the way real servers
	// order a completion that carries both.
	roleSent := false
	contentChunks := splitIntoChunks(message.Content, 10)
	for i, part := range contentChunks {
		finishReason := ""
		if len(message.ToolCalls) == 0 && i == len(contentChunks)-1 {
			finishReason = "stop"
		}
		delta := &ChatMessage{Content: part}
		if !roleSent {
			delta.Role = "assistant"
			roleSent = true
		}
		if err := emit(baseChunk(delta, finishReason)); err != nil {
			return nil, err
		}
	}

	if len(message.ToolCalls) > 0 {
		// Split each tool call's arguments across two deltas the way real
		// servers fragment them.
		for _, tc := range message.ToolCalls {
			args := tc.Function.Arguments
			half := len(args) / 2
			first := ToolCall{
				Index:    tc.Index,
				ID:       tc.ID,
				Type:     tc.Type,
				Function: ToolCallFunction{Name: tc.Function.Name, Arguments: args[:half]},
			}
			rest := ToolCall{
				Index:    tc.Index,
				Function: ToolCallFunction{Arguments: args[half:]},
			}
			firstDelta := &ChatMessage{ToolCalls: []ToolCall{first}}
			if !roleSent {
				firstDelta.Role = "assistant"
				roleSent = true
			}
			if err := emit(baseChunk(firstDelta, "")); err != nil {
				return nil, err
			}
			if err := emit(baseChunk(&ChatMessage{ToolCalls: []ToolCall{rest}}, "")); err != nil {
				return nil, err
			}
		}
		if err := emit(baseChunk(nil, "tool_calls")); err != nil {
			return nil, err
		}
	}

	if resp.Usage != nil {
		usageChunk := &StreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Usage:   resp.Usage,
		}
		if err := emit(usageChunk); err != nil {
			return resp.Usage, err
		}
	}

	return resp.Usage, nil
}

func (m *MockClient) nextResponse(req *ChatCompletionRequest) *ChatCompletionResponse {
	m.mu.Lock()
	if len(m.scripted) > 0 {
		resp := m.scripted[0]
		m.scripted = m.scripted[1:]
		m.mu.Unlock()
		return resp
	}
	m.mu.Unlock()
	return m.generateResponse(req)
}

// generateResponse builds a plausible response from the request shape so the
// service is usable end to end without a real model.
func (m *MockClient) generateResponse(req *ChatCompletionRequest) *ChatCompletionResponse {
	prompt := promptText(req)

	switch {
	case strings.Contains(prompt, "Summarize the conversation"):
		return m.withEstimatedUsage(req, MockTextResponse("[MOCK] Summary: the user stated a goal and the agent gathered partial results toward it."))

	case strings.Contains(prompt, "numbered checklist"):
		plan := "1. [ ] Understand the request\n2. [ ] Gather supporting information\n3. [ ] Produce the final answer"
		return m.withEstimatedUsage(req, MockTextResponse(plan))

	case strings.Contains(prompt, "What went wrong"):
		revised := "Revised plan:\n1. [ ] Retry with a different approach\n2. [ ] Produce the final answer"
		return m.withEstimatedUsage(req, MockTextResponse(revised))

	case len(req.Tools) > 0 && !hasToolResult(req.Messages):
		tool := req.Tools[0].Function.Name
		for _, t := range req.Tools {
			if t.Function.Name == "web_search" {
				tool = t.Function.Name
				break
			}
		}
		args, _ := json.Marshal(map[string]string{"query": truncate(lastUserMessage(req.Messages), 100)})
		return m.withEstimatedUsage(req, MockToolCallResponse(tool, string(args)))

	default:
		content := fmt.Sprintf("[MOCK] Here is the answer to %q based on what was gathered.", truncate(lastUserMessage(req.Messages), 100))
		return m.withEstimatedUsage(req, MockTextResponse(content))
	}
}

func (m *MockClient) withEstimatedUsage(req *ChatCompletionRequest, resp *ChatCompletionResponse) *ChatCompletionResponse {
	prompt := estimateTokens(req)
	completion := 0
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		completion = len(resp.Choices[0].Message.Content) / 4
	}
	resp.Usage = &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	return resp
}

func promptText(req *ChatCompletionRequest) string {
	var sb strings.Builder
	for _, msg := range req.Messages {
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func hasToolResult(messages []ChatMessage) bool {
	for _, msg := range messages {
		if msg.Role == "tool" {
			return true
		}
	}
	return false
}

// estimateTokens provides a rough token count estimate.
func estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}

	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
