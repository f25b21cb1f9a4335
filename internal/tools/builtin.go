package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/agentloop/domain"
)

func marshalResult(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return json.RawMessage(data), nil
}

func init() {
	MustRegister(Definition{
		Name:        "web_search",
		Description: "Search the web and return a list of results for a query.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "description": "The search query."},
			},
			"required": []string{"query"},
		},
		RiskLevel: domain.RiskLevelNone,
		ReadOnly:  true,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if params.Query == "" {
				return nil, fmt.Errorf("query is required")
			}
			return marshalResult(map[string]interface{}{
				"query": params.Query,
				"results": []map[string]string{
					{"title": "Result 1 for " + params.Query, "url": "https://example.com/1", "snippet": "First match."},
					{"title": "Result 2 for " + params.Query, "url": "https://example.com/2", "snippet": "Second match."},
				},
			})
		},
	})

	MustRegister(Definition{
		Name:        "web_fetch",
		Description: "Fetch the content of a web page by URL.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "The URL to fetch."},
			},
			"required": []string{"url"},
		},
		RiskLevel: domain.RiskLevelLow,
		ReadOnly:  true,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if params.URL == "" {
				return nil, fmt.Errorf("url is required")
			}
			return marshalResult(map[string]interface{}{
				"url":     params.URL,
				"status":  200,
				"content": "Example page content for " + params.URL,
			})
		},
	})

	MustRegister(Definition{
		Name:        "file_read",
		Description: "Read the content of a file in the workspace.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Path of the file to read."},
			},
			"required": []string{"path"},
		},
		RiskLevel: domain.RiskLevelLow,
		ReadOnly:  true,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if params.Path == "" {
				return nil, fmt.Errorf("path is required")
			}
			return marshalResult(map[string]interface{}{
				"path":    params.Path,
				"content": "Example content of " + params.Path,
			})
		},
	})

	MustRegister(Definition{
		Name:        "file_write",
		Description: "Write content to a file in the workspace, replacing it if it exists.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "Path of the file to write."},
				"content": map[string]interface{}{"type": "string", "description": "Content to write."},
			},
			"required": []string{"path", "content"},
		},
		RiskLevel: domain.RiskLevelMedium,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if params.Path == "" {
				return nil, fmt.Errorf("path is required")
			}
			return marshalResult(map[string]interface{}{
				"status": "written",
				"path":   params.Path,
				"bytes":  len(params.Content),
			})
		},
	})

	MustRegister(Definition{
		Name:        "shell_command",
		Description: "Run a shell command in the workspace and return its output.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "description": "The command to run."},
			},
			"required": []string{"command"},
		},
		RiskLevel: domain.RiskLevelHigh,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if params.Command == "" {
				return nil, fmt.Errorf("command is required")
			}
			return marshalResult(map[string]interface{}{
				"status":    "completed",
				"exit_code": 0,
				"stdout":    "Simulated output of: " + params.Command,
			})
		},
	})

	// update_plan and save_finding are handled inside the run loop, which
	// turns them into working memory writes. The executors here only serve
	// direct invocations outside a run.
	MustRegister(Definition{
		Name:        "update_plan",
		Description: "Replace the working plan with a revised numbered checklist.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"plan": map[string]interface{}{"type": "string", "description": "The full revised plan."},
			},
			"required": []string{"plan"},
		},
		RiskLevel: domain.RiskLevelNone,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Plan string `json:"plan"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if params.Plan == "" {
				return nil, fmt.Errorf("plan is required")
			}
			return json.RawMessage(`{"status":"recorded"}`), nil
		},
	})

	MustRegister(Definition{
		Name:        "save_finding",
		Description: "Record a fact learned during the task so it survives context compression.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"finding": map[string]interface{}{"type": "string", "description": "The fact to record."},
			},
			"required": []string{"finding"},
		},
		RiskLevel: domain.RiskLevelNone,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Finding string `json:"finding"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if params.Finding == "" {
				return nil, fmt.Errorf("finding is required")
			}
			return json.RawMessage(`{"status":"recorded"}`), nil
		},
	})
}
