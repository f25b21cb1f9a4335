// Package policy evaluates tool invocations against the confirmation policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by the policy.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionBlock           = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.agent_policy.decision"),
		rego.Module("agent_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the confirmation policy for one tool invocation.
// Input is a map with keys: tool_name, risk_level, threshold, args.
// Returns: decision (allow, require_approval, block), reason, error.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines a default, so an empty result means the module
		// was replaced with one that does not. Treat as the safe decision.
		return DecisionRequireApproval, "no policy decision", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, "", nil
	}

	return DecisionRequireApproval, "unexpected policy return type", nil
}

// DefaultPolicy is the default confirmation policy. Risk at or above the
// configured threshold requires human approval; unknown risk levels are gated
// rather than waved through; the operator deny-list blocks outright.
const DefaultPolicy = `
package agent_policy

import rego.v1

risk_rank := {"none": 0, "low": 1, "medium": 2, "high": 3, "critical": 4}

default decision := "allow"

decision := "block" if {
	denied
}

decision := "require_approval" if {
	not denied
	risk_rank[input.risk_level] >= risk_rank[input.threshold]
}

decision := "require_approval" if {
	not denied
	not risk_rank[input.risk_level]
}

denied if {
	input.tool_name == "shell_command"
	some pattern in denied_patterns
	contains(input.args.command, pattern)
}

denied_patterns := ["rm -rf /", "mkfs", "> /dev/sd"]
`
