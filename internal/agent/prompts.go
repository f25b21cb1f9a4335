package agent

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are an autonomous agent that completes tasks by reasoning step by step and calling tools.

Work in small steps and request one tool call at a time. Record important facts with save_finding as you learn them, and rewrite the plan with update_plan when it no longer fits. When you have enough to answer, reply with the final answer as plain text instead of calling a tool.`

const windDownPrompt = `The token budget for this run is nearly exhausted. Do not call any more tools. Give your best final answer now from what you have already gathered, and say plainly what is still unknown.`

const gatherAdvisory = `You have taken several information-gathering steps without recording anything. Write down what you learned with save_finding before gathering more.`

const planningSystemPrompt = `You break a goal into a short, actionable plan.`

// planningPrompt asks for a checklist plan, or "none" when the goal does not
// need one. When the session already has a plan it is offered for reuse.
func planningPrompt(goal, existingPlan string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	if existingPlan != "" {
		fmt.Fprintf(&b, "The session already has this plan:\n%s\n\nIf it still fits the goal, reply with exactly: none\n\n", existingPlan)
	}
	b.WriteString("Write a short numbered checklist (3 to 7 steps) for completing the goal, ")
	b.WriteString("each step on its own line marked with [ ]. Reply with only the checklist.\n")
	b.WriteString("If the goal is trivial (a greeting or a single factual question you can answer directly), reply with exactly: none")
	return b.String()
}

const reflectionSystemPrompt = `You review an agent run that keeps failing and decide how it should recover.`

// reflectionPrompt asks the model to diagnose the failure streak and produce
// a revised approach, or to declare the run unrecoverable.
func reflectionPrompt(goal, plan, digest string) string {
	var b strings.Builder
	b.WriteString("The run has hit repeated failures and needs a new approach.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	if plan != "" {
		fmt.Fprintf(&b, "Current plan:\n%s\n\n", plan)
	}
	fmt.Fprintf(&b, "Recent failures:\n%s\n\n", digest)
	b.WriteString("Answer briefly:\n")
	b.WriteString("1. What was the goal?\n")
	b.WriteString("2. What has been tried so far?\n")
	b.WriteString("3. What went wrong, and is there a pattern?\n")
	b.WriteString("4. What should change in the approach?\n")
	b.WriteString("5. Does the human need to provide something that is missing?\n\n")
	b.WriteString("Then write the revised approach starting with the line \"Revised plan:\" ")
	b.WriteString("followed by a numbered checklist.\n")
	b.WriteString("If there is no viable way forward, reply with exactly: CANNOT PROCEED")
	return b.String()
}

// extractPlan pulls the checklist out of a reflection response. When the
// response has no marker the whole text becomes the plan.
func extractPlan(text string) string {
	lower := strings.ToLower(text)
	if i := strings.Index(lower, "revised plan:"); i >= 0 {
		if plan := strings.TrimSpace(text[i+len("revised plan:"):]); plan != "" {
			return plan
		}
	}
	return strings.TrimSpace(text)
}

// normalizeGoal collapses runs of whitespace so the goal reads as one line.
func normalizeGoal(input string) string {
	return strings.Join(strings.Fields(input), " ")
}
