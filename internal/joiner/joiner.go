// Package joiner implements the Joiner stage (spec.md §4.6): a
// structured-output LLM call over the recent conversation window that
// decides between a final answer and another planning round.
package joiner

import (
	"context"
	"fmt"
	"strings"

	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/llm"
	"github.com/oakmoss/llmcompiler/internal/tasklog"
)

const systemPrompt = `You are the joiner in an LLM Compiler loop. You are given the most recent
plan and the observations (results) of each task that was executed. Decide
whether the information gathered is sufficient to answer the user, or
whether another planning round is needed.

Respond with a thought explaining your reasoning, then exactly one of:
  - a final response to return to the user, or
  - feedback describing what went wrong and what the next plan should do
    differently (this triggers a re-plan; do not set both).`

// decision is the flat structured-output schema sent to the LLM. spec.md
// §4.6 models action as a Go-style sum type (FinalResponse | Replan); the
// OpenAI structured-output contract has no native sum type, so the union is
// flattened into a boolean discriminant plus two mutually exclusive
// optional fields, reflected via llm.GenerateSchema.
type decision struct {
	Thought  string `json:"thought" jsonschema_description:"Chain-of-thought reasoning for the selected action"`
	IsFinal  bool   `json:"is_final" jsonschema_description:"true to return Response as the final answer, false to replan with Feedback"`
	Response string `json:"response" jsonschema_description:"The final answer to the user. Set only when is_final is true; otherwise empty."`
	Feedback string `json:"feedback" jsonschema_description:"Analysis of the previous attempt and what the next plan should fix. Set only when is_final is false; otherwise empty."`
}

// Invoker is the narrow LLM capability the Joiner needs: a
// structured-output chat call. *llm.Client satisfies this; tests supply a
// fake.
type Invoker interface {
	Invoke(ctx context.Context, system, user, schemaName string, schema any, out any) (llm.Usage, error)
}

// Stage drives one structured-output LLM call per join.
type Stage struct {
	Client Invoker
}

// Join calls the LLM over the recent window of messages (spec.md §4.6:
// scan from the end until and including a HumanMessage) and returns the
// messages to append: always an AIMessage("Thought: ..."), followed by
// either a terminal AIMessage (final answer) or a SystemMessage carrying
// re-plan feedback.
func (s *Stage) Join(ctx context.Context, messages []convo.Message, tl *tasklog.TaskLog, round int) ([]convo.Message, error) {
	window := convo.RecentWindow(messages)
	user := renderWindow(window)

	var d decision
	usage, err := s.Client.Invoke(ctx, systemPrompt, user, "join_outputs", llm.GenerateSchema[decision](), &d)
	tl.LLMCall("joiner", systemPrompt, user, fmt.Sprintf("%+v", d), usage.PromptTokens, usage.CompletionTokens)
	if err != nil {
		return nil, fmt.Errorf("joiner: %w", err)
	}

	out := []convo.Message{convo.AIMessage{Text: "Thought: " + d.Thought}}
	if d.IsFinal {
		out = append(out, convo.AIMessage{Text: d.Response})
		return out, nil
	}

	tl.Replan(round, d.Feedback)
	out = append(out, convo.SystemMessage{Text: "Context from last attempt: " + d.Feedback})
	return out, nil
}

// renderWindow flattens the recent-window messages into a single user-turn
// block, mirroring internal/planner's transcript rendering.
func renderWindow(messages []convo.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch v := m.(type) {
		case convo.HumanMessage:
			fmt.Fprintf(&sb, "User: %s\n", v.Text)
		case convo.AIMessage:
			fmt.Fprintf(&sb, "Assistant: %s\n", v.Text)
		case convo.SystemMessage:
			fmt.Fprintf(&sb, "%s\n", v.Text)
		case convo.FunctionMessage:
			fmt.Fprintf(&sb, "Observation %d (%s): %s\n", v.Idx, v.Name, v.Content)
		}
	}
	return sb.String()
}
