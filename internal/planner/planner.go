// Package planner implements the Planner stage (spec.md §4.5): it composes
// the plan/replan prompt from the running conversation and tool catalog,
// streams the LLM's response token-by-token into internal/plan.Parser, and
// hands the conductor a live channel of parsed tasks.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/llm"
	"github.com/oakmoss/llmcompiler/internal/plan"
	"github.com/oakmoss/llmcompiler/internal/task"
	"github.com/oakmoss/llmcompiler/internal/tasklog"
)

// replanDirective is appended to the system prompt when the replanner
// branch is taken (spec.md §4.5, transcribed from the intent of
// original_source's prompt_manager._replan string).
const replanDirective = `You are given a "Previous Plan" — the plan the previous round created, along
with the execution result (Observation) of each task and a Thought about
those results. You MUST use this information to create the next plan.
Start the new plan with a "Thought:" line that states the strategy for
this round. Never repeat an action already executed in the Previous Plan.
Continue the task index from the end of the previous plan — do not reuse
indices.`

const planPromptTemplate = `You must come up with a plan to satisfy the user's request using the tools
below. Each step of the plan is a tool call written as:

  <idx>. <tool_name>(<argument>)

Numbering starts at %d, is strictly increasing, and each step may reference
the result of an earlier step with $N or ${N}, where N is that step's index.
Precede each tool call with a "Thought:" line explaining why it is needed.
When no further tool calls are required, end the plan with:

  <idx>. join()

There are %d tools available, numbered below (the last, "join", marks the
plan's end and is not listed — always close with it):

%s
%s`

// Streamer is the narrow LLM capability the Planner needs: a streaming
// chat call. *llm.Client satisfies this; tests supply a fake.
type Streamer interface {
	Stream(ctx context.Context, system, user string, onToken llm.TokenFunc) (string, llm.Usage, error)
}

// Stage composes the planner prompt and drives one streaming LLM call
// through a Parser, per conversation round.
type Stage struct {
	Client  Streamer
	Catalog *task.Catalog
}

// Plan starts a planner round against messages. It returns a channel that
// yields task.Task records as the LLM's response streams in, and an error
// channel that receives at most one value — the parse/LLM error, if any —
// once the round finishes. Both channels are closed when the round ends.
//
// The replanner branch (spec.md §4.5) is taken when the last message in
// messages is a SystemMessage; numbering then continues from
// convo.LastFunctionMessageIdx(messages)+1 rather than starting at 1.
func (s *Stage) Plan(ctx context.Context, messages []convo.Message, tl *tasklog.TaskLog, round int) (<-chan task.Task, <-chan error) {
	tasks := make(chan task.Task, 8)
	errCh := make(chan error, 1)

	startIdx := 1
	replan := convo.IsLastSystemMessage(messages)
	if replan {
		startIdx = convo.LastFunctionMessageIdx(messages) + 1
	}

	system, user := s.buildPrompt(messages, replan, startIdx)
	parser := plan.NewParser(s.Catalog, startIdx)

	tl.PlanBegin(round)

	go func() {
		defer close(tasks)
		defer close(errCh)

		emit := func(parsed []task.Task) error {
			for _, t := range parsed {
				select {
				case tasks <- t:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}

		var parseErr error
		onToken := func(tok string) error {
			parsed, err := parser.Ingest(tok)
			if err != nil {
				parseErr = err
				return err
			}
			return emit(parsed)
		}

		full, usage, err := s.Client.Stream(ctx, system, user, onToken)
		tl.LLMCall("planner", system, user, full, usage.PromptTokens, usage.CompletionTokens)
		if err != nil {
			if parseErr != nil {
				errCh <- parseErr
			} else {
				errCh <- fmt.Errorf("planner: %w", err)
			}
			return
		}

		trailing, err := parser.Close()
		if err != nil {
			errCh <- err
			return
		}
		if err := emit(trailing); err != nil {
			errCh <- err
		}
	}()

	return tasks, errCh
}

// buildPrompt fills the plan/replan prompt template with the catalog's tool
// descriptions and the conversation history rendered as a flat transcript
// (spec.md §4.5: "partial-filled with num_tools ... and tool_descriptions").
func (s *Stage) buildPrompt(messages []convo.Message, replan bool, startIdx int) (system, user string) {
	directive := ""
	if replan {
		directive = replanDirective
	}
	system = fmt.Sprintf(planPromptTemplate, startIdx, s.Catalog.NumTools(), s.Catalog.Describe(), directive)
	return system, renderTranscript(messages)
}

// renderTranscript flattens the conversation into a single user-turn block.
// The planner LLM call is stateless across rounds at the transport level —
// full history is always re-sent, matching the teacher's convention of
// building one user prompt string per LLM call (internal/llm.Client.Stream).
func renderTranscript(messages []convo.Message) string {
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
