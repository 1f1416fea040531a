// Package conductor binds the Planner, Scheduler, and Joiner stages into
// the two-node loop described by spec.md §4.7: plan_and_schedule → join,
// looping back to plan_and_schedule until the Joiner emits a terminal
// AIMessage or the run exhausts MaxIterations.
package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oakmoss/llmcompiler/internal/bus"
	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/joiner"
	"github.com/oakmoss/llmcompiler/internal/planner"
	"github.com/oakmoss/llmcompiler/internal/scheduler"
	"github.com/oakmoss/llmcompiler/internal/task"
	"github.com/oakmoss/llmcompiler/internal/tasklog"
)

// defaultMaxIterations bounds the plan→join loop (SPEC_FULL.md §5
// "Iteration ceiling on the Conductor loop"): spec.md §4.7 leaves this a
// SHOULD, not a MUST, but a planner that never converges must not spin
// forever.
const defaultMaxIterations = 10

// Conductor wires the three stages together. Construct with New, which
// applies defaultMaxIterations; set MaxIterations directly to override.
type Conductor struct {
	Planner       *planner.Stage
	Joiner        *joiner.Stage
	Bus           *bus.Bus
	TaskLog       *tasklog.Registry
	MaxIterations int

	// LastRunID is the uuid of the most recently started run, for the
	// REPL's "/trace" command to locate that run's tasklog JSONL file.
	// Only meaningful when Run calls are sequential, which the REPL
	// guarantees (one query at a time).
	LastRunID string
}

// New builds a Conductor from its three stage dependencies and an
// observability bus. logReg and b may be nil; all logging/publishing is
// nil-safe.
func New(catalog *task.Catalog, planLLM planner.Streamer, joinLLM joiner.Invoker, b *bus.Bus, logReg *tasklog.Registry) *Conductor {
	return &Conductor{
		Planner:       &planner.Stage{Client: planLLM, Catalog: catalog},
		Joiner:        &joiner.Stage{Client: joinLLM},
		Bus:           b,
		TaskLog:       logReg,
		MaxIterations: defaultMaxIterations,
	}
}

// Run drives one full conversation: it accepts the user's message, loops
// plan_and_schedule → join until the Joiner returns a final AIMessage or
// MaxIterations rounds elapse, and returns the accumulated message history.
//
// Expectations:
//   - Returns history ending in an AIMessage on normal termination
//   - Synthesizes a terminal AIMessage and stops after MaxIterations rounds
//     without a final answer (SPEC_FULL.md §5)
//   - Propagates ctx cancellation out of an in-progress planner or
//     scheduler round
func (c *Conductor) Run(ctx context.Context, human convo.HumanMessage) ([]convo.Message, error) {
	runID := uuid.New().String()
	c.LastRunID = runID
	var tl *tasklog.TaskLog
	if c.TaskLog != nil {
		tl = c.TaskLog.Open(runID, human.Text)
	}

	start := time.Now()
	c.publish(bus.Event{Kind: bus.KindRunBegin, Timestamp: start, RunID: runID, Payload: human.Text})

	messages := []convo.Message{human}
	status := "final"

	maxIter := c.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	for round := 1; round <= maxIter; round++ {
		if err := ctx.Err(); err != nil {
			c.TaskLog.Close(runID, "error")
			return messages, err
		}

		c.publish(bus.Event{Kind: bus.KindPlanBegin, Timestamp: time.Now(), RunID: runID, Payload: round})

		fms, taskCount, err := c.planAndSchedule(ctx, messages, tl, runID, round)
		if err != nil {
			c.TaskLog.Close(runID, "error")
			return messages, fmt.Errorf("conductor: round %d: %w", round, err)
		}
		tl.PlanEnd(round, taskCount)
		for _, fm := range fms {
			messages = append(messages, fm)
		}

		joined, err := c.Joiner.Join(ctx, messages, tl, round)
		if err != nil {
			c.TaskLog.Close(runID, "error")
			return messages, fmt.Errorf("conductor: join round %d: %w", round, err)
		}
		messages = append(messages, joined...)

		if convo.IsLastAIMessage(messages) {
			c.publish(bus.Event{Kind: bus.KindFinalAnswer, Timestamp: time.Now(), RunID: runID, Payload: lastText(messages)})
			c.TaskLog.Close(runID, status)
			return messages, nil
		}

		if fb, ok := lastFeedback(joined); ok {
			c.publish(bus.Event{Kind: bus.KindReplan, Timestamp: time.Now(), RunID: runID, Payload: fb})
		}
	}

	status = "max_iterations"
	messages = append(messages, convo.AIMessage{
		Text: fmt.Sprintf("Stopped after %d planning rounds without a final answer.", maxIter),
	})
	c.publish(bus.Event{Kind: bus.KindFinalAnswer, Timestamp: time.Now(), RunID: runID, Payload: lastText(messages)})
	c.TaskLog.Close(runID, status)
	return messages, nil
}

// planAndSchedule runs one plan_and_schedule node (spec.md §4.7): it starts
// a Planner round, tees each parsed Task onto the bus for observability
// (bus.KindTaskParsed) as it forwards the task into the Scheduler, then
// publishes bus.KindTaskDone for every emitted FunctionMessage.
func (c *Conductor) planAndSchedule(ctx context.Context, messages []convo.Message, tl *tasklog.TaskLog, runID string, round int) ([]convo.FunctionMessage, int, error) {
	tasks, plannerErr := c.Planner.Plan(ctx, messages, tl, round)

	tapped := make(chan task.Task, 8)
	taskCount := 0
	go func() {
		defer close(tapped)
		for t := range tasks {
			taskCount++
			tl.TaskDispatch(t.Idx, t.Name(), t.Args)
			c.publish(bus.Event{Kind: bus.KindTaskParsed, Timestamp: time.Now(), RunID: runID, Payload: t})
			select {
			case tapped <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	fms := scheduler.Run(ctx, messages, tapped)

	if err := <-plannerErr; err != nil {
		return nil, taskCount, err
	}

	for _, fm := range fms {
		status := "ok"
		if isErrorObservation(fm.Content) {
			status = "error"
		}
		tl.TaskComplete(fm.Idx, fm.Name, status, fm.Content)
		c.publish(bus.Event{Kind: bus.KindTaskDone, Timestamp: time.Now(), RunID: runID, Payload: fm})
	}

	return fms, taskCount, nil
}

func (c *Conductor) publish(evt bus.Event) {
	if c.Bus == nil {
		return
	}
	c.Bus.Publish(evt)
}

func isErrorObservation(content string) bool {
	return len(content) >= 5 && content[:5] == "ERROR"
}

func lastText(messages []convo.Message) string {
	if len(messages) == 0 {
		return ""
	}
	if ai, ok := messages[len(messages)-1].(convo.AIMessage); ok {
		return ai.Text
	}
	return ""
}

// lastFeedback reports whether joined (the messages just appended by the
// Joiner) ends in a replan SystemMessage, and if so, its text.
func lastFeedback(joined []convo.Message) (string, bool) {
	if len(joined) == 0 {
		return "", false
	}
	sm, ok := joined[len(joined)-1].(convo.SystemMessage)
	if !ok {
		return "", false
	}
	return sm.Text, true
}
