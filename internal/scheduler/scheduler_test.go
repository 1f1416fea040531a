package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/task"
)

type sleepTool struct {
	name  string
	sleep time.Duration
	fail  bool
}

func (s sleepTool) Name() string        { return s.name }
func (s sleepTool) Description() string { return s.name }
func (s sleepTool) Params() []string    { return []string{"q"} }
func (s sleepTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if s.sleep > 0 {
		time.Sleep(s.sleep)
	}
	if s.fail {
		return "", errors.New("boom")
	}
	return "R-" + args["q"].(string), nil
}

func noParamsTool(name string) task.Tool { return paramlessTool{name} }

type paramlessTool struct{ name string }

func (p paramlessTool) Name() string        { return p.name }
func (p paramlessTool) Description() string { return p.name }
func (p paramlessTool) Params() []string    { return nil }
func (p paramlessTool) Invoke(context.Context, map[string]any) (string, error) {
	return "should not be called", nil
}

func chanOf(tasks ...task.Task) <-chan task.Task {
	ch := make(chan task.Task, len(tasks))
	for _, t := range tasks {
		ch <- t
	}
	close(ch)
	return ch
}

func TestRun_IndependentTasksRunInParallel(t *testing.T) {
	// spec.md §8 S1: two independent 100ms tasks complete well under 200ms.
	search := sleepTool{name: "search", sleep: 100 * time.Millisecond}
	t1 := task.Task{Idx: 1, Tool: search, Args: "a"}
	t2 := task.Task{Idx: 2, Tool: search, Args: "b"}
	join := task.Task{Idx: 3, Join: true, Dependencies: []int{1, 2}}

	start := time.Now()
	out := Run(context.Background(), nil, chanOf(t1, t2, join))
	elapsed := time.Since(start)

	if elapsed > 180*time.Millisecond {
		t.Errorf("expected parallel execution under 180ms, took %v", elapsed)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 emitted FunctionMessages (join contributes none), got %d", len(out))
	}
}

func TestRun_LinearDependency_ParksUntilResolved(t *testing.T) {
	// spec.md §8 S2: send_mail must see get_temp's resolved output.
	getTemp := sleepTool{name: "get_temp", sleep: 30 * time.Millisecond}
	var sendMailCalledWith string
	sendMail := capturingTool{name: "send_mail", capture: &sendMailCalledWith}

	t1 := task.Task{Idx: 1, Tool: getTemp, Args: "Seoul"}
	t2 := task.Task{Idx: 2, Tool: sendMail, Args: "$1", Dependencies: []int{1}}

	out := Run(context.Background(), nil, chanOf(t1, t2))
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].Idx != 1 || out[1].Idx != 2 {
		t.Fatalf("expected ascending idx order, got %+v", out)
	}
	if sendMailCalledWith != "R-Seoul" {
		t.Errorf("expected send_mail to receive resolved temp, got %q", sendMailCalledWith)
	}
}

type capturingTool struct {
	name    string
	capture *string
}

func (c capturingTool) Name() string        { return c.name }
func (c capturingTool) Description() string { return c.name }
func (c capturingTool) Params() []string    { return []string{"body"} }
func (c capturingTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	*c.capture = args["body"].(string)
	return "sent", nil
}

func TestRun_ToolFailure_ProducesErrorObservationNotAbort(t *testing.T) {
	// spec.md §8 S4: a failing tool still yields an observation string
	// prefixed ERROR, and the rest of the plan still completes.
	failing := sleepTool{name: "search", fail: true}
	ok := sleepTool{name: "search2"}
	t1 := task.Task{Idx: 1, Tool: failing, Args: "x"}
	t2 := task.Task{Idx: 2, Tool: ok, Args: "y"}

	out := Run(context.Background(), nil, chanOf(t1, t2))
	var m1, m2 convo.FunctionMessage
	for _, fm := range out {
		if fm.Idx == 1 {
			m1 = fm
		} else if fm.Idx == 2 {
			m2 = fm
		}
	}
	if !strings.HasPrefix(m1.Content, "ERROR ") {
		t.Errorf("expected ERROR-prefixed content for failing task, got %q", m1.Content)
	}
	if m2.Content != "R-y" {
		t.Errorf("expected task 2 to complete normally, got %q", m2.Content)
	}
}

func TestRun_ArgsResolutionFailure_NoDeclaredParams(t *testing.T) {
	t1 := task.Task{Idx: 1, Tool: noParamsTool("broken"), Args: "x"}
	out := Run(context.Background(), nil, chanOf(t1))
	if len(out) != 1 || !strings.Contains(out[0].Content, "Args could not be resolved") {
		t.Fatalf("expected an args-could-not-be-resolved error, got %+v", out)
	}
}

func TestRun_SeedsObservationsFromHistory_ExcludesOriginalsFromOutput(t *testing.T) {
	// A re-plan pass should not re-emit a FunctionMessage for an index that
	// was already present in the conversation history.
	history := []convo.Message{
		convo.FunctionMessage{Name: "search", Content: "R-a", Idx: 1},
	}
	var sent string
	send := capturingTool{name: "send_mail", capture: &sent}
	t2 := task.Task{Idx: 2, Tool: send, Args: "$1", Dependencies: []int{1}}

	out := Run(context.Background(), history, chanOf(t2))
	if len(out) != 1 || out[0].Idx != 2 {
		t.Fatalf("expected only the new task 2 to be emitted, got %+v", out)
	}
}

func TestRun_JoinContributesNoFunctionMessage(t *testing.T) {
	// spec.md §4.1 "contributes no observation" + §8 invariant 3.
	join := task.Task{Idx: 1, Join: true}
	out := Run(context.Background(), nil, chanOf(join))
	if len(out) != 0 {
		t.Errorf("expected join to contribute no FunctionMessage, got %+v", out)
	}
}

func TestRun_EmptyTaskStreamReturnsNoMessages(t *testing.T) {
	out := Run(context.Background(), nil, chanOf())
	if len(out) != 0 {
		t.Errorf("expected no messages for an empty plan, got %+v", out)
	}
}
