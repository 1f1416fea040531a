package conductor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oakmoss/llmcompiler/internal/bus"
	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/joiner"
	"github.com/oakmoss/llmcompiler/internal/llm"
	"github.com/oakmoss/llmcompiler/internal/planner"
	"github.com/oakmoss/llmcompiler/internal/task"
	"github.com/oakmoss/llmcompiler/internal/tasklog"
)

type fakeStreamer struct {
	responses []string
	calls     int
}

func (f *fakeStreamer) Stream(_ context.Context, _, _ string, onToken llm.TokenFunc) (string, llm.Usage, error) {
	resp := f.responses[f.calls]
	f.calls++
	for _, r := range resp {
		if err := onToken(string(r)); err != nil {
			return "", llm.Usage{}, err
		}
	}
	return resp, llm.Usage{}, nil
}

// fakeInvoker replays a fixed sequence of joiner decisions, one per call.
type fakeInvoker struct {
	decisions []map[string]any
	calls     int
}

func (f *fakeInvoker) Invoke(_ context.Context, _, _, _ string, _ any, out any) (llm.Usage, error) {
	d := f.decisions[f.calls]
	f.calls++
	raw, _ := json.Marshal(d)
	return llm.Usage{}, json.Unmarshal(raw, out)
}

type echoTool struct{ name string }

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return e.name }
func (e *echoTool) Params() []string    { return []string{"q"} }
func (e *echoTool) Invoke(_ context.Context, args map[string]any) (string, error) {
	return "R-" + args["q"].(string), nil
}

// TestConductor_Run_SingleRound exercises the plan → schedule → join loop
// ending in a final answer on the first round (spec.md §4.7).
func TestConductor_Run_SingleRound(t *testing.T) {
	cat := task.NewCatalog(&echoTool{name: "search"})
	c := &Conductor{
		Planner: &planner.Stage{
			Catalog: cat,
			Client: &fakeStreamer{
				responses: []string{"Thought: look it up\n1. search(a)\n2. join()\n"},
			},
		},
		Joiner: &joiner.Stage{
			Client: &fakeInvoker{
				decisions: []map[string]any{
					{"thought": "done", "is_final": true, "response": "the answer is R-a", "feedback": ""},
				},
			},
		},
		MaxIterations: 5,
	}

	messages, err := c.Run(context.Background(), convo.HumanMessage{Text: "look up a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !convo.IsLastAIMessage(messages) {
		t.Fatalf("expected last message to be an AIMessage, got %#v", messages[len(messages)-1])
	}
	last := messages[len(messages)-1].(convo.AIMessage)
	if last.Text != "the answer is R-a" {
		t.Fatalf("unexpected final answer: %q", last.Text)
	}

	var fm convo.FunctionMessage
	found := false
	for _, m := range messages {
		if v, ok := m.(convo.FunctionMessage); ok {
			fm = v
			found = true
		}
	}
	if !found || fm.Content != "R-a" {
		t.Fatalf("expected a FunctionMessage with content R-a, got %#v (found=%v)", fm, found)
	}
}

// TestConductor_Run_ReplanContinuesNumbering exercises a replan round: the
// joiner's feedback triggers a second planner pass that must continue idx
// numbering from the previous round's max (spec.md §4.5, S5).
func TestConductor_Run_ReplanContinuesNumbering(t *testing.T) {
	cat := task.NewCatalog(&echoTool{name: "search"})
	c := &Conductor{
		Planner: &planner.Stage{
			Catalog: cat,
			Client: &fakeStreamer{
				responses: []string{
					"Thought: first try\n1. search(a)\n2. join()\n",
					"Thought: retry with b\n3. search(b)\n4. join()\n",
				},
			},
		},
		Joiner: &joiner.Stage{
			Client: &fakeInvoker{
				decisions: []map[string]any{
					{"thought": "not enough", "is_final": false, "response": "", "feedback": "need b too"},
					{"thought": "now done", "is_final": true, "response": "got both", "feedback": ""},
				},
			},
		},
		MaxIterations: 5,
	}

	messages, err := c.Run(context.Background(), convo.HumanMessage{Text: "look up a and b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var idxs []int
	for _, m := range messages {
		if fm, ok := m.(convo.FunctionMessage); ok {
			idxs = append(idxs, fm.Idx)
		}
	}
	if len(idxs) != 2 || idxs[0] != 1 || idxs[1] != 3 {
		t.Fatalf("expected FunctionMessage idxs [1 3] across rounds, got %v", idxs)
	}
}

// TestConductor_Run_MaxIterations synthesizes a terminal AIMessage when the
// joiner never returns a final answer (SPEC_FULL.md §5 iteration ceiling).
func TestConductor_Run_MaxIterations(t *testing.T) {
	cat := task.NewCatalog(&echoTool{name: "search"})
	decisions := make([]map[string]any, 3)
	responses := make([]string, 3)
	for i := range decisions {
		decisions[i] = map[string]any{"thought": "still working", "is_final": false, "response": "", "feedback": "keep going"}
		responses[i] = "Thought: working\n1. join()\n"
	}
	c := &Conductor{
		Planner:       &planner.Stage{Catalog: cat, Client: &fakeStreamer{responses: responses}},
		Joiner:        &joiner.Stage{Client: &fakeInvoker{decisions: decisions}},
		MaxIterations: 3,
	}

	messages, err := c.Run(context.Background(), convo.HumanMessage{Text: "never converges"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last, ok := messages[len(messages)-1].(convo.AIMessage)
	if !ok {
		t.Fatalf("expected a synthesized terminal AIMessage, got %#v", messages[len(messages)-1])
	}
	if last.Text == "" {
		t.Fatalf("expected non-empty synthesized message")
	}
}

// TestConductor_Run_PublishesBusLifecycle checks the observability tap
// receives run_begin, task_parsed, task_done, and final_answer events.
func TestConductor_Run_PublishesBusLifecycle(t *testing.T) {
	cat := task.NewCatalog(&echoTool{name: "search"})
	b := bus.New()
	tap := b.NewTap()

	c := &Conductor{
		Planner: &planner.Stage{
			Catalog: cat,
			Client: &fakeStreamer{
				responses: []string{"1. search(a)\n2. join()\n"},
			},
		},
		Joiner: &joiner.Stage{
			Client: &fakeInvoker{
				decisions: []map[string]any{
					{"thought": "done", "is_final": true, "response": "ok", "feedback": ""},
				},
			},
		},
		Bus:           b,
		TaskLog:       tasklog.NewRegistry(t.TempDir()),
		MaxIterations: 5,
	}

	if _, err := c.Run(context.Background(), convo.HumanMessage{Text: "go"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := map[bus.Kind]bool{}
	for {
		select {
		case evt := <-tap:
			seen[evt.Kind] = true
		default:
			goto done
		}
	}
done:
	for _, k := range []bus.Kind{bus.KindRunBegin, bus.KindTaskParsed, bus.KindTaskDone, bus.KindFinalAnswer} {
		if !seen[k] {
			t.Errorf("expected bus event kind %q, got kinds %v", k, seen)
		}
	}
}
