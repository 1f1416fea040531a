package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/oakmoss/llmcompiler/internal/task"
)

type stubTool struct{ name string }

func (s stubTool) Name() string        { return s.name }
func (s stubTool) Description() string { return s.name + "(query)" }
func (s stubTool) Params() []string    { return []string{"query"} }
func (s stubTool) Invoke(context.Context, map[string]any) (string, error) {
	return "", nil
}

func catalog() *task.Catalog {
	return task.NewCatalog(stubTool{name: "search"}, stubTool{name: "send_mail"})
}

func TestParser_ParsesActionLineAfterNewline(t *testing.T) {
	p := NewParser(catalog(), 1)
	tasks, err := p.Ingest("1. search(query=\"a\")\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Idx != 1 || tasks[0].Name() != "search" {
		t.Fatalf("expected one search task, got %+v", tasks)
	}
}

func TestParser_BuffersPartialLineAcrossChunks(t *testing.T) {
	// A line split across two Ingest calls is only parsed once complete.
	p := NewParser(catalog(), 1)
	tasks, err := p.Ingest("1. sea")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks from partial line, got %+v", tasks)
	}
	tasks, err = p.Ingest("rch(query=\"a\")\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name() != "search" {
		t.Fatalf("expected search task after completing the line, got %+v", tasks)
	}
}

func TestParser_ThoughtLineAttachesToNextAction(t *testing.T) {
	p := NewParser(catalog(), 1)
	tasks, err := p.Ingest("Thought: I should search first\n1. search(query=\"a\")\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Thought != "I should search first" {
		t.Fatalf("expected thought attached, got %+v", tasks)
	}
}

func TestParser_ThoughtClearsAfterOneAction(t *testing.T) {
	p := NewParser(catalog(), 1)
	tasks, _ := p.Ingest("Thought: first\n1. search(query=\"a\")\n2. search(query=\"b\")\n")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[1].Thought != "" {
		t.Errorf("expected second task to have no thought, got %q", tasks[1].Thought)
	}
}

func TestParser_IgnoresMalformedLines(t *testing.T) {
	// Malformed action lines are silently dropped (spec.md §4.1 Failure mode).
	p := NewParser(catalog(), 1)
	tasks, err := p.Ingest("this is just prose\n1. search(query=\"a\")\nmore prose\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected only the one valid action parsed, got %+v", tasks)
	}
}

func TestParser_UnknownToolReturnsError(t *testing.T) {
	p := NewParser(catalog(), 1)
	_, err := p.Ingest("1. xyz(query=\"a\")\n")
	var unknown *task.ErrUnknownTool
	if err == nil {
		t.Fatal("expected an error for unknown tool")
	}
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownTool, got %T: %v", err, err)
	}
	if unknown.Name != "xyz" {
		t.Errorf("expected unknown tool name xyz, got %q", unknown.Name)
	}
}

func TestParser_DependencyExtraction_DollarN(t *testing.T) {
	p := NewParser(catalog(), 1)
	tasks, _ := p.Ingest("1. search(query=\"a\")\n2. send_mail(body=\"$1\")\n")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != 1 {
		t.Errorf("expected dependency on task 1, got %v", tasks[1].Dependencies)
	}
}

func TestParser_DependencyExtraction_BracedForm(t *testing.T) {
	p := NewParser(catalog(), 1)
	tasks, _ := p.Ingest("1. search(query=\"a\")\n2. send_mail(body=\"${1}\")\n")
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != 1 {
		t.Errorf("expected dependency on task 1, got %v", tasks[1].Dependencies)
	}
}

func TestParser_JoinDependsOnAllPriorRegardlessOfArgs(t *testing.T) {
	p := NewParser(catalog(), 1)
	tasks, _ := p.Ingest("1. search(query=\"a\")\n2. search(query=\"b\")\n3. join()\n")
	join := tasks[2]
	if !join.Join {
		t.Fatal("expected third task to be the join sentinel")
	}
	if len(join.Dependencies) != 2 || join.Dependencies[0] != 1 || join.Dependencies[1] != 2 {
		t.Errorf("expected join to depend on {1,2}, got %v", join.Dependencies)
	}
}

func TestParser_StartIdxEnforcesReplanFloor(t *testing.T) {
	// Replanner numbering must continue from the prior max idx + 1; lines
	// numbered below that floor are ignored (spec.md §4.5).
	p := NewParser(catalog(), 3)
	tasks, _ := p.Ingest("1. search(query=\"stale\")\n3. search(query=\"fresh\")\n")
	if len(tasks) != 1 || tasks[0].Idx != 3 {
		t.Fatalf("expected only idx>=3 tasks, got %+v", tasks)
	}
}

func TestParser_Close_ParsesTrailingUnterminatedLine(t *testing.T) {
	p := NewParser(catalog(), 1)
	if _, err := p.Ingest("1. search(query=\"a\")\n2. search(query=\"b\")"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tasks, err := p.Close()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Idx != 2 {
		t.Fatalf("expected the buffered final line to be parsed, got %+v", tasks)
	}
}

func TestParser_IgnoresCommentTagOnActionLine(t *testing.T) {
	p := NewParser(catalog(), 1)
	tasks, err := p.Ingest("1. search(query=\"a\") #note\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the commented action line to still parse, got %+v", tasks)
	}
}
