// Package task defines the Task record and Tool contract that the Plan
// Parser produces and the Scheduler consumes.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Tool is an invokable registered under a stable name. Description is
// injected verbatim into the planner prompt, so it doubles as the usage
// contract the model reads before calling the tool.
type Tool interface {
	Name() string
	Description() string
	// Params names the tool's declared parameters, in order. The first
	// name receives the raw argument text parsed by the Plan Parser
	// (see internal/plan's single-positional-argument contract).
	Params() []string
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Task is an immutable record of one parsed plan line.
type Task struct {
	Idx          int
	Tool         Tool   // nil when Join is true
	Join         bool   // true for the terminal "join" sentinel
	Args         any    // raw (pre-resolution) argument value, keyed by Tool.Params()[0] when a Tool
	Dependencies []int  // sorted ascending
	Thought      string // from the most recently seen "Thought:" line, if any
}

// Name returns the task's tool name, or "join" for the sentinel task.
func (t Task) Name() string {
	if t.Join {
		return "join"
	}
	return t.Tool.Name()
}

// Catalog is an ordered name→Tool registry. Read-only once built.
type Catalog struct {
	order []string
	tools map[string]Tool
}

// NewCatalog builds a Catalog from tools, preserving call order.
func NewCatalog(tools ...Tool) *Catalog {
	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := c.tools[t.Name()]; dup {
			continue
		}
		c.order = append(c.order, t.Name())
		c.tools[t.Name()] = t
	}
	return c
}

// Lookup returns the tool registered under name, or nil if not found.
func (c *Catalog) Lookup(name string) Tool {
	return c.tools[name]
}

// Len returns the number of registered tools (not counting the implicit join).
func (c *Catalog) Len() int {
	return len(c.order)
}

// Names returns the registered tool names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// SortedNames returns the registered tool names in lexical order, used for
// the "available=..." error message so it reads deterministically.
func (c *Catalog) SortedNames() []string {
	out := c.Names()
	sort.Strings(out)
	return out
}

// Describe renders the 1-indexed, newline-delimited tool description block
// the Planner stage feeds to the prompt template (spec.md §4.5): one entry
// per tool, numbered starting at 1, each followed by a blank line.
func (c *Catalog) Describe() string {
	var sb strings.Builder
	for i, name := range c.order {
		fmt.Fprintf(&sb, "%d. %s\n\n", i+1, c.tools[name].Description())
	}
	return sb.String()
}

// NumTools returns len(tools)+1, the planner prompt's num_tools variable —
// the +1 accounts for the implicit "join" tool (spec.md §4.5).
func (c *Catalog) NumTools() int {
	return len(c.order) + 1
}

// ErrUnknownTool is returned by instantiation when a parsed plan line names
// a tool not present in the catalog.
type ErrUnknownTool struct {
	Name      string
	Available []string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("tool %q not found (available=%v)", e.Name, e.Available)
}
