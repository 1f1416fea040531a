// Package plan implements the streaming, line-oriented Plan Parser
// (spec.md §4.1): it turns a token stream from the LLM into a lazy
// sequence of task.Task records.
//
// Supported argument shape: a task's Args is the raw text between the
// action line's parentheses, passed through unsplit as a single string; the
// scheduler binds it to the tool's first declared parameter. Keyword or
// multi-positional splitting is not performed.
package plan

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/oakmoss/llmcompiler/internal/task"
)

// Regexes transcribed from original_source/mod/players/output_parser.py:
// THOUGHT_PATTERN, ACTION_PATTERN, ID_PATTERN.
var (
	thoughtLineRe = regexp.MustCompile(`^Thought: (.*)$`)
	actionLineRe  = regexp.MustCompile(`^(\d+)\.\s*(\w+)\((.*)\)(?:\s*#\w+)?$`)
	idRefRe       = regexp.MustCompile(`\$\{?(\d+)\}?`)
)

// joinerToolName is the plan-terminating sentinel (spec.md §4.1 "Join sentinel").
const joinerToolName = "join"

// Parser is a streaming state machine: feed it chunks via Ingest as they
// arrive from the LLM, and it emits Task records as soon as each complete
// action line is parsed. It is NOT restartable — build a fresh Parser per
// plan (spec.md §4.1 "Stream termination").
type Parser struct {
	catalog *task.Catalog
	buf     strings.Builder
	thought string
	nextIdx int // smallest idx this parser will accept; enforces the replanner's continued numbering
}

// NewParser builds a Parser against catalog. startIdx is the first task idx
// this parser should accept (1 for an initial plan; max prior
// FunctionMessage idx + 1 for a replan — spec.md §4.5).
func NewParser(catalog *task.Catalog, startIdx int) *Parser {
	if startIdx < 1 {
		startIdx = 1
	}
	return &Parser{catalog: catalog, nextIdx: startIdx}
}

// Ingest appends chunk to the internal buffer and parses every complete
// line it now contains, returning the tasks parsed from those lines (in
// order). The trailing partial line, if any, is kept buffered.
func (p *Parser) Ingest(chunk string) ([]task.Task, error) {
	p.buf.WriteString(chunk)
	full := p.buf.String()

	idx := strings.LastIndexByte(full, '\n')
	if idx == -1 {
		return nil, nil // no complete line yet
	}
	complete, rest := full[:idx], full[idx+1:]
	p.buf.Reset()
	p.buf.WriteString(rest)

	return p.parseLines(complete)
}

// Close flushes any remaining buffered (unterminated) line — the stream has
// ended, so it is parsed as a final line (spec.md §4.1 "Stream termination").
func (p *Parser) Close() ([]task.Task, error) {
	rest := p.buf.String()
	p.buf.Reset()
	if rest == "" {
		return nil, nil
	}
	return p.parseLines(rest)
}

func (p *Parser) parseLines(block string) ([]task.Task, error) {
	var tasks []task.Task
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if m := thoughtLineRe.FindStringSubmatch(line); m != nil {
			p.thought = m[1]
			continue
		}

		m := actionLineRe.FindStringSubmatch(line)
		if m == nil {
			continue // malformed line — silently dropped (spec.md §4.1 "Failure mode")
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < p.nextIdx {
			continue
		}
		name := m[2]
		rawArgs := m[3]

		t, err := p.instantiate(idx, name, rawArgs)
		if err != nil {
			return tasks, err
		}
		p.thought = ""
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (p *Parser) instantiate(idx int, name, rawArgs string) (task.Task, error) {
	thought := p.thought

	if name == joinerToolName {
		return task.Task{
			Idx:          idx,
			Join:         true,
			Args:         rawArgs,
			Dependencies: sequenceBelow(idx),
			Thought:      thought,
		}, nil
	}

	tool := p.catalog.Lookup(name)
	if tool == nil {
		return task.Task{}, &task.ErrUnknownTool{Name: name, Available: p.catalog.SortedNames()}
	}

	return task.Task{
		Idx:          idx,
		Tool:         tool,
		Args:         rawArgs,
		Dependencies: dependenciesFrom(rawArgs, idx),
		Thought:      thought,
	}, nil
}

// dependenciesFrom extracts every $N / ${N} reference in rawArgs whose
// index is strictly below idx (spec.md §4.1 "Dependency extraction").
func dependenciesFrom(rawArgs string, idx int) []int {
	var deps []int
	for _, m := range idRefRe.FindAllStringSubmatch(rawArgs, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || n >= idx {
			continue
		}
		deps = append(deps, n)
	}
	return dedupSorted(deps)
}

// sequenceBelow returns {1, ..., idx-1} — the join task's unconditional
// dependency set (spec.md §4.1 "Dependency extraction", the join special case).
func sequenceBelow(idx int) []int {
	if idx <= 1 {
		return nil
	}
	out := make([]int, idx-1)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func dedupSorted(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(in))
	var out []int
	for _, n := range in {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	// in is already in ascending order of appearance but not necessarily
	// sorted by value; sort for the invariant "dependencies returned sorted".
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
