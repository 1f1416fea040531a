// Package resolve implements the Placeholder Resolver (spec.md §4.2):
// single-pass substitution of $N / ${N} references inside argument values
// against the scheduler's observations map.
package resolve

import (
	"fmt"
	"regexp"
	"strconv"
)

// idRefRe mirrors plan.idRefRe / original_source's _ID_PATTERN: a dollar
// sign, an optional opening brace, digits, and (if opened) a closing brace.
var idRefRe = regexp.MustCompile(`\$\{?(\d+)\}?`)

// Value resolves arg against observations. Strings have every $N / ${N}
// occurrence replaced by the stringified observation; lists are resolved
// elementwise; maps are resolved valuewise; anything else is coerced to its
// string representation. Resolution is applied once — the result is never
// re-scanned for further placeholders (spec.md §4.2 "Tie-break").
func Value(arg any, observations map[int]string) any {
	switch v := arg.(type) {
	case string:
		return resolveString(v, observations)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Value(e, observations)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Value(e, observations)
		}
		return out
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", v)
	}
}

// resolveString replaces every $N / ${N} occurrence in s. An index absent
// from observations is left untouched — the planner is expected never to
// emit forward references, so absence means the model intended a literal
// "$N" (spec.md §4.2).
func resolveString(s string, observations map[int]string) string {
	return idRefRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := idRefRe.FindStringSubmatch(match)
		n, err := strconv.Atoi(sub[1])
		if err != nil {
			return match
		}
		if v, ok := observations[n]; ok {
			return v
		}
		return match
	})
}
