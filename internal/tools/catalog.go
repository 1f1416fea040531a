// catalog.go adapts this package's OS-utility functions into the
// task.Tool contract (internal/task): a stable Name, a multi-line
// Description injected verbatim into the planner prompt, a single declared
// Param (the Plan Parser's single-positional-argument convention — spec.md
// §4.1), and an Invoke that the scheduler calls with the resolved argument
// string. Multi-field tools (write_file, glob, run_shortcut) parse their
// one positional string themselves, split on "|||", matching the
// description they advertise to the planner.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/oakmoss/llmcompiler/internal/task"
)

const fieldSep = "|||"

// splitFields splits a "|||"-delimited positional argument into exactly n
// trimmed fields. Missing trailing fields are returned as "".
func splitFields(raw string, n int) []string {
	parts := strings.SplitN(raw, fieldSep, n)
	out := make([]string, n)
	for i := range out {
		if i < len(parts) {
			out[i] = strings.TrimSpace(parts[i])
		}
	}
	return out
}

func argString(args map[string]any, param string) string {
	v, _ := args[param].(string)
	return v
}

// basicTool is the common shape for tools with a single Param name, a fixed
// Name/Description, and an Invoke closure.
type basicTool struct {
	name        string
	description string
	param       string
	invoke      func(ctx context.Context, raw string) (string, error)
}

func (t *basicTool) Name() string          { return t.name }
func (t *basicTool) Description() string   { return t.description }
func (t *basicTool) Params() []string      { return []string{t.param} }
func (t *basicTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return t.invoke(ctx, argString(args, t.param))
}

// ReadFileTool exposes ReadFile as a task.Tool.
func ReadFileTool() task.Tool {
	return &basicTool{
		name: "read_file",
		description: "read_file(path: string) -> string\n" +
			"  Reads the file at the given path and returns its full contents as text.\n" +
			"  path may use a leading ~ for the home directory. Fails if the file does\n" +
			"  not exist or is not readable.",
		param: "path",
		invoke: func(_ context.Context, raw string) (string, error) {
			return ReadFile(ExpandHome(raw))
		},
	}
}

// WriteFileTool exposes WriteFile as a task.Tool. The single positional
// argument is "<path> ||| <content>"; a bare filename or "./"-relative path
// is redirected into the workspace directory (tools.ResolveOutputPath).
func WriteFileTool() task.Tool {
	return &basicTool{
		name: "write_file",
		description: "write_file(path ||| content: string) -> string\n" +
			"  Writes content to the file at path, creating it if necessary. A bare\n" +
			"  filename or \"./\"-relative path (no real directory component) is\n" +
			"  redirected into the workspace directory instead of the current\n" +
			"  directory. Arguments are a single string: the path, then the literal\n" +
			"  separator \"|||\", then the content.",
		param: "request",
		invoke: func(_ context.Context, raw string) (string, error) {
			fields := splitFields(raw, 2)
			path := ExpandHome(fields[0])
			resolved, redirected := ResolveOutputPath(path)
			if err := WriteFile(resolved, fields[1]); err != nil {
				return "", err
			}
			if redirected {
				return fmt.Sprintf("wrote %d bytes to %s (redirected into workspace)", len(fields[1]), resolved), nil
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(fields[1]), resolved), nil
		},
	}
}

// GlobTool exposes GlobFiles as a task.Tool. The single positional argument
// is "<root> ||| <pattern>"; if no "|||" is present, the whole argument is
// treated as the pattern and root defaults to ".".
func GlobTool() task.Tool {
	return &basicTool{
		name: "glob",
		description: "glob(root ||| pattern: string) -> string\n" +
			"  Recursively searches root for files whose base name matches pattern\n" +
			"  (shell glob syntax, e.g. \"*.go\"). Returns matched paths, one per line,\n" +
			"  or \"(no matches)\". root may be omitted (pattern alone searches \".\").",
		param: "request",
		invoke: func(_ context.Context, raw string) (string, error) {
			root, pattern := ".", raw
			if strings.Contains(raw, fieldSep) {
				f := splitFields(raw, 2)
				root, pattern = f[0], f[1]
			}
			matches, err := GlobFiles(root, pattern)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "(no matches)", nil
			}
			return GlobJoin(matches), nil
		},
	}
}

// ShellTool exposes RunShell as a task.Tool.
func ShellTool() task.Tool {
	return &basicTool{
		name: "shell",
		description: "shell(command: string) -> string\n" +
			"  Runs command in a bash shell (30s timeout) and returns combined\n" +
			"  stdout/stderr. Use for anything not covered by a more specific tool.",
		param: "command",
		invoke: func(ctx context.Context, raw string) (string, error) {
			stdout, stderr, err := RunShell(ctx, raw)
			if err != nil {
				if stderr != "" {
					return "", fmt.Errorf("%w: %s", err, stderr)
				}
				return "", err
			}
			if stderr != "" {
				return stdout + "\n" + stderr, nil
			}
			return stdout, nil
		},
	}
}

// MdfindTool exposes RunMdfind as a task.Tool (macOS only).
func MdfindTool() task.Tool {
	return &basicTool{
		name: "mdfind",
		description: "mdfind(query: string) -> string\n" +
			"  Searches the macOS Spotlight index for files whose name contains\n" +
			"  query. Much faster than a recursive filesystem walk for home-directory\n" +
			"  searches. Returns newline-separated absolute paths.",
		param: "query",
		invoke: RunMdfind,
	}
}

// WebSearchTool exposes Search as a task.Tool. Requires BOCHA_API_KEY.
func WebSearchTool() task.Tool {
	return &basicTool{
		name: "web_search",
		description: "web_search(query: string) -> string\n" +
			"  Searches the web and returns a formatted summary of the top results\n" +
			"  (title, snippet, date, URL). Requires BOCHA_API_KEY to be configured.",
		param: "query",
		invoke: Search,
	}
}

// AppleScriptTool exposes RunAppleScript as a task.Tool (macOS only).
func AppleScriptTool() task.Tool {
	return &basicTool{
		name: "applescript",
		description: "applescript(script: string) -> string\n" +
			"  Runs an AppleScript program via osascript and returns its stdout.\n" +
			"  Use for controlling macOS applications (Mail, Calendar, Finder, ...).",
		param: "script",
		invoke: RunAppleScript,
	}
}

// ShortcutTool exposes RunShortcut as a task.Tool. The single positional
// argument is "<shortcut name> ||| <input>"; input may be empty.
func ShortcutTool() task.Tool {
	return &basicTool{
		name: "run_shortcut",
		description: "run_shortcut(name ||| input: string) -> string\n" +
			"  Runs a named Apple Shortcut via the macOS Shortcuts CLI, passing input\n" +
			"  as its stdin (omit the \"|||\" and input for shortcuts that need none).\n" +
			"  Shortcuts sync via iCloud, so this can trigger automations on\n" +
			"  iPhone/iPad/Apple Watch as well as this Mac.",
		param: "request",
		invoke: func(ctx context.Context, raw string) (string, error) {
			fields := splitFields(raw, 2)
			return RunShortcut(ctx, fields[0], fields[1])
		},
	}
}

// DefaultCatalog builds the catalog.Catalog this module ships with: file
// I/O, glob search, shell, Spotlight search, web search, and the two
// macOS automation tools, in the order the planner prompt lists them.
func DefaultCatalog() *task.Catalog {
	return task.NewCatalog(
		ReadFileTool(),
		WriteFileTool(),
		GlobTool(),
		ShellTool(),
		MdfindTool(),
		WebSearchTool(),
		AppleScriptTool(),
		ShortcutTool(),
	)
}
