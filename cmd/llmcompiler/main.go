// Command llmcompiler drives the LLM Compiler conductor loop from a
// terminal: a one-shot "run" subcommand for a single query, and a "repl"
// subcommand for a persistent session, both wired the way the teacher's
// cmd/agsh/main.go wires its role goroutines (spec.md is silent on a
// front-end; SPEC_FULL.md §2/§3 specify this CLI as the ambient/domain
// stack's outer surface).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oakmoss/llmcompiler/internal/bus"
	"github.com/oakmoss/llmcompiler/internal/conductor"
	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/llm"
	"github.com/oakmoss/llmcompiler/internal/tasklog"
	"github.com/oakmoss/llmcompiler/internal/tools"
	"github.com/oakmoss/llmcompiler/internal/ui"
)

func main() {
	_ = godotenv.Load(".env")

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "llmcompiler")
	_ = os.MkdirAll(cacheDir, 0o755)

	// Redirect debug logs to file so they don't interfere with the terminal
	// UI. Tail ~/.cache/llmcompiler/debug.log to observe planner/scheduler/
	// joiner activity.
	if f, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	}

	if err := tools.EnsureWorkspace(); err != nil {
		fmt.Fprintf(os.Stderr, "could not create workspace: %v\n", err)
	}

	root := &cobra.Command{
		Use:   "llmcompiler",
		Short: "LLM Compiler — plan/schedule/join loop over a tool catalog",
	}

	var maxIterations int
	root.PersistentFlags().IntVar(&maxIterations, "max-iterations", 10,
		"stop the conductor loop after this many plan/join rounds without a final answer")

	root.AddCommand(newRunCmd(cacheDir, &maxIterations))
	root.AddCommand(newReplCmd(cacheDir, &maxIterations))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildConductor wires the two LLM tiers, the default tool catalog, the
// observability bus + terminal UI tap, and the tasklog registry into one
// conductor.Conductor, mirroring cmd/agsh/main.go's construction order:
// bus first (everything taps it), then clients, then stages.
func buildConductor(cacheDir string, maxIterations int) (*conductor.Conductor, *ui.Display) {
	b := bus.New()
	disp := ui.New(b.NewTap())

	planClient := llm.NewTier("PLANNER")
	joinClient := llm.NewTier("JOINER")

	catalog := tools.DefaultCatalog()
	logReg := tasklog.NewRegistry(filepath.Join(cacheDir, "runs"))

	c := conductor.New(catalog, planClient, joinClient, b, logReg)
	c.MaxIterations = maxIterations
	return c, disp
}

func newRunCmd(cacheDir string, maxIterations *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run [query]",
		Short: "Run a single query through the conductor loop and print the final answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, disp := buildConductor(cacheDir, *maxIterations)

			ctx, cancel := context.WithCancel(cmd.Context())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			defer cancel()

			go disp.Run(ctx)

			query := strings.Join(args, " ")
			messages, err := c.Run(ctx, convo.HumanMessage{Text: query})
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			printFinal(messages)
			time.Sleep(50 * time.Millisecond) // let the display drain its last frame
			return nil
		},
	}
}

func newReplCmd(cacheDir string, maxIterations *int) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session; each line runs a fresh conductor loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, disp := buildConductor(cacheDir, *maxIterations)

			ctx, cancel := context.WithCancel(cmd.Context())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM)
			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			defer cancel()

			go disp.Run(ctx)

			fmt.Println("\033[1m\033[36mλ llmcompiler\033[0m — plan/schedule/join loop  " +
				"\033[2m(exit/Ctrl-D to quit | debug: ~/.cache/llmcompiler/debug.log)\033[0m")

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("\033[36m>\033[0m ")
				if !scanner.Scan() {
					break
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if input == "exit" || input == "quit" {
					break
				}
				if input == "/trace" {
					if path := filepath.Join(cacheDir, "runs", c.LastRunID+".jsonl"); c.LastRunID != "" {
						fmt.Printf("tasklog: %s\n", path)
					} else {
						fmt.Println("no run yet")
					}
					continue
				}

				messages, err := c.Run(ctx, convo.HumanMessage{Text: input})
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				printFinal(messages)
			}
			cancel()
			return nil
		},
	}
}

func printFinal(messages []convo.Message) {
	if len(messages) == 0 {
		return
	}
	last, ok := messages[len(messages)-1].(convo.AIMessage)
	if !ok {
		return
	}
	fmt.Printf("\n%s\n\n", last.Text)
}
