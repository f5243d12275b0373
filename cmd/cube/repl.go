package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/cube/executor"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive REPL with persistent state",
		Long: `Start an interactive REPL session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Declarations persist between lines, and $native capabilities and require
work as in scripts. Timers keep running; their callbacks fire before the
next line is evaluated.

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.cube_history)")
	return cmd
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".cube_history")
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	session, err := e.exec.NewSession(executor.WithTimeout(timeout))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(cmd.ErrOrStderr(), "cube REPL (type 'exit' to quit, Ctrl+D to exit)")
	return repl(cmd, rl, session)
}

func repl(cmd *cobra.Command, rl *readline.Instance, session *executor.Session) error {
	out := cmd.OutOrStdout()
	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		result := session.Run(cmd.Context(), line)
		if result.Output != "" {
			fmt.Fprint(out, result.Output)
			if !strings.HasSuffix(result.Output, "\n") {
				fmt.Fprintln(out)
			}
		}
		if result.Error != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", result.Error)
			continue
		}
		if s := inspect(result.Value); s != "" {
			fmt.Fprintln(out, s)
		}
	}
}

// inspect renders a completion value the way the REPL echoes it.
func inspect(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return fmt.Sprintf("%q", v)
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
