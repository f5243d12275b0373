package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/cube/executor"
	"github.com/caffeineduck/cube/hostfunc"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [script] [args...]",
		Short: "Run a script once",
		Long: `Run a script module, inline code or a WASI guest once.

  cube run users/list              call the handler of users/list.js
  cube run greet world             pass "world" as the handler argument
  cube run -c '1 + 1'              evaluate inline code
  echo '1 + 1' | cube run          evaluate stdin
  cube run tool.wasm a b           run a WASI guest with arguments

The handler result is printed: strings as is, other values as JSON.`,
		RunE: runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to evaluate")
}

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if code == "" && len(args) == 0 {
		stat, _ := os.Stdin.Stat()
		if stat == nil || stat.Mode()&os.ModeCharDevice != 0 {
			return cmd.Help()
		}
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if code = string(data); strings.TrimSpace(code) == "" {
			return cmd.Help()
		}
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	var result executor.Result
	switch {
	case code != "":
		result = e.exec.Eval(ctx, code, executor.WithTimeout(timeout))
	case strings.EqualFold(filepath.Ext(args[0]), ".wasm"):
		wasm, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		guest := executor.NewGuest(filepath.Base(args[0]), wasm, args[1:]...)
		result = e.exec.RunWASM(ctx, guest, executor.WithTimeout(timeout))
	default:
		handlerArgs := make([]any, len(args)-1)
		for i, a := range args[1:] {
			handlerArgs[i] = a
		}
		result = e.exec.Run(ctx, args[0], executor.WithTimeout(timeout), executor.WithArgs(handlerArgs...))
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, result.Output)
	if result.Error != nil {
		return result.Error
	}
	return printValue(out, result)
}

func printValue(w io.Writer, result executor.Result) error {
	if result.Response != nil {
		_, err := fmt.Fprintf(w, "%d %s\n", result.Response.Status(), result.Response.Data())
		return err
	}
	switch v := result.Value.(type) {
	case nil:
		return nil
	case string:
		_, err := fmt.Fprintln(w, v)
		return err
	case hostfunc.Buffer:
		_, err := w.Write(v)
		return err
	case []byte:
		_, err := w.Write(v)
		return err
	}
	data, err := json.Marshal(result.Value)
	if err != nil {
		_, err = fmt.Fprintln(w, result.Value)
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
