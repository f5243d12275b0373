package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/cube/executor"
	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/server"
)

func executeCommand(args ...string) (string, error) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeScripts(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"cube", "$native", "run", "repl", "serve", "--scripts", "--allow-host", "--redis"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLISubcommandHelp(t *testing.T) {
	tests := []struct {
		cmd     string
		phrases []string
	}{
		{"run", []string{"--code", "--timeout", "--mount", ".wasm"}},
		{"repl", []string{"--history", "Command history", "Multi-line"}},
		{"serve", []string{"--listen", "--route", "--job", "--tls-cert", "--client-ca", "--http3", "--sessions", "/health"}},
	}
	for _, tt := range tests {
		output, err := executeCommand(tt.cmd, "--help")
		if err != nil {
			t.Fatalf("%s --help: %v", tt.cmd, err)
		}
		for _, phrase := range tt.phrases {
			if !strings.Contains(output, phrase) {
				t.Errorf("%s help should contain %q", tt.cmd, phrase)
			}
		}
	}
}

func TestRunEval(t *testing.T) {
	dir := t.TempDir()
	output, err := executeCommand("run", "--no-cache", "--scripts", dir, "-c", "console.log('hi'); ({ sum: 1 + 2 })")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if output != "hi\n{\"sum\":3}\n" {
		t.Errorf("output = %q", output)
	}
}

func TestRunScript(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"greet.js":     `module.exports = (name) => "hello " + name`,
		"lib/shout.js": `module.exports = (s) => s.toUpperCase()`,
		"shouting.js":  `const shout = require("./lib/shout"); module.exports = (s) => shout(s)`,
		"broken.js":    `module.exports = () => { throw new Error("broken script") }`,
		"response.js":  `module.exports = () => new ServiceResponse(202, {}, "accepted")`,
	})

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"greet", "world"}, "hello world\n"},
		{[]string{"shouting", "quiet"}, "QUIET\n"},
		{[]string{"response"}, "202 accepted\n"},
	}
	for _, tt := range tests {
		args := append([]string{"run", "--no-cache", "--scripts", dir}, tt.args...)
		output, err := executeCommand(args...)
		if err != nil {
			t.Errorf("run %v: %v", tt.args, err)
			continue
		}
		if output != tt.want {
			t.Errorf("run %v = %q, want %q", tt.args, output, tt.want)
		}
	}

	if _, err := executeCommand("run", "--no-cache", "--scripts", dir, "broken"); err == nil || !strings.Contains(err.Error(), "broken script") {
		t.Errorf("broken err = %v", err)
	}
	if _, err := executeCommand("run", "--no-cache", "--scripts", dir, "missing"); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestRootRunsScript(t *testing.T) {
	dir := writeScripts(t, map[string]string{"answer.js": `module.exports = () => 42`})
	output, err := executeCommand("--no-cache", "--scripts", dir, "answer")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if output != "42\n" {
		t.Errorf("output = %q", output)
	}
}

func TestRunMount(t *testing.T) {
	data := t.TempDir()
	dir := writeScripts(t, map[string]string{
		"save.js": `module.exports = () => { $native("file").write("/data/out.txt", "saved"); return "ok" }`,
	})

	if _, err := executeCommand("run", "--no-cache", "--scripts", dir, "save"); err == nil {
		t.Fatal("expected error without mount")
	}

	mount := "/data:" + data + ":rwc"
	if _, err := executeCommand("run", "--no-cache", "--scripts", dir, "--mount", mount, "save"); err != nil {
		t.Fatalf("run with mount: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(data, "out.txt"))
	if err != nil || string(got) != "saved" {
		t.Errorf("file = %q, %v", got, err)
	}
}

func TestRunDatabase(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"count.js": `module.exports = () => {
			const db = $native("db")
			db.exec("create table t (n integer)")
			db.exec("insert into t values (?), (?)", 1, 2)
			return db.query("select sum(n) as total from t")[0].total
		}`,
	})
	dsn := filepath.Join(t.TempDir(), "cube.db")
	output, err := executeCommand("run", "--no-cache", "--scripts", dir, "--db", dsn, "count")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if output != "3\n" {
		t.Errorf("output = %q", output)
	}
}

func TestRunTimeout(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	_, err := executeCommand("run", "--no-cache", "--scripts", dir, "--timeout", "100ms", "-c", "while (true) {}")
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestInvalidFlags(t *testing.T) {
	dir := t.TempDir()
	tests := [][]string{
		{"run", "--no-cache", "--scripts", dir, "--mount", "bad", "-c", "1"},
		{"run", "--no-cache", "--scripts", dir, "--memory", "3mb", "-c", "1"},
		{"run", "--no-cache", "--scripts", filepath.Join(dir, "missing"), "-c", "1"},
		{"run", "--log-level", "loud", "-c", "1"},
		{"serve", "--scripts", dir, "--route", "nonsense"},
		{"serve", "--scripts", dir, "--job", "bad spec"},
	}
	for _, args := range tests {
		if _, err := executeCommand(args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestServeConfig(t *testing.T) {
	root := newRootCmd()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatal(err)
	}
	err = serve.ParseFlags([]string{
		"--listen", ":9000",
		"--route", "GET /users/:id=users/get",
		"--route", "/any=any",
		"--job", "0 0,12 * * *=report",
		"--daemon", "consumer",
		"--timeout", "5s",
		"--service-prefix", "",
		"--sessions",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := serveConfig(serve)
	if err != nil {
		t.Fatalf("serveConfig: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Timeout != 5*time.Second || cfg.ServicePrefix != "" || !cfg.Sessions {
		t.Errorf("cfg = %+v", cfg)
	}
	wantRoutes := []server.Route{
		{Method: "GET", Pattern: "/users/:id", Script: "users/get"},
		{Method: "*", Pattern: "/any", Script: "any"},
	}
	if len(cfg.Routes) != 2 || cfg.Routes[0] != wantRoutes[0] || cfg.Routes[1] != wantRoutes[1] {
		t.Errorf("routes = %+v", cfg.Routes)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0] != (server.Job{Spec: "0 0,12 * * *", Script: "report"}) {
		t.Errorf("jobs = %+v", cfg.Jobs)
	}
	if len(cfg.Daemons) != 1 || cfg.Daemons[0] != "consumer" {
		t.Errorf("daemons = %+v", cfg.Daemons)
	}
}

func TestParseMount(t *testing.T) {
	tests := []struct {
		spec string
		want hostfunc.Mount
		ok   bool
	}{
		{"/data:/tmp/data:ro", hostfunc.Mount{VirtualPath: "/data", HostPath: "/tmp/data", Mode: hostfunc.MountReadOnly}, true},
		{"/out:/tmp/out:rw", hostfunc.Mount{VirtualPath: "/out", HostPath: "/tmp/out", Mode: hostfunc.MountReadWrite}, true},
		{"/new:/tmp/new:rwc", hostfunc.Mount{VirtualPath: "/new", HostPath: "/tmp/new", Mode: hostfunc.MountReadWriteCreate}, true},
		{"/data:/tmp/data", hostfunc.Mount{}, false},
		{"/data:/tmp/data:rx", hostfunc.Mount{}, false},
	}
	for _, tt := range tests {
		got, err := parseMount(tt.spec)
		if (err == nil) != tt.ok {
			t.Errorf("parseMount(%q) err = %v", tt.spec, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMount(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := map[string]uint32{
		"1mb":   executor.MemoryLimit1MB,
		"16MB":  executor.MemoryLimit16MB,
		"64mb":  executor.MemoryLimit64MB,
		"256mb": executor.MemoryLimit256MB,
		"1gb":   executor.MemoryLimit1GB,
	}
	for in, want := range tests {
		got, err := parseMemoryLimit(in)
		if err != nil || got != want {
			t.Errorf("parseMemoryLimit(%q) = %d, %v", in, got, err)
		}
	}
	if _, err := parseMemoryLimit("2tb"); err == nil {
		t.Error("expected error")
	}
}

func TestInspect(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"a", `"a"`},
		{int64(3), "3"},
		{map[string]any{"k": []any{true}}, `{"k":[true]}`},
	}
	for _, tt := range tests {
		if got := inspect(tt.in); got != tt.want {
			t.Errorf("inspect(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
