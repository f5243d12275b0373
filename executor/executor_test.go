package executor_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/cube/executor"
	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/service"
)

func newExecutor(t *testing.T, modules executor.MapLoader, opts ...executor.ExecutorOption) *executor.Executor {
	t.Helper()
	return newExecutorWithConfig(t, hostfunc.DefaultConfig(), modules, opts...)
}

func newExecutorWithConfig(t *testing.T, cfg hostfunc.Config, modules executor.MapLoader, opts ...executor.ExecutorOption) *executor.Executor {
	t.Helper()
	host, err := hostfunc.NewHost(cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	exec, err := executor.New(host, nil, append([]executor.ExecutorOption{executor.WithLoader(modules)}, opts...)...)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	return exec
}

func mustRun(t *testing.T, exec *executor.Executor, name string, opts ...executor.Option) any {
	t.Helper()
	result := exec.Run(context.Background(), name, opts...)
	if result.Error != nil {
		t.Fatalf("run %s: %v", name, result.Error)
	}
	return result.Value
}

func TestRunHandlerExports(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"greet.js":  `exports.default = function (name) { return "hello " + name }`,
		"square.js": `module.exports = (n) => n * n`,
		"object.js": `module.exports = () => ({ a: 1, b: [1, 2] })`,
	})

	if got := mustRun(t, exec, "greet", executor.WithArgs("world")); got != "hello world" {
		t.Errorf("greet = %v", got)
	}
	if got := mustRun(t, exec, "/square.js", executor.WithArgs(7)); got != int64(49) {
		t.Errorf("square = %#v", got)
	}
	got, ok := mustRun(t, exec, "object").(map[string]any)
	if !ok || got["a"] != int64(1) {
		t.Errorf("object = %#v", got)
	}
}

func TestRunModuleErrors(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"nohandler.js": `exports.value = 1`,
		"syntax.js":    `module.exports = () => {`,
		"badreq.js":    `const x = require("./missing"); module.exports = () => 1`,
	})

	if err := exec.Run(context.Background(), "absent").Error; !errors.Is(err, executor.ErrModuleNotFound) {
		t.Errorf("absent: err = %v", err)
	}
	if err := exec.Run(context.Background(), "nohandler").Error; err == nil || !strings.Contains(err.Error(), "does not export a handler") {
		t.Errorf("nohandler: err = %v", err)
	}
	if err := exec.Run(context.Background(), "syntax").Error; err == nil || !strings.Contains(err.Error(), "compile syntax.js") {
		t.Errorf("syntax: err = %v", err)
	}
	if err := exec.Run(context.Background(), "badreq").Error; !errors.Is(err, executor.ErrModuleNotFound) {
		t.Errorf("badreq: err = %v", err)
	}
}

func TestRequire(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"main.js": `
			const util = require("./lib/util")
			const again = require("./lib/util.js")
			module.exports = () => util.double(21) + (util === again ? 0 : 1000)
		`,
		"lib/util.js": `
			const math = require("./math")
			exports.double = (n) => math.mul(n, 2)
			exports.dir = __dirname
		`,
		"lib/math.js": `exports.mul = (a, b) => a * b`,
		"dir.js":      `module.exports = () => require("lib/util").dir + ":" + __filename`,
	})

	if got := mustRun(t, exec, "main"); got != int64(42) {
		t.Errorf("main = %#v", got)
	}
	if got := mustRun(t, exec, "dir"); got != "lib:dir.js" {
		t.Errorf("dir = %#v", got)
	}
}

func TestRunRecompilesChangedSource(t *testing.T) {
	modules := executor.MapLoader{"v.js": `module.exports = () => 1`}
	exec := newExecutor(t, modules)

	if got := mustRun(t, exec, "v"); got != int64(1) {
		t.Fatalf("first = %#v", got)
	}
	modules["v.js"] = `module.exports = () => 2`
	if got := mustRun(t, exec, "v"); got != int64(2) {
		t.Errorf("after change = %#v", got)
	}
	exec.Invalidate("v")
	if got := mustRun(t, exec, "v"); got != int64(2) {
		t.Errorf("after invalidate = %#v", got)
	}
}

func TestScriptErrors(t *testing.T) {
	exec := newExecutor(t, nil)
	ctx := context.Background()

	err := exec.Eval(ctx, `const e = new Error("bad input"); e.code = "E42"; throw e`).Error
	var se *executor.ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T %v, want ScriptError", err, err)
	}
	if se.Message != "bad input" || se.Code != "E42" {
		t.Errorf("got message %q code %q", se.Message, se.Code)
	}
	if se.Error() != "E42: bad input" {
		t.Errorf("Error() = %q", se.Error())
	}

	err = exec.Eval(ctx, `throw "plain"`).Error
	if !errors.As(err, &se) || se.Message != "plain" {
		t.Errorf("plain throw: %v", err)
	}

	// Host errors keep their identity across the script boundary.
	err = exec.Eval(ctx, `$native("nope")`).Error
	if !errors.Is(err, hostfunc.ErrUnknownCapability) {
		t.Errorf("unknown capability: err = %v", err)
	}

	got := exec.Eval(ctx, `try { $native("nope") } catch (e) { e.message }`)
	if got.Error != nil || got.Value != "native: unknown capability: nope" {
		t.Errorf("caught = %#v, %v", got.Value, got.Error)
	}
}

func TestNativeConstructors(t *testing.T) {
	exec := newExecutor(t, nil)
	ctx := context.Background()

	result := exec.Eval(ctx, `
		const q = $native("bqueue")(2)
		q.put("a", 0)
		const q2 = $native("bqueue", 1)
		q2.put("b", 0)
		q.poll(0) + q2.poll(0) + typeof $native("lock")
	`)
	if result.Error != nil {
		t.Fatalf("eval: %v", result.Error)
	}
	if result.Value != "abfunction" {
		t.Errorf("value = %#v", result.Value)
	}

	err := exec.Eval(ctx, `$native("bqueue")(0)`).Error
	if !errors.Is(err, hostfunc.ErrInvalidArguments) {
		t.Errorf("err = %v, want invalid arguments", err)
	}
}

func TestBufferAndConsole(t *testing.T) {
	exec := newExecutor(t, nil)
	result := exec.Eval(context.Background(), `
		console.log("hello", 1)
		console.info({ a: 1 })
		Buffer.from("aGk=", "base64").toString() + Buffer.from("hi").toString("hex")
	`)
	if result.Error != nil {
		t.Fatalf("eval: %v", result.Error)
	}
	if result.Value != "hi6869" {
		t.Errorf("value = %#v", result.Value)
	}
	if result.Output != "hello 1\n{\"a\":1}\n" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestTimers(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"order.js": `module.exports = () => new Promise((resolve) => {
			const order = []
			setTimeout(() => { order.push("b"); resolve(order.join("")) }, 30)
			setTimeout(() => order.push("a"), 5)
			const never = setTimeout(() => order.push("x"), 10)
			clearTimeout(never)
		})`,
		"interval.js": `module.exports = () => new Promise((resolve) => {
			let n = 0
			const id = setInterval(() => {
				n++
				if (n === 3) {
					clearInterval(id)
					resolve(n)
				}
			}, 1)
		})`,
		"throws.js": `module.exports = () => { setTimeout(() => { throw new Error("late") }, 1); return "ok" }`,
	})

	if got := mustRun(t, exec, "order"); got != "ab" {
		t.Errorf("order = %#v", got)
	}
	if got := mustRun(t, exec, "interval"); got != int64(3) {
		t.Errorf("interval = %#v", got)
	}
	var se *executor.ScriptError
	if err := exec.Run(context.Background(), "throws").Error; !errors.As(err, &se) || se.Message != "late" {
		t.Errorf("throws: err = %v", err)
	}
}

func TestPromises(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"async.js":   `module.exports = async () => { await null; return "done" }`,
		"reject.js":  `module.exports = async () => { throw new Error("nope") }`,
		"pending.js": `module.exports = () => new Promise(() => {})`,
	})

	if got := mustRun(t, exec, "async"); got != "done" {
		t.Errorf("async = %#v", got)
	}
	var se *executor.ScriptError
	if err := exec.Run(context.Background(), "reject").Error; !errors.As(err, &se) || se.Message != "nope" {
		t.Errorf("reject: err = %v", err)
	}
	if err := exec.Run(context.Background(), "pending").Error; err == nil || !strings.Contains(err.Error(), "never settled") {
		t.Errorf("pending: err = %v", err)
	}
}

func TestEventHandlersRunOnLoop(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"events.js": `module.exports = () => new Promise((resolve) => {
			const event = $native("event")
			const got = []
			const sub = event.on("t", (data) => {
				got.push(data)
				if (got.length === 2) {
					sub.cancel()
					resolve(got.join(","))
				}
			})
			event.emit("t", "a")
			event.emit("t", "b")
		})`,
	})

	if got := mustRun(t, exec, "events", executor.WithTimeout(2*time.Second)); got != "a,b" {
		t.Errorf("events = %#v", got)
	}
}

func TestDatabaseTransactionCallbacks(t *testing.T) {
	cfg := hostfunc.DefaultConfig()
	cfg.DatabaseDSN = filepath.Join(t.TempDir(), "cube.db")
	exec := newExecutorWithConfig(t, cfg, executor.MapLoader{
		"tx.js": `module.exports = () => {
			const db = $native("db")
			db.exec("create table t (n integer)")
			db.transaction(tx => tx.exec("insert into t values (?)", 1))
			let msg = ""
			try {
				db.transaction(tx => {
					tx.exec("insert into t values (?)", 2)
					throw new Error("boom")
				})
			} catch (e) {
				msg = String(e)
			}
			const n = db.query("select count(*) as n from t")[0].n
			return n + ":" + msg.includes("boom")
		}`,
	})

	if got := mustRun(t, exec, "tx"); got != "1:true" {
		t.Errorf("tx = %#v", got)
	}
}

func TestBlockingSocketReadTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			time.Sleep(5 * time.Second)
			conn.Close()
		}
	}()

	cfg := hostfunc.DefaultConfig()
	cfg.AllowedHosts = []string{"127.0.0.1"}
	exec := newExecutorWithConfig(t, cfg, executor.MapLoader{
		"read.js": `module.exports = (port) => {
			const conn = $native("socket")("tcp").dial("127.0.0.1", port)
			conn.read(10)
			while (true) {}
		}`,
	})

	start := time.Now()
	port := l.Addr().(*net.TCPAddr).Port
	err = exec.Run(context.Background(), "read", executor.WithTimeout(200*time.Millisecond), executor.WithArgs(port)).Error
	if !errors.Is(err, hostfunc.ErrTimeout) {
		t.Errorf("err = %v, want timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("read held the invocation for %v", time.Since(start))
	}
}

func TestTimeouts(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"spin.js":  `module.exports = () => { while (true) {} }`,
		"ticks.js": `module.exports = () => { setInterval(() => {}, 1000) }`,
	})

	for _, name := range []string{"spin", "ticks"} {
		err := exec.Run(context.Background(), name, executor.WithTimeout(50*time.Millisecond)).Error
		if !errors.Is(err, hostfunc.ErrTimeout) {
			t.Errorf("%s: err = %v, want timeout", name, err)
		}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(30*time.Millisecond, func() { cancel(service.ErrIdleTimeout) })
	err := exec.Run(ctx, "spin").Error
	if !errors.Is(err, hostfunc.ErrTimeout) || !errors.Is(err, service.ErrIdleTimeout) {
		t.Errorf("idle: err = %v", err)
	}
}

func TestInvocationResourcesReleased(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"hold.js": `module.exports = () => { $native("lock")("L").lock(100); return "held" }`,
	})

	for i := range 2 {
		if got := mustRun(t, exec, "hold"); got != "held" {
			t.Fatalf("run %d = %#v", i, got)
		}
	}
}

func TestMaxConcurrency(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"slow.js": `module.exports = () => { $native("bqueue")(1).poll(300); return "done" }`,
	}, executor.WithMaxConcurrency(1), executor.WithQueueTimeout(20*time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if r := exec.Run(context.Background(), "slow"); r.Error != nil {
			t.Errorf("slow: %v", r.Error)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	if err := exec.Run(context.Background(), "slow").Error; !errors.Is(err, executor.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	wg.Wait()
}

func TestServiceContextHandler(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"info.js": `module.exports = (ctx) => ctx.getMethod() + " " + ctx.getURL().path`,
		"response.js": `module.exports = (ctx) => {
			const r = new ServiceResponse(201, { "X-N": 1 }, "ok")
			r.setHeader("X-Kind", "test")
			return r instanceof ServiceResponse ? r : null
		}`,
		"mixed.js": `module.exports = (ctx) => { ctx.write("a"); return new ServiceResponse(200, {}, "b") }`,
	})

	newContext := func() *service.Context {
		return service.NewContext(httptest.NewRecorder(), httptest.NewRequest("GET", "/users?id=1", nil))
	}

	if got := mustRun(t, exec, "info", executor.WithService(newContext())); got != "GET /users" {
		t.Errorf("info = %#v", got)
	}

	result := exec.Run(context.Background(), "response", executor.WithService(newContext()))
	if result.Error != nil {
		t.Fatalf("response: %v", result.Error)
	}
	if result.Response == nil {
		t.Fatalf("no response in %#v", result.Value)
	}
	if result.Response.Status() != 201 || result.Response.Header().Get("X-N") != "1" || result.Response.Header().Get("X-Kind") != "test" {
		t.Errorf("response = %d %v", result.Response.Status(), result.Response.Header())
	}
	if string(result.Response.Data()) != "ok" {
		t.Errorf("data = %q", result.Response.Data())
	}

	err := exec.Run(context.Background(), "mixed", executor.WithService(newContext())).Error
	if !errors.Is(err, hostfunc.ErrResponseStarted) {
		t.Errorf("mixed: err = %v, want response already started", err)
	}
}

func TestClosedExecutor(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{"a.js": `module.exports = () => 1`})
	if err := exec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := exec.Run(context.Background(), "a").Error; !errors.Is(err, executor.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, err := exec.NewSession(); !errors.Is(err, executor.ErrClosed) {
		t.Errorf("session: err = %v, want ErrClosed", err)
	}
}

func TestNewRequiresHost(t *testing.T) {
	if _, err := executor.New(nil, nil); err == nil {
		t.Error("expected error without host")
	}
}
