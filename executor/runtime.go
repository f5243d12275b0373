package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/service"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// scriptRuntime is one goja runtime with its event loop and invocation
// scope. It is only touched from the goroutine that runs it.
type scriptRuntime struct {
	exec   *Executor
	vm     *goja.Runtime
	loop   *eventLoop
	inv    *hostfunc.Invocation
	sc     *service.Context
	script string
	log    *zap.Logger
	output strings.Builder

	modules   map[string]*goja.Object
	timers    map[int64]*jsTimer
	nextTimer int64
}

type jsTimer struct {
	t        *time.Timer
	unref    func()
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
}

func (e *Executor) newScriptRuntime(ctx context.Context, script string, sc *service.Context) *scriptRuntime {
	loop := newEventLoop()
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	if e.cfg.callStackSize > 0 {
		vm.SetMaxCallStackSize(e.cfg.callStackSize)
	}

	rt := &scriptRuntime{
		exec:    e,
		vm:      vm,
		loop:    loop,
		inv:     hostfunc.NewInvocation(ctx, e.host, loop),
		sc:      sc,
		script:  script,
		modules: make(map[string]*goja.Object),
		timers:  make(map[int64]*jsTimer),
	}
	rt.log = Logger().With(zap.String("invocation", rt.inv.ID), zap.String("script", script))
	rt.inv.Defer(rt.stopTimers)
	rt.install()
	return rt
}

// release ends the invocation: queued callbacks are dropped, then every
// capability cleanup runs.
func (rt *scriptRuntime) release() {
	rt.loop.stop()
	rt.inv.Release()
}

func (rt *scriptRuntime) throw(err error) {
	panic(rt.vm.NewGoError(err))
}

func (rt *scriptRuntime) install() {
	vm := rt.vm

	vm.Set("$native", rt.native)
	vm.Set("require", rt.requireFrom(path.Dir(rt.script)))

	buffer := vm.NewObject()
	buffer.Set("from", func(input goja.Value, encoding string) (hostfunc.Buffer, error) {
		b, ok := hostfunc.ToBytes(exportValue(input))
		if !ok {
			return nil, hostfunc.NewError(hostfunc.KindInvalidArguments, "Buffer.from", "unsupported input %s", input)
		}
		return hostfunc.BufferFrom(b, encoding)
	})
	vm.Set("Buffer", buffer)

	vm.Set("ServiceResponse", rt.newResponse)

	console := vm.NewObject()
	console.Set("log", rt.console(zapcore.InfoLevel))
	console.Set("info", rt.console(zapcore.InfoLevel))
	console.Set("debug", rt.console(zapcore.DebugLevel))
	console.Set("warn", rt.console(zapcore.WarnLevel))
	console.Set("error", rt.console(zapcore.ErrorLevel))
	vm.Set("console", console)

	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return rt.setTimer(call, false) })
	vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return rt.setTimer(call, true) })
	cancel := func(call goja.FunctionCall) goja.Value {
		rt.clearTimer(call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	vm.Set("clearTimeout", cancel)
	vm.Set("clearInterval", cancel)
}

// native implements $native(name, ...args). Parameterized capabilities
// called with the name alone return their constructor.
func (rt *scriptRuntime) native(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	c, ok := rt.exec.registry.Get(name)
	if ok && c.Parameterized && len(call.Arguments) <= 1 {
		return rt.vm.ToValue(func(ctor goja.FunctionCall) goja.Value {
			return rt.open(name, ctor.Arguments)
		})
	}
	var args []goja.Value
	if len(call.Arguments) > 1 {
		args = call.Arguments[1:]
	}
	return rt.open(name, args)
}

func (rt *scriptRuntime) open(name string, args []goja.Value) goja.Value {
	raw := make([]any, len(args))
	for i, a := range args {
		raw[i] = exportValue(a)
	}
	v, err := rt.exec.registry.Open(rt.inv, name, raw...)
	if err != nil {
		rt.throw(err)
	}
	return rt.vm.ToValue(v)
}

func (rt *scriptRuntime) newResponse(call goja.ConstructorCall) *goja.Object {
	if rt.sc != nil {
		if err := rt.sc.BeginResponse(); err != nil {
			rt.throw(err)
		}
	}

	var header map[string]any
	if h := call.Argument(1); defined(h) {
		m, ok := h.Export().(map[string]any)
		if !ok {
			rt.throw(hostfunc.NewError(hostfunc.KindInvalidArguments, "ServiceResponse", "header must be an object"))
		}
		header = m
	}
	var data []byte
	if d := call.Argument(2); defined(d) {
		b, ok := hostfunc.ToBytes(exportValue(d))
		if !ok {
			rt.throw(hostfunc.NewError(hostfunc.KindInvalidArguments, "ServiceResponse", "unsupported data"))
		}
		data = b
	}

	resp, err := service.NewResponse(int(call.Argument(0).ToInteger()), header, data)
	if err != nil {
		rt.throw(err)
	}
	obj := rt.vm.ToValue(resp).ToObject(rt.vm)
	obj.SetPrototype(call.This.Prototype())
	return obj
}

func (rt *scriptRuntime) console(level zapcore.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = formatValue(a)
		}
		line := strings.Join(parts, " ")
		rt.output.WriteString(line)
		rt.output.WriteByte('\n')
		if ce := rt.log.Check(level, line); ce != nil {
			ce.Write()
		}
		return goja.Undefined()
	}
}

func formatValue(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn || obj.ClassName() == "Error" {
		return v.String()
	}
	data, err := json.Marshal(obj.Export())
	if err != nil {
		return v.String()
	}
	return string(data)
}

func (rt *scriptRuntime) setTimer(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		rt.throw(hostfunc.NewError(hostfunc.KindInvalidArguments, "timer", "callback is not a function"))
	}
	d := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if d < 0 {
		d = 0
	}
	if repeat && d < time.Millisecond {
		d = time.Millisecond
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	rt.nextTimer++
	id := rt.nextTimer
	tm := &jsTimer{fn: fn, args: args, interval: d, repeat: repeat, unref: rt.loop.Ref()}
	rt.timers[id] = tm
	tm.t = time.AfterFunc(d, func() {
		rt.loop.Post(func() { rt.fire(id) })
	})
	return rt.vm.ToValue(id)
}

func (rt *scriptRuntime) fire(id int64) {
	tm, ok := rt.timers[id]
	if !ok {
		return
	}
	if tm.repeat {
		tm.t.Reset(tm.interval)
	} else {
		rt.clearTimer(id)
	}
	if _, err := tm.fn(goja.Undefined(), tm.args...); err != nil {
		rt.loop.fail(err)
	}
}

func (rt *scriptRuntime) clearTimer(id int64) {
	tm, ok := rt.timers[id]
	if !ok {
		return
	}
	delete(rt.timers, id)
	tm.t.Stop()
	tm.unref()
}

func (rt *scriptRuntime) stopTimers() {
	for id := range rt.timers {
		rt.clearTimer(id)
	}
}

func (rt *scriptRuntime) requireFrom(dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name, err := resolve(dir, call.Argument(0).String())
		if err != nil {
			rt.throw(err)
		}
		exports, err := rt.require(name)
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				panic(ex)
			}
			rt.throw(err)
		}
		return exports
	}
}

// require evaluates module name once per runtime and returns its exports.
func (rt *scriptRuntime) require(name string) (goja.Value, error) {
	if m, ok := rt.modules[name]; ok {
		return m.Get("exports"), nil
	}

	prog, err := rt.exec.program(name)
	if err != nil {
		return nil, err
	}
	entry, err := rt.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", name)
	}

	exports := rt.vm.NewObject()
	module := rt.vm.NewObject()
	module.Set("exports", exports)
	module.Set("id", name)
	rt.modules[name] = module

	dir := path.Dir(name)
	_, err = fn(exports,
		exports,
		rt.vm.ToValue(rt.requireFrom(dir)),
		module,
		rt.vm.ToValue(name),
		rt.vm.ToValue(dir),
	)
	if err != nil {
		delete(rt.modules, name)
		return nil, err
	}
	return module.Get("exports"), nil
}

func (rt *scriptRuntime) handlerArgs(cfg runConfig) []goja.Value {
	if cfg.service != nil {
		return []goja.Value{rt.vm.ToValue(cfg.service)}
	}
	args := make([]goja.Value, len(cfg.args))
	for i, a := range cfg.args {
		args[i] = rt.vm.ToValue(a)
	}
	return args
}

// settle drives the event loop until the invocation is finished and
// resolves a returned promise.
func (rt *scriptRuntime) settle(ctx context.Context, v goja.Value) (goja.Value, error) {
	if err := rt.loop.run(ctx, nil); err != nil {
		return nil, err
	}
	return promiseResult(v)
}

func promiseResult(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, thrownError(p.Result(), "")
	}
	return nil, errors.New("promise never settled")
}

func handlerOf(name string, exports goja.Value) (goja.Callable, error) {
	if obj, ok := exports.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(obj.Get("default")); ok {
			return fn, nil
		}
	}
	if fn, ok := goja.AssertFunction(exports); ok {
		return fn, nil
	}
	return nil, fmt.Errorf("module %s does not export a handler", name)
}

// exportValue converts a script value to the Go shapes capabilities take.
func exportValue(v goja.Value) any {
	if v == nil {
		return nil
	}
	x := v.Export()
	if ab, ok := x.(goja.ArrayBuffer); ok {
		return ab.Bytes()
	}
	return x
}
