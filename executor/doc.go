// Package executor runs sandboxed scripts against the capabilities of a
// hostfunc.Host.
//
// # Overview
//
// Every invocation gets a fresh goja runtime and event loop on the calling
// goroutine, so a blocking capability call only blocks its own request.
// Compiled programs are shared between invocations and recompiled when the
// module source changes.
//
// # Basic Usage
//
//	host, err := hostfunc.NewHost(hostfunc.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close()
//
//	loader, _ := executor.NewDirLoader("./scripts")
//	exec, err := executor.New(host, nil, executor.WithLoader(loader))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	result := exec.Run(ctx, "hello", executor.WithArgs("world"))
//	fmt.Println(result.Value)
//
// A module exports its handler as exports.default or as module.exports:
//
//	module.exports = function (ctx) {
//	    const cache = $native("cache")
//	    return "hello " + ctx.getURL().path
//	}
//
// # Globals
//
// Scripts see $native, Buffer, ServiceResponse, console, require and the
// timer functions. An invocation ends when its handler returned, a
// returned promise settled and no timer or event handler is left.
//
// # Sessions
//
// Sessions keep a runtime across calls, for interactive use:
//
//	session, _ := exec.NewSession()
//	defer session.Close()
//
//	session.Run(ctx, `var x = 42`)
//	session.Run(ctx, `x + 1`) // Value: 43
//
// # WASI guests
//
// RunWASM runs a compiled WASI program. Guests write host calls to stderr
// framed as \x00CUBE:{json}\x00 and read one JSON line per call from
// stdin. Host objects cross the boundary as integer handles; handle 1 is
// the request context.
package executor
