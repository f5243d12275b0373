// Package cube hosts JavaScript service handlers behind a capability
// bridge.
//
// # Overview
//
// Scripts are CommonJS modules. A module exports one handler; the server
// calls it once per request with the request's ServiceContext, and
// whatever it returns becomes the response. Scripts reach the outside world
// only through $native capabilities served by the host, and networking,
// file access and commands stay off until configured.
//
// # Basic Usage
//
//	host, _ := hostfunc.NewHost(hostfunc.DefaultConfig())
//	defer host.Close()
//
//	exec, _ := executor.New(host, nil, executor.WithLoader(executor.MapLoader{
//	    "hello.js": `module.exports = (ctx) => "hello " + ctx.getURL().path`,
//	}))
//	defer exec.Close()
//
//	srv, _ := server.New(exec, server.DefaultConfig())
//	srv.ListenAndServe(ctx) // GET /service/hello
//
// # Without a server
//
//	result := exec.Run(ctx, "report", executor.WithArgs("2024-01"))
//	result = exec.Eval(ctx, `$native("ulid")()`)
//
//	session, _ := exec.NewSession()
//	session.Run(ctx, `var n = 41`)
//	session.Run(ctx, `n + 1`) // 42
//
// See the [executor], [hostfunc], [service] and [server] packages for
// detailed API documentation.
package cube
