package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/cube/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve scripts over HTTP",
		Long: `Start an HTTP server that runs a script per request.

Routes:
  --route 'GET /users/:id=users/get'   bind a pattern to a script
  /service/<name>                      any script by name (--service-prefix)
  GET /health                          health check

With --sessions:
  POST   /sessions              create a session, returns {"session_id":"..."}
  POST   /sessions/:id/exec     evaluate {"code":"..."} in the session
  DELETE /sessions/:id          close the session

Jobs run scripts on a cron schedule (--job '@every 1m=cleanup') and
daemons run once for the lifetime of the server (--daemon consumer).`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	defaults := server.DefaultConfig()
	f := cmd.Flags()
	f.StringP("listen", "a", defaults.Addr, "Address to listen on")
	f.StringArray("route", nil, "Route '[METHOD] /pattern=script' (repeatable)")
	f.String("service-prefix", defaults.ServicePrefix, "Prefix serving scripts by name; empty disables it")
	f.StringArray("job", nil, "Cron job 'spec=script' (repeatable)")
	f.StringSlice("daemon", nil, "Script run for the lifetime of the server (repeatable)")
	f.Duration("idle-timeout", 0, "Per-request idle timeout scripts can extend with resetTimeout")
	f.Int64("max-body", defaults.MaxBodySize, "Max request body size")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS key file")
	f.String("client-ca", "", "CA file verifying client certificates")
	f.Bool("http3", false, "Also serve HTTP/3 (requires TLS)")
	f.Bool("sessions", false, "Expose REPL sessions over HTTP (development only)")
	f.Duration("shutdown-timeout", defaults.ShutdownTimeout, "Graceful shutdown timeout")
	return cmd
}

func serveConfig(cmd *cobra.Command) (server.Config, error) {
	f := cmd.Flags()
	cfg := server.DefaultConfig()
	cfg.Addr, _ = f.GetString("listen")
	cfg.ServicePrefix, _ = f.GetString("service-prefix")
	cfg.Timeout, _ = f.GetDuration("timeout")
	cfg.IdleTimeout, _ = f.GetDuration("idle-timeout")
	cfg.MaxBodySize, _ = f.GetInt64("max-body")
	cfg.TLSCert, _ = f.GetString("tls-cert")
	cfg.TLSKey, _ = f.GetString("tls-key")
	cfg.ClientCA, _ = f.GetString("client-ca")
	cfg.HTTP3, _ = f.GetBool("http3")
	cfg.Daemons, _ = f.GetStringSlice("daemon")
	cfg.Sessions, _ = f.GetBool("sessions")
	cfg.ShutdownTimeout, _ = f.GetDuration("shutdown-timeout")

	routes, _ := f.GetStringArray("route")
	for _, spec := range routes {
		r, err := server.ParseRoute(spec)
		if err != nil {
			return cfg, err
		}
		cfg.Routes = append(cfg.Routes, r)
	}
	jobs, _ := f.GetStringArray("job")
	for _, spec := range jobs {
		j, err := server.ParseJob(spec)
		if err != nil {
			return cfg, err
		}
		cfg.Jobs = append(cfg.Jobs, j)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	srv, err := server.New(e.exec, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}
