package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Route binds a request pattern to a script. Pattern uses gin syntax, so
// ":name" segments become path variables.
type Route struct {
	Method  string
	Pattern string
	Script  string
}

// Job runs Script on a cron schedule, without a request context.
type Job struct {
	Spec   string
	Script string
}

// Config describes how scripts are exposed over HTTP.
type Config struct {
	Addr   string
	Routes []Route
	// ServicePrefix serves any script by name under prefix + "/" + name.
	// Empty disables name dispatch.
	ServicePrefix string

	Timeout     time.Duration // per invocation, 0 = none
	IdleTimeout time.Duration // per request, re-armed by resetTimeout
	MaxBodySize int64

	TLSCert  string
	TLSKey   string
	ClientCA string // enables optional client certificate verification
	HTTP3    bool   // also serve HTTP/3 on the same port, TLS only

	Jobs    []Job
	Daemons []string // scripts started with the server and run until shutdown

	// Sessions exposes interactive sessions under /sessions. It runs
	// arbitrary code, so it is meant for development only.
	Sessions   bool
	SessionTTL time.Duration

	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ServicePrefix:   "/service",
		Timeout:         60 * time.Second,
		MaxBodySize:     10 << 20,
		SessionTTL:      15 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ParseRoute parses "METHOD /pattern=script". The method may be omitted
// or "*" to match any method.
func ParseRoute(spec string) (Route, error) {
	target, script, ok := strings.Cut(spec, "=")
	if !ok || strings.TrimSpace(script) == "" {
		return Route{}, fmt.Errorf("invalid route %q: want [METHOD] /pattern=script", spec)
	}

	r := Route{Method: "*", Script: strings.TrimSpace(script)}
	fields := strings.Fields(target)
	switch len(fields) {
	case 1:
		r.Pattern = fields[0]
	case 2:
		r.Method = strings.ToUpper(fields[0])
		r.Pattern = fields[1]
	default:
		return Route{}, fmt.Errorf("invalid route %q: want [METHOD] /pattern=script", spec)
	}
	if !strings.HasPrefix(r.Pattern, "/") {
		return Route{}, fmt.Errorf("invalid route %q: pattern must start with /", spec)
	}
	if r.Method != "*" && !validMethod(r.Method) {
		return Route{}, fmt.Errorf("invalid route %q: unknown method %s", spec, r.Method)
	}
	return r, nil
}

// ParseJob parses "spec=script", e.g. "@every 1m=cleanup" or
// "0 3 * * *=report".
func ParseJob(spec string) (Job, error) {
	i := strings.LastIndex(spec, "=")
	if i <= 0 || strings.TrimSpace(spec[i+1:]) == "" {
		return Job{}, fmt.Errorf("invalid job %q: want spec=script", spec)
	}
	return Job{Spec: strings.TrimSpace(spec[:i]), Script: strings.TrimSpace(spec[i+1:])}, nil
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}
