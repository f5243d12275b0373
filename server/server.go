package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/cube/executor"
	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server exposes scripts of one Executor over HTTP.
type Server struct {
	exec     *executor.Executor
	cfg      Config
	engine   *gin.Engine
	cron     *cron.Cron
	sessions *sessionManager
	upgrader *websocket.Upgrader

	// base is cancelled on shutdown; jobs and daemons run under it.
	base    context.Context
	cancel  context.CancelFunc
	daemons sync.WaitGroup
}

// New builds the router and schedules cfg.Jobs. Nothing runs until
// Serve or ListenAndServe.
func New(exec *executor.Executor, cfg Config) (*Server, error) {
	if exec == nil {
		return nil, errors.New("executor required")
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		exec:     exec,
		cfg:      cfg,
		engine:   gin.New(),
		cron:     cron.New(cron.WithLogger(cronLogger{})),
		upgrader: &websocket.Upgrader{},
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.engine.Use(gin.Recovery(), requestLogger())
	if cfg.HTTP3 {
		s.engine.Use(s.altSvc())
	}

	if err := s.routes(); err != nil {
		s.cancel()
		return nil, err
	}
	for _, job := range cfg.Jobs {
		if _, err := s.cron.AddFunc(job.Spec, func() { s.runJob(job) }); err != nil {
			s.cancel()
			return nil, fmt.Errorf("job %s: %w", job.Script, err)
		}
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// routes registers handlers. gin panics on conflicting patterns; that is
// reported as an error.
func (s *Server) routes() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register routes: %v", r)
		}
	}()

	s.engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if s.cfg.Sessions {
		s.sessions = newSessionManager(s.exec, s.cfg.SessionTTL)
		s.engine.POST("/sessions", s.createSession)
		s.engine.POST("/sessions/:id/exec", s.execSession)
		s.engine.DELETE("/sessions/:id", s.closeSession)
	}
	for _, r := range s.cfg.Routes {
		h := s.scriptHandler(r.Script)
		if r.Method == "*" {
			s.engine.Any(r.Pattern, h)
		} else {
			s.engine.Handle(r.Method, r.Pattern, h)
		}
	}
	if prefix := strings.TrimRight(s.cfg.ServicePrefix, "/"); prefix != "" {
		s.engine.Any(prefix+"/*name", func(c *gin.Context) {
			s.serveScript(c, strings.TrimPrefix(c.Param("name"), "/"))
		})
	}
	return nil
}

func (s *Server) scriptHandler(script string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.serveScript(c, script)
	}
}

func (s *Server) serveScript(c *gin.Context, script string) {
	ctx, cancel := context.WithCancelCause(c.Request.Context())
	defer cancel(nil)

	vars := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		vars[p.Key] = p.Value
	}
	opts := []service.Option{
		service.WithPathVariables(vars),
		service.WithUpgrader(s.upgrader),
	}
	if s.cfg.MaxBodySize > 0 {
		opts = append(opts, service.WithMaxBodySize(s.cfg.MaxBodySize))
	}
	if s.cfg.IdleTimeout > 0 {
		opts = append(opts, service.WithIdleTimeout(s.cfg.IdleTimeout, func() {
			cancel(service.ErrIdleTimeout)
		}))
	}
	sc := service.NewContext(c.Writer, c.Request, opts...)
	defer sc.Close()

	result := s.exec.Run(ctx, script, executor.WithService(sc), executor.WithTimeout(s.cfg.Timeout))
	if result.Output != "" {
		Logger().Debug("script output", zap.String("script", script), zap.String("output", result.Output))
	}
	if sc.Handled() {
		if result.Error != nil {
			Logger().Warn("script failed after responding", zap.String("script", script), zap.Error(result.Error))
		}
		return
	}
	if result.Error != nil {
		writeError(c, script, result.Error)
		return
	}
	writeResult(c, result)
}

func writeResult(c *gin.Context, result executor.Result) {
	if result.Response != nil {
		if err := result.Response.WriteTo(c.Writer); err != nil {
			Logger().Debug("write response", zap.Error(err))
		}
		return
	}
	switch v := result.Value.(type) {
	case nil:
		c.PureJSON(http.StatusOK, envelope{Code: "0", Message: "success"})
	case string:
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(v))
	case hostfunc.Buffer:
		c.Data(http.StatusOK, "application/octet-stream", v)
	case []byte:
		c.Data(http.StatusOK, "application/octet-stream", v)
	default:
		c.PureJSON(http.StatusOK, envelope{Code: "0", Message: "success", Data: jsonValue(v)})
	}
}

type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeError(c *gin.Context, script string, err error) {
	switch {
	case errors.Is(err, executor.ErrBusy):
		c.PureJSON(http.StatusServiceUnavailable, envelope{Code: "1", Message: err.Error()})
		return
	case errors.Is(err, executor.ErrModuleNotFound):
		c.PureJSON(http.StatusNotFound, envelope{Code: "1", Message: err.Error()})
		return
	}

	body := envelope{Code: "1", Message: err.Error()}
	var se *executor.ScriptError
	if errors.As(err, &se) {
		body.Message = se.Message
		if se.Code != "" {
			body.Code = se.Code
		}
	}
	Logger().Debug("script failed", zap.String("script", script), zap.Error(err))
	c.PureJSON(http.StatusBadRequest, body)
}

// runJob runs a scheduled script with no service context.
func (s *Server) runJob(job Job) {
	result := s.exec.Run(s.base, job.Script, executor.WithTimeout(s.cfg.Timeout))
	if result.Error != nil {
		Logger().Error("job failed", zap.String("script", job.Script), zap.String("spec", job.Spec), zap.Error(result.Error))
		return
	}
	Logger().Debug("job done", zap.String("script", job.Script), zap.Duration("duration", result.Duration))
}

// runDaemon runs script until it returns cleanly or the server stops.
// Failed runs restart with exponential backoff.
func (s *Server) runDaemon(script string) {
	defer s.daemons.Done()
	b := retry.WithCappedDuration(30*time.Second, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(s.base, b, func(ctx context.Context) error {
		result := s.exec.Run(ctx, script, executor.WithTimeout(0))
		if result.Error == nil || ctx.Err() != nil {
			return nil
		}
		Logger().Warn("daemon failed, restarting", zap.String("script", script), zap.Error(result.Error))
		return retry.RetryableError(result.Error)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		Logger().Error("daemon stopped", zap.String("script", script), zap.Error(err))
		return
	}
	Logger().Info("daemon exited", zap.String("script", script))
}

func (s *Server) start() {
	s.cron.Start()
	for _, script := range s.cfg.Daemons {
		s.daemons.Add(1)
		go s.runDaemon(script)
	}
}

// stop cancels jobs and daemons and waits for them.
func (s *Server) stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	if s.sessions != nil {
		s.sessions.closeAll()
	}
	s.daemons.Wait()
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}
	if s.cfg.ClientCA != "" {
		pem, err := os.ReadFile(s.cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client ca %s: no certificates found", s.cfg.ClientCA)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. HTTP/3
// additionally listens on the same port over UDP.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine}

	var h3 *http3.Server
	if s.cfg.TLSCert != "" {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		srv.TLSConfig = tlsCfg
		if s.cfg.HTTP3 {
			h3 = &http3.Server{
				Addr:      ln.Addr().String(),
				Handler:   s.engine,
				TLSConfig: http3.ConfigureTLSConfig(tlsCfg),
			}
		}
	} else if s.cfg.HTTP3 {
		ln.Close()
		return errors.New("http3 requires a TLS certificate")
	}

	s.start()
	defer s.stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		Logger().Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", srv.TLSConfig != nil))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if h3 != nil {
		g.Go(func() error {
			Logger().Info("listening http3", zap.String("addr", h3.Addr))
			if err := h3.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if h3 != nil {
			err = errors.Join(err, h3.Close())
		}
		return err
	})
	return g.Wait()
}

// altSvc advertises the HTTP/3 endpoint on TCP responses.
func (s *Server) altSvc() gin.HandlerFunc {
	_, port, _ := net.SplitHostPort(s.cfg.Addr)
	value := fmt.Sprintf(`h3=":%s"; ma=2592000`, port)
	return func(c *gin.Context) {
		if c.Request.ProtoMajor < 3 && port != "" {
			c.Header("Alt-Svc", value)
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		Logger().Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", c.ClientIP()),
		)
	}
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	Logger().Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	Logger().Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
