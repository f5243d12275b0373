package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/caffeineduck/cube/executor"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type sessionManager struct {
	exec *executor.Executor
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]*serverSession
	stop     chan struct{}
	stopOnce sync.Once
}

type serverSession struct {
	session  *executor.Session
	lastUsed time.Time
}

func newSessionManager(exec *executor.Executor, ttl time.Duration) *sessionManager {
	sm := &sessionManager{
		exec:     exec,
		ttl:      ttl,
		sessions: make(map[string]*serverSession),
		stop:     make(chan struct{}),
	}
	if ttl > 0 {
		go sm.cleanup(min(ttl, time.Minute))
	}
	return sm
}

func (sm *sessionManager) create(timeout time.Duration) (string, error) {
	session, err := sm.exec.NewSession(executor.WithTimeout(timeout))
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{session: session, lastUsed: time.Now()}
	sm.mu.Unlock()
	return id, nil
}

func (sm *sessionManager) get(id string) (*executor.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
	}
	return ok
}

func (sm *sessionManager) expire(now time.Time) {
	sm.mu.Lock()
	var expired []*serverSession
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			expired = append(expired, ss)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()
	for _, ss := range expired {
		ss.session.Close()
	}
	if len(expired) > 0 {
		Logger().Debug("sessions expired", zap.Int("count", len(expired)))
	}
}

func (sm *sessionManager) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case now := <-ticker.C:
			sm.expire(now)
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.stopOnce.Do(func() { close(sm.stop) })
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()
	for _, ss := range sessions {
		ss.session.Close()
	}
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sessionExecRequest struct {
	Code    string `json:"code" binding:"required"`
	Timeout string `json:"timeout,omitempty"`
}

type sessionExecResponse struct {
	Value      any    `json:"value,omitempty"`
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) createSession(c *gin.Context) {
	id, err := s.sessions.create(s.cfg.Timeout)
	if err != nil {
		c.PureJSON(http.StatusInternalServerError, envelope{Code: "1", Message: err.Error()})
		return
	}
	c.PureJSON(http.StatusCreated, createSessionResponse{SessionID: id})
}

func (s *Server) execSession(c *gin.Context) {
	session, ok := s.sessions.get(c.Param("id"))
	if !ok {
		c.PureJSON(http.StatusNotFound, envelope{Code: "1", Message: "session not found"})
		return
	}

	var req sessionExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.PureJSON(http.StatusBadRequest, envelope{Code: "1", Message: "code required"})
		return
	}

	ctx := c.Request.Context()
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			c.PureJSON(http.StatusBadRequest, envelope{Code: "1", Message: "invalid timeout"})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	result := session.Run(ctx, req.Code)
	resp := sessionExecResponse{
		Value:      jsonValue(result.Value),
		Output:     result.Output,
		DurationMs: result.Duration.Milliseconds(),
	}
	status := http.StatusOK
	if result.Error != nil {
		resp.Error = result.Error.Error()
		if errors.Is(result.Error, executor.ErrSessionBusy) {
			status = http.StatusConflict
		}
	}
	c.PureJSON(status, resp)
}

func (s *Server) closeSession(c *gin.Context) {
	if !s.sessions.close(c.Param("id")) {
		c.PureJSON(http.StatusNotFound, envelope{Code: "1", Message: "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// jsonValue keeps v when it marshals, and falls back to its printed form
// otherwise (functions, cyclic values).
func jsonValue(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}
