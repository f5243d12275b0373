package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/cube/executor"
	"github.com/caffeineduck/cube/hostfunc"
	"github.com/gorilla/websocket"
)

func newExecutor(t *testing.T, modules executor.MapLoader, opts ...executor.ExecutorOption) *executor.Executor {
	t.Helper()
	host, err := hostfunc.NewHost(hostfunc.DefaultConfig())
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

func newServer(t *testing.T, exec *executor.Executor, cfg Config) *Server {
	t.Helper()
	s, err := New(exec, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.stop)
	return s
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, body))
	return w
}

var scripts = executor.MapLoader{
	"users/get.js": `module.exports = (ctx) => "user " + ctx.getPathVariables().id`,
	"object.js":    `module.exports = () => ({ a: 1, list: [1, 2] })`,
	"empty.js":     `module.exports = () => {}`,
	"bytes.js":     `module.exports = () => Buffer.from("raw")`,
	"created.js": `module.exports = (ctx) => {
		const r = new ServiceResponse(201, { "X-Id": 7 }, ctx.getBody())
		r.setCookie("session", "abc")
		return r
	}`,
	"stream.js": `module.exports = (ctx) => { ctx.write("part1 "); ctx.flush(); ctx.write("part2") }`,
	"fail.js":   `module.exports = () => { throw { code: "E42", message: "bad input" } }`,
	"plain.js":  `module.exports = () => { throw new Error("boom") }`,
	"echo.js": `module.exports = (ctx) => {
		const ws = ctx.upgradeToWebSocket()
		const msg = ws.read()
		ws.send("echo " + msg.data.toString("utf8"))
		ws.close()
	}`,
	"idle.js":  `module.exports = () => new Promise(() => { setInterval(() => {}, 5) })`,
	"certs.js": `module.exports = (ctx) => ctx.getCerts().map(c => c.subject)`,
}

func TestRoutes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes = []Route{
		{Method: "GET", Pattern: "/users/:id", Script: "users/get"},
		{Method: "*", Pattern: "/created", Script: "created"},
	}
	s := newServer(t, newExecutor(t, scripts), cfg)
	h := s.Handler()

	w := do(t, h, "GET", "/users/42", nil)
	if w.Code != http.StatusOK || w.Body.String() != "user 42" {
		t.Errorf("GET /users/42 = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content-type = %q", ct)
	}

	if w := do(t, h, "POST", "/users/42", nil); w.Code != http.StatusNotFound {
		t.Errorf("POST /users/42 = %d, want 404", w.Code)
	}

	w = do(t, h, "PUT", "/created", strings.NewReader("payload"))
	if w.Code != http.StatusCreated || w.Body.String() != "payload" {
		t.Errorf("PUT /created = %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Id"); got != "7" {
		t.Errorf("X-Id = %q", got)
	}
	if got := w.Header().Get("Set-Cookie"); !strings.HasPrefix(got, "session=abc") {
		t.Errorf("Set-Cookie = %q", got)
	}

	if w := do(t, h, "GET", "/health", nil); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestServicePrefix(t *testing.T) {
	s := newServer(t, newExecutor(t, scripts), DefaultConfig())
	h := s.Handler()

	tests := []struct {
		target string
		status int
		body   string
	}{
		{"/service/object", 200, `{"code":"0","message":"success","data":{"a":1,"list":[1,2]}}`},
		{"/service/empty", 200, `{"code":"0","message":"success"}`},
		{"/service/bytes", 200, "raw"},
		{"/service/stream", 200, "part1 part2"},
		{"/service/fail", 400, `{"code":"E42","message":"bad input"}`},
		{"/service/plain", 400, `{"code":"1","message":"boom"}`},
	}
	for _, tt := range tests {
		w := do(t, h, "GET", tt.target, nil)
		if w.Code != tt.status || strings.TrimSpace(w.Body.String()) != tt.body {
			t.Errorf("GET %s = %d %q, want %d %q", tt.target, w.Code, w.Body.String(), tt.status, tt.body)
		}
	}

	if w := do(t, h, "GET", "/service/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", w.Code)
	}
	if w := do(t, h, "GET", "/service/bytes", nil); w.Header().Get("Content-Type") != "application/octet-stream" {
		t.Errorf("bytes content-type = %q", w.Header().Get("Content-Type"))
	}
}

func TestServicePrefixDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServicePrefix = ""
	s := newServer(t, newExecutor(t, scripts), cfg)
	if w := do(t, s.Handler(), "GET", "/service/object", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	s := newServer(t, newExecutor(t, scripts), cfg)

	start := time.Now()
	w := do(t, s.Handler(), "GET", "/service/idle", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("took %v", elapsed)
	}
	var body envelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body.Message, "timeout") {
		t.Errorf("message = %q", body.Message)
	}
}

func TestBusy(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"slow.js": `module.exports = () => { $native("bqueue")(1).poll(300); return "done" }`,
	}, executor.WithMaxConcurrency(1), executor.WithQueueTimeout(20*time.Millisecond))
	s := newServer(t, exec, DefaultConfig())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if w := do(t, s.Handler(), "GET", "/service/slow", nil); w.Code != http.StatusOK {
			t.Errorf("first = %d", w.Code)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	if w := do(t, s.Handler(), "GET", "/service/slow", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("second = %d, want 503", w.Code)
	}
	wg.Wait()
}

func TestWebSocket(t *testing.T) {
	s := newServer(t, newExecutor(t, scripts), DefaultConfig())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/service/echo"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "echo hi" {
		t.Errorf("msg = %q", msg)
	}
}

func TestSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions = true
	s := newServer(t, newExecutor(t, nil), cfg)
	h := s.Handler()

	w := do(t, h, "POST", "/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	var created createSessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.SessionID == "" {
		t.Fatalf("create body %q: %v", w.Body.String(), err)
	}

	exec := func(code string) sessionExecResponse {
		t.Helper()
		body, _ := json.Marshal(sessionExecRequest{Code: code})
		w := do(t, h, "POST", "/sessions/"+created.SessionID+"/exec", strings.NewReader(string(body)))
		if w.Code != http.StatusOK {
			t.Fatalf("exec %q = %d %s", code, w.Code, w.Body.String())
		}
		var resp sessionExecResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	exec("var n = 40")
	if resp := exec("console.log('n is', n); n + 2"); resp.Value != float64(42) || resp.Output != "n is 40\n" {
		t.Errorf("resp = %+v", resp)
	}
	if resp := exec("(function () {})"); resp.Error != "" {
		t.Errorf("function value: %+v", resp)
	}
	if resp := exec("throw new Error('nope')"); !strings.Contains(resp.Error, "nope") {
		t.Errorf("error = %q", resp.Error)
	}

	if w := do(t, h, "POST", "/sessions/"+created.SessionID+"/exec", strings.NewReader(`{}`)); w.Code != http.StatusBadRequest {
		t.Errorf("missing code = %d", w.Code)
	}
	if w := do(t, h, "DELETE", "/sessions/"+created.SessionID, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if w := do(t, h, "POST", "/sessions/"+created.SessionID+"/exec", strings.NewReader(`{"code":"1"}`)); w.Code != http.StatusNotFound {
		t.Errorf("exec after delete = %d", w.Code)
	}
}

func TestSessionsDisabled(t *testing.T) {
	s := newServer(t, newExecutor(t, nil), DefaultConfig())
	if w := do(t, s.Handler(), "POST", "/sessions", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSessionExpiry(t *testing.T) {
	sm := newSessionManager(newExecutor(t, nil), time.Minute)
	defer sm.closeAll()

	id, err := sm.create(time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sm.expire(time.Now())
	if _, ok := sm.get(id); !ok {
		t.Fatal("session expired early")
	}
	sm.expire(time.Now().Add(2 * time.Minute))
	if _, ok := sm.get(id); ok {
		t.Fatal("session not expired")
	}
}

func TestRouteConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes = []Route{
		{Method: "GET", Pattern: "/a/:id", Script: "x"},
		{Method: "GET", Pattern: "/a/:name", Script: "y"},
	}
	if _, err := New(newExecutor(t, nil), cfg); err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestInvalidJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs = []Job{{Spec: "not a spec", Script: "x"}}
	if _, err := New(newExecutor(t, nil), cfg); err == nil {
		t.Fatal("expected cron spec error")
	}
}

func TestRunJob(t *testing.T) {
	dir := t.TempDir()
	cfg := hostfunc.DefaultConfig()
	cfg.Mounts = []hostfunc.Mount{{VirtualPath: "/out", HostPath: dir, Mode: hostfunc.MountReadWriteCreate}}
	host, err := hostfunc.NewHost(cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	exec, err := executor.New(host, nil, executor.WithLoader(executor.MapLoader{
		"tick.js": `module.exports = (ctx) => { $native("file").write("/out/tick.txt", ctx === undefined ? "no ctx" : "ctx") }`,
	}))
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	t.Cleanup(func() { exec.Close() })

	s := newServer(t, exec, DefaultConfig())
	s.runJob(Job{Spec: "@every 1s", Script: "tick"})

	data, err := os.ReadFile(filepath.Join(dir, "tick.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "no ctx" {
		t.Errorf("data = %q", data)
	}
}

func TestDaemonStopsWithServer(t *testing.T) {
	exec := newExecutor(t, executor.MapLoader{
		"loop.js": `module.exports = () => new Promise(() => { setInterval(() => {}, 10) })`,
	})
	cfg := DefaultConfig()
	cfg.Daemons = []string{"loop"}
	s := newServer(t, exec, cfg)

	s.start()
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		s.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestServeShutdown(t *testing.T) {
	s := newServer(t, newExecutor(t, scripts), DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/service/object")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestHTTP3RequiresTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP3 = true
	s := newServer(t, newExecutor(t, nil), cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := s.Serve(context.Background(), ln); err == nil {
		t.Fatal("expected error")
	}
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func issue(t *testing.T, ca *testCA, cn string, isCA bool, usage x509.ExtKeyUsage) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	parent, signer := tmpl, key
	if ca != nil {
		parent, signer = ca.cert, ca.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

func writePEM(t *testing.T, path string, cert *x509.Certificate, key *ecdsa.PrivateKey) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if key != nil {
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatalf("marshal key: %v", err)
		}
		if err := os.WriteFile(path+".key", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestMutualTLS(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey := issue(t, nil, "test ca", true, x509.ExtKeyUsageAny)
	ca := &testCA{cert: caCert, key: caKey}
	serverCert, serverKey := issue(t, ca, "server", false, x509.ExtKeyUsageServerAuth)
	clientCert, clientKey := issue(t, ca, "client", false, x509.ExtKeyUsageClientAuth)

	writePEM(t, filepath.Join(dir, "ca.crt"), caCert, nil)
	writePEM(t, filepath.Join(dir, "server.crt"), serverCert, serverKey)

	cfg := DefaultConfig()
	cfg.TLSCert = filepath.Join(dir, "server.crt")
	cfg.TLSKey = filepath.Join(dir, "server.crt.key")
	cfg.ClientCA = filepath.Join(dir, "ca.crt")
	s := newServer(t, newExecutor(t, scripts), cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-errc
	}()

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	get := func(certs []tls.Certificate) string {
		t.Helper()
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
			RootCAs:      pool,
			Certificates: certs,
		}}}
		resp, err := client.Get("https://" + ln.Addr().String() + "/service/certs")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var body envelope
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		b, _ := json.Marshal(body.Data)
		return string(b)
	}

	leaf := tls.Certificate{Certificate: [][]byte{clientCert.Raw}, PrivateKey: clientKey}
	if got := get([]tls.Certificate{leaf}); got != `["CN=client"]` {
		t.Errorf("with client cert = %s", got)
	}
	if got := get(nil); got != `[]` {
		t.Errorf("without client cert = %s", got)
	}
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		in   string
		want Route
		ok   bool
	}{
		{"GET /users/:id=users/get", Route{"GET", "/users/:id", "users/get"}, true},
		{"post /items=items", Route{"POST", "/items", "items"}, true},
		{"/any=any", Route{"*", "/any", "any"}, true},
		{"GET /x", Route{}, false},
		{"GET x=y", Route{}, false},
		{"FETCH /x=y", Route{}, false},
		{"GET /x=", Route{}, false},
	}
	for _, tt := range tests {
		got, err := ParseRoute(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseRoute(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseRoute(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseJob(t *testing.T) {
	job, err := ParseJob("@every 1m=cleanup")
	if err != nil || job != (Job{Spec: "@every 1m", Script: "cleanup"}) {
		t.Errorf("ParseJob = %+v, %v", job, err)
	}
	job, err = ParseJob("0 3 * * *=reports/daily")
	if err != nil || job.Spec != "0 3 * * *" || job.Script != "reports/daily" {
		t.Errorf("ParseJob = %+v, %v", job, err)
	}
	if _, err := ParseJob("=x"); err == nil {
		t.Error("expected error for empty spec")
	}
	if _, err := ParseJob("@hourly"); err == nil {
		t.Error("expected error for missing script")
	}
}
