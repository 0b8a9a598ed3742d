package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/Mirai3103/playground-runner/internal/admission"
	"github.com/Mirai3103/playground-runner/internal/config"
	"github.com/Mirai3103/playground-runner/internal/core"
	"github.com/Mirai3103/playground-runner/internal/core/sandbox"
	"github.com/Mirai3103/playground-runner/internal/models"
	"github.com/Mirai3103/playground-runner/internal/screen"
	"github.com/Mirai3103/playground-runner/internal/session"
	"github.com/Mirai3103/playground-runner/internal/workspace"
)

type batchStub struct {
	runErr error
}

func (b *batchStub) Compile(context.Context, string, []string) (*sandbox.CompileResult, error) {
	return &sandbox.CompileResult{OK: true}, nil
}

func (b *batchStub) Run(context.Context, sandbox.RunRequest) (*sandbox.ExecuteResult, error) {
	if b.runErr != nil {
		return nil, b.runErr
	}
	return &sandbox.ExecuteResult{Stdout: "Hello\n"}, nil
}

// scriptStub writes a shell script as the compiled binary and runs it for
// real.
type scriptStub struct {
	real   *sandbox.Pipeline
	script string
}

func (s *scriptStub) Compile(_ context.Context, dir string, _ []string) (*sandbox.CompileResult, error) {
	err := os.WriteFile(filepath.Join(dir, workspace.BinaryName), []byte("#!/bin/sh\n"+s.script+"\n"), 0o755)
	return &sandbox.CompileResult{OK: true}, err
}

func (s *scriptStub) Start(ctx context.Context, dir string) (session.Process, error) {
	return session.Adapt(s.real).Start(ctx, dir)
}

type versionStub struct{ calls atomic.Int32 }

func (p *versionStub) CompilerVersion(context.Context) (string, error) {
	p.calls.Add(1)
	return "gcc (GCC) 13.2.0", nil
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	versions *versionStub
}

func newTestEnv(t *testing.T, batch *batchStub, mutate func(*config.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithScript(t, batch, `echo "hi from ws"`, mutate)
}

// newTestEnvWithScript runs script as the program of every terminal session.
func newTestEnvWithScript(t *testing.T, batch *batchStub, script string, mutate func(*config.Config)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	conf := config.Default()
	if mutate != nil {
		mutate(conf)
	}

	queue := admission.New(t.Name(), 2)
	memWs := workspace.NewManager(afero.NewMemMapFs(), "/jobs", 0, &logger)
	runner := core.NewRunner(batch, screen.New(), queue, memWs, conf.Runner, &logger)

	osWs := workspace.NewManager(afero.NewOsFs(), t.TempDir(), 0, &logger)
	scripts := &scriptStub{real: sandbox.NewPipeline(conf.Runner, nil, &logger), script: script}
	sessions := session.NewManager(scripts, screen.New(), queue, osWs, conf.Interactive, runner.Limits(), &logger)

	versions := &versionStub{}
	srv := New(conf, &logger, Deps{Runner: runner, Sessions: sessions, Compiler: versions})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, http: ts, versions: versions}
}

func postExecute(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/api/execute", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

const helloBody = `{"files":[{"name":"main.c","content":"int main(){return 0;}"}]}`

func TestExecuteEndpoint(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)

	resp, body := postExecute(t, env.http.URL, helloBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["success"] != true || body["stdout"] != "Hello\n" || body["exitCode"] != float64(0) {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatalf("timestamp missing: %v", body)
	}
	if _, ok := body["signal"]; ok {
		t.Fatalf("empty signal serialized: %v", body)
	}
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)

	for _, payload := range []string{`{`, `{"files":[]}`, `{"files":"main.c"}`} {
		resp, body := postExecute(t, env.http.URL, payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", payload, resp.StatusCode)
		}
		if body["error"] == "" {
			t.Errorf("%s: no error message", payload)
		}
	}
}

func TestExecuteInfrastructureFault(t *testing.T) {
	env := newTestEnv(t, &batchStub{runErr: &sandbox.Error{Type: sandbox.ErrCmdWait, Message: "boom"}}, nil)

	resp, body := postExecute(t, env.http.URL, helloBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["success"] != false || body["error"] != models.InternalErrorMessage {
		t.Fatalf("body = %v", body)
	}
}

func TestExecuteBlockedIsNotAnError(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)

	resp, body := postExecute(t, env.http.URL, `{"files":[{"name":"a.c","content":"#include <sys/socket.h>"}]}`)
	if resp.StatusCode != http.StatusOK || body["exitCode"] != float64(models.ExitPolicyBlocked) {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, func(c *config.Config) {
		c.Server.RateLimitPerMinute = 1
		c.Server.RateLimitBurst = 1
	})

	if resp, _ := postExecute(t, env.http.URL, helloBody); resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, _ := postExecute(t, env.http.URL, helloBody)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
}

func TestWrongMethod(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)
	resp, err := http.Get(env.http.URL + "/api/execute")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)
	resp, err := http.Get(env.http.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "online" || body.Mode != "direct" || body.Admission.Limit != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Interactive != nil {
		t.Fatal("shared queue reported twice")
	}
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"} {
		if resp.Header.Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
}

func TestRuntimesIsCached(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(env.http.URL + "/api/runtimes")
		if err != nil {
			t.Fatal(err)
		}
		var body runtimesResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if !body.Available || body.C.Version != "gcc (GCC) 13.2.0" || body.C.Language != "c" {
			t.Fatalf("body = %+v", body)
		}
	}
	if n := env.versions.calls.Load(); n != 1 {
		t.Fatalf("compiler version fetched %d times", n)
	}
}

func TestCORSAllowsDevOrigin(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)
	req, _ := http.NewRequest(http.MethodOptions, env.http.URL+"/api/execute", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestTerminalWebSocket(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws/terminal"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := models.ClientMessage{
		Type:  models.MsgInit,
		Files: []models.SubmittedFile{{Name: "main.c", Content: "int main(){return 0;}"}},
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var stdout strings.Builder
	for {
		var msg models.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == models.MsgStdout {
			stdout.WriteString(msg.Data)
			continue
		}
		if msg.Type != models.MsgExit || msg.Code == nil || *msg.Code != 0 {
			t.Fatalf("unexpected message %+v", msg)
		}
		break
	}
	if stdout.String() != "hi from ws\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestTerminalRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, &batchStub{}, nil)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws/terminal"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("handshake succeeded for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v", resp)
	}
}

func TestTerminalClientThatStopsReadingReleasesSlot(t *testing.T) {
	env := newTestEnvWithScript(t, &batchStub{}, "yes xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", func(c *config.Config) {
		c.Interactive.TimeoutMs = 60000
		c.Interactive.WriteTimeoutMs = 200
	})
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws/terminal"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	hello := models.ClientMessage{
		Type:  models.MsgInit,
		Files: []models.SubmittedFile{{Name: "main.c", Content: "int main(){return 0;}"}},
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Never read. The session must give its slot back well before the
	// program's own timeout.
	queue := env.srv.deps.Runner.Queue()
	waitFor := func(what string, d time.Duration, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(d)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("%s: queue %+v", what, queue.Stats())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitFor("session never admitted", 5*time.Second, func() bool { return queue.Stats().Active == 1 })
	waitFor("slot still held by stalled client", 10*time.Second, func() bool { return queue.Stats().Active == 0 })
}
