package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"contentengine/internal/ratelimit"
	"contentengine/internal/servicetoken"
	"contentengine/pkg/lifecycle"
	"contentengine/pkg/queue"
	"contentengine/pkg/usage"
)

const audience = "contentengine-worker"

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRunner) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeRunner) RunOnce(context.Context) (lifecycle.PassResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return lifecycle.PassResult{}, f.err
	}
	return lifecycle.PassResult{Due: 1, Posted: 1, Items: []lifecycle.ItemResult{{ID: "item-1", Outcome: lifecycle.OutcomePosted}}}, nil
}

type fixture struct {
	srv    *httptest.Server
	runner *fakeRunner
	signer *servicetoken.Signer
}

func writeKeys(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	priv := filepath.Join(dir, "private.pem")
	pub := filepath.Join(dir, "public.pem")
	if err := os.WriteFile(priv, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	if err := os.WriteFile(pub, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return priv, pub
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	priv, pub := writeKeys(t)
	signer, err := servicetoken.NewSigner(servicetoken.SignerConfig{PrivateKeyPath: priv, KeyID: "k1", Issuer: "contentctl"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierConfig{
		PublicKeys:     map[string]string{"k1": pub},
		Audience:       audience,
		AllowedIssuers: []string{"contentctl"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	jobs, err := queue.NewRedisJobQueueWithClient(client, queue.RedisQueueConfig{Stream: "test:jobs"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	var limiter *ratelimit.FixedWindowLimiter
	if rateLimit > 0 {
		if limiter, err = ratelimit.NewFixedWindowLimiter(client, "test:rl", rateLimit, time.Minute); err != nil {
			t.Fatalf("new limiter: %v", err)
		}
	}
	ledger, err := usage.NewMemoryLedger(usage.Limits{DailyCallLimit: 5, MonthlyBudget: usage.Dollar})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	runner := &fakeRunner{}
	s, err := New(Config{
		Worker:   runner,
		Usage:    ledger,
		Jobs:     jobs,
		Verifier: verifier,
		Limiter:  limiter,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, runner: runner, signer: signer}
}

func (f *fixture) do(t *testing.T, method, path, subject, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if subject != "" {
		token, err := f.signer.Sign(audience, subject)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t, 0)
	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestInternalRoutesRequireToken(t *testing.T) {
	f := newFixture(t, 0)
	for _, path := range []string{"/internal/worker/run", "/internal/usage", "/internal/jobs", "/internal/jobs/x"} {
		resp := f.do(t, http.MethodGet, path, "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d, want 401", path, resp.StatusCode)
		}
	}
	if f.runner.Calls() != 0 {
		t.Fatalf("worker ran without auth")
	}
}

func TestRunTriggersPass(t *testing.T) {
	f := newFixture(t, 0)
	if resp := f.do(t, http.MethodGet, "/internal/worker/run", "alice", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET run = %d, want 405", resp.StatusCode)
	}
	resp := f.do(t, http.MethodPost, "/internal/worker/run", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run = %d", resp.StatusCode)
	}
	var res lifecycle.PassResult
	decode(t, resp, &res)
	if res.Posted != 1 || len(res.Items) != 1 || f.runner.Calls() != 1 {
		t.Fatalf("unexpected pass result: %+v", res)
	}

	f.runner.fail(errors.New("db down"))
	if resp := f.do(t, http.MethodPost, "/internal/worker/run", "alice", ""); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failing pass = %d, want 500", resp.StatusCode)
	}
}

func TestUsageReportsRecord(t *testing.T) {
	f := newFixture(t, 0)
	resp := f.do(t, http.MethodGet, "/internal/usage", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage = %d", resp.StatusCode)
	}
	var body usageResponse
	decode(t, resp, &body)
	if body.Usage.Account != "default" || body.Usage.CallsToday != 0 {
		t.Fatalf("unexpected usage: %+v", body)
	}
}

func TestJobsEnqueueAndFetch(t *testing.T) {
	f := newFixture(t, 0)
	resp := f.do(t, http.MethodPost, "/internal/jobs", "alice", `{"pillar":"what_building","framework":"STF"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue = %d", resp.StatusCode)
	}
	var job queue.Job
	decode(t, resp, &job)
	if job.ID == "" || job.Kind != queue.KindGenerate || job.Actor != "alice" || job.Status != queue.StatusQueued {
		t.Fatalf("unexpected job: %+v", job)
	}

	resp = f.do(t, http.MethodGet, "/internal/jobs/"+job.ID, "bob", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job = %d", resp.StatusCode)
	}
	var got queue.Job
	decode(t, resp, &got)
	if got.ID != job.ID || got.Framework != "STF" {
		t.Fatalf("unexpected fetched job: %+v", got)
	}

	if resp := f.do(t, http.MethodGet, "/internal/jobs/missing", "bob", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job = %d, want 404", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/internal/jobs", "alice", `{"kind":"publish"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind = %d, want 400", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/internal/jobs", "alice", `{`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json = %d, want 400", resp.StatusCode)
	}
}

func TestRateLimitIsPerCaller(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		if resp := f.do(t, http.MethodGet, "/internal/usage", "alice", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d = %d", i, resp.StatusCode)
		}
	}
	resp := f.do(t, http.MethodGet, "/internal/usage", "alice", "")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("third request = %d, want 429 with Retry-After", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/internal/usage", "bob", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("other caller = %d, want 200", resp.StatusCode)
	}
}

func TestInternalRoutesDisabledWithoutVerifier(t *testing.T) {
	ledger, _ := usage.NewMemoryLedger(usage.Limits{DailyCallLimit: 1, MonthlyBudget: usage.Dollar})
	s, err := New(Config{Worker: &fakeRunner{}, Usage: ledger, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/worker/run", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("run without verifier = %d, want 404", rec.Code)
	}
}
