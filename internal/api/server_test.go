package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command-outbox/internal/models"
	"command-outbox/internal/outbox"
	"command-outbox/internal/ratelimit"
	"command-outbox/internal/signature"
	"command-outbox/internal/store"
)

const secret = "s3cret"

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false}, nil
}

type fixture struct {
	srv *httptest.Server
	svc *outbox.Service
	st  store.Store
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "outbox.db"),
		Retry:  store.RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := outbox.New(st, outbox.Options{})
	opts := Options{
		Verifier:             signature.NewVerifier([]string{secret}, 0),
		PullRequireSignature: true,
		Commit:               "abc123",
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := httptest.NewServer(New(svc, opts).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, svc: svc, st: st}
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func signed(body string, extra ...string) map[string]string {
	h := map[string]string{"X-Outbox-Signature": signature.Sign(secret, []byte(body))}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

const enqueueBody = `{"agent":"edge-1","command":{"venue":"KRAKEN","symbol":"XBT/USDT","side":"buy","amount_base":0.00005,"idempotency_key":"abc"},"meta":{"source":"bus"}}`

func TestEnqueuePullAckOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	code, out := f.post(t, "/ops/enqueue", enqueueBody, signed(enqueueBody))
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["enqueued"])
	id := out["id"].(string)

	code, again := f.post(t, "/api/ops/enqueue", enqueueBody, signed(enqueueBody))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, again["enqueued"])
	assert.Equal(t, id, again["id"])

	pull := `{"limit":5,"lease_s":90}`
	code, out = f.post(t, "/api/commands/pull", pull, signed(pull, AgentHeader, "edge-1"))
	require.Equal(t, http.StatusOK, code, out)
	cmds := out["commands"].([]any)
	require.Len(t, cmds, 1)
	cmd := cmds[0].(map[string]any)
	assert.Equal(t, id, cmd["id"])
	assert.Equal(t, "KRAKEN", cmd["payload"].(map[string]any)["venue"])

	ack := `{"id":"` + id + `","status":"DONE","receipt":{"txid":"T1"}}`
	code, out = f.post(t, "/commands/ack", ack, signed(ack, AgentHeader, "edge-1"))
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, models.StatusDone, out["status"])
	assert.Equal(t, true, out["transitioned"])

	rc, ok, err := f.st.LatestReceipt(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "T1", rc.TxID)
	assert.True(t, rc.OK)
}

func TestBadSignatureNeverPersists(t *testing.T) {
	f := newFixture(t, nil)

	code, out := f.post(t, "/ops/enqueue", enqueueBody, map[string]string{"X-Outbox-Signature": signature.Sign("wrong", []byte(enqueueBody))})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, false, out["ok"])
	assert.NotEmpty(t, out["err"])

	code, _ = f.post(t, "/ops/enqueue", enqueueBody, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	depth, err := f.st.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth.Total())
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)

	bad := `{"agent":"edge-1","command":{"venue":"KRAKEN","side":"buy"}}`
	code, out := f.post(t, "/ops/enqueue", bad, signed(bad))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, out["err"], "symbol is required")

	garbage := `{"agent":`
	code, _ = f.post(t, "/ops/enqueue", garbage, signed(garbage))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEnqueueRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Limiter = denyAll{} })
	code, out := f.post(t, "/ops/enqueue", enqueueBody, signed(enqueueBody))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limited", out["err"])
}

func TestPullSignaturePolicy(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.post(t, "/api/commands/pull", `{}`, map[string]string{AgentHeader: "edge-1"})
	assert.Equal(t, http.StatusUnauthorized, code)

	open := newFixture(t, func(o *Options) { o.PullRequireSignature = false })
	code, out := open.post(t, "/commands/pull", `{"agent_id":"edge-1"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["commands"])

	code, out = open.post(t, "/commands/pull", ``, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, outbox.ErrAgentRequired.Error(), out["err"])
}

func TestAllowedAgents(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowedAgents = []string{"edge-1"} })
	body := `{"limit":1}`
	code, _ := f.post(t, "/api/commands/pull", body, signed(body, AgentHeader, "intruder"))
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = f.post(t, "/api/commands/pull", body, signed(body, AgentHeader, "edge-1"))
	assert.Equal(t, http.StatusOK, code)
}

func TestAckUnknownAndBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	missing := `{"id":"nope","status":"DONE"}`
	code, _ := f.post(t, "/api/commands/ack", missing, signed(missing, AgentHeader, "edge-1"))
	assert.Equal(t, http.StatusNotFound, code)

	var ids []string
	for _, key := range []string{"a", "b"} {
		res, err := f.svc.Enqueue(ctx, outbox.EnqueueRequest{Payload: json.RawMessage(`{}`), DedupeKey: key})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}
	_, err := f.svc.Pull(ctx, "edge-1", 10, 0)
	require.NoError(t, err)

	batch := `{"agent":"edge-1","receipts":[{"id":"` + ids[0] + `","ok":true,"txid":"T1"},{"id":"` + ids[1] + `","ok":false,"message":"rejected"},{"id":"ghost","ok":true}]}`
	code, out := f.post(t, "/api/commands/ack", batch, signed(batch))
	require.Equal(t, http.StatusOK, code, out)
	results := out["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, models.StatusDone, results[0].(map[string]any)["status"])
	assert.Equal(t, models.StatusError, results[1].(map[string]any)["status"])
	assert.NotEmpty(t, results[2].(map[string]any)["err"])
}

func TestRenewOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Enqueue(ctx, outbox.EnqueueRequest{Payload: json.RawMessage(`{}`), DedupeKey: "r"})
	require.NoError(t, err)
	_, err = f.svc.Pull(ctx, "edge-1", 1, time.Minute)
	require.NoError(t, err)

	body := `{"id":"` + res.ID + `","lease_s":120}`
	code, out := f.post(t, "/api/commands/renew", body, signed(body, AgentHeader, "edge-1"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["renewed"])

	code, out = f.post(t, "/api/commands/renew", body, signed(body, AgentHeader, "edge-2"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["renewed"])
}

func TestHealthDebugAndShow(t *testing.T) {
	f := newFixture(t, nil)
	code, out := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "abc123", out["commit"])

	res, err := f.svc.Enqueue(context.Background(), outbox.EnqueueRequest{Payload: json.RawMessage(`{"x":1}`), DedupeKey: "d"})
	require.NoError(t, err)

	code, out = f.get(t, "/api/debug/outbox")
	require.Equal(t, http.StatusOK, code)
	snap := out["outbox"].(map[string]any)
	assert.Equal(t, float64(1), snap["depth"].(map[string]any)["pending"])
	assert.Equal(t, float64(1), snap["pending"].(map[string]any)["due"])

	code, out = f.get(t, "/api/commands/"+res.ID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, res.ID, out["command"].(map[string]any)["id"])

	code, _ = f.get(t, "/api/commands/missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHeartbeatOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"agent":"edge-1","ts":1773000000,"latency_ms":37.5}`
	code, out := f.post(t, "/api/heartbeat", body, map[string]string{"X-Outbox-Signature": "bad"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, false, out["ok"])

	code, out = f.post(t, "/api/heartbeat", body, signed(body))
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, true, out["ok"])

	neg := `{"latency_ms":-1}`
	code, _ = f.post(t, "/api/heartbeat", neg, signed(neg, AgentHeader, "edge-2"))
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = f.post(t, "/api/heartbeat", `{}`, signed(`{}`))
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, out = f.get(t, "/api/debug/outbox")
	require.Equal(t, http.StatusOK, code)
	agents := out["outbox"].(map[string]any)["agents"].([]any)
	require.Len(t, agents, 1)
	agent := agents[0].(map[string]any)
	assert.Equal(t, "edge-1", agent["agent_id"])
	assert.Equal(t, 37.5, agent["latency_ms"])
	assert.Equal(t, false, agent["stale"])
}
