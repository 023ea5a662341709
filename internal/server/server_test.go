package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookwire/hookwire/internal/control"
	"github.com/hookwire/hookwire/internal/filter"
	"github.com/hookwire/hookwire/internal/pipeline"
	"github.com/hookwire/hookwire/internal/ratelimit"
	"github.com/hookwire/hookwire/internal/storage"
	"github.com/hookwire/hookwire/internal/types"
)

type fakeEvaluator struct{}

func (fakeEvaluator) Evaluate(_ context.Context, _ string, payload []byte) filter.Result {
	return filter.Result{Produced: payload}
}

type fakeDeliverer struct {
	offline   bool
	delivered []string
}

func (f *fakeDeliverer) Inject(_ string, content []byte) (bool, error) {
	if f.offline {
		return false, nil
	}
	f.delivered = append(f.delivered, string(content))
	return true, nil
}

type testEnv struct {
	ts       *httptest.Server
	store    *storage.Store
	del      *fakeDeliverer
	notifier *control.Notifier
	pipe     *pipeline.Pipeline
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	del := &fakeDeliverer{}
	pipe := pipeline.New(store, fakeEvaluator{}, del)
	notifier := control.NewNotifier()
	registry := control.NewRegistry(store, nil, 7842)

	srv := New(7842, pipe, registry, notifier, limiter)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: store, del: del, notifier: notifier, pipe: pipe}
}

func createSub(t *testing.T, env *testEnv, sub *types.Subscription) *types.Subscription {
	t.Helper()
	if sub.SessionID == "" {
		sub.SessionID = "sess-1"
	}
	require.NoError(t, env.store.CreateSubscription(context.Background(), sub))
	return sub
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postJSON(t *testing.T, url string, body []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
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
	return resp, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "hookwire", out["server"])
	_, err = time.Parse(time.RFC3339, out["timestamp"])
	assert.NoError(t, err)
}

func TestWebhookValidSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := createSub(t, env, &types.Subscription{Secret: "abc", ServiceTag: "github"})

	body := []byte(`{"ref":"refs/heads/main"}`)
	resp, out := postJSON(t, env.ts.URL+"/webhook/"+sub.ID, body, map[string]string{
		"X-Hub-Signature-256": sign("abc", body),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", out["status"])
	require.Len(t, env.del.delivered, 1)
	assert.Contains(t, env.del.delivered[0], `"refs/heads/main"`)
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := createSub(t, env, &types.Subscription{Secret: "abc"})

	resp, out := postJSON(t, env.ts.URL+"/webhook/"+sub.ID, []byte(`{}`), map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "invalid_signature", out["error"])
	assert.Empty(t, env.del.delivered)
}

func TestWebhookUnknownSubscription(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, out := postJSON(t, env.ts.URL+"/webhook/nope", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", out["error"])
}

func TestWebhookPausedSubscription(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := createSub(t, env, &types.Subscription{})
	require.NoError(t, env.store.SetStatus(context.Background(), sub.ID, types.StatusPaused))

	resp, out := postJSON(t, env.ts.URL+"/webhook/"+sub.ID, []byte(`{}`), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "paused", out["error"])
}

func TestWebhookRateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.New(2, time.Minute))
	sub := createSub(t, env, &types.Subscription{})

	url := env.ts.URL + "/webhook/" + sub.ID
	for i := 0; i < 2; i++ {
		resp, _ := postJSON(t, url, []byte(`{}`), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, out := postJSON(t, url, []byte(`{}`), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", out["error"])
}

func TestWebhookOfflineSessionStillAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.del.offline = true
	sub := createSub(t, env, &types.Subscription{})

	resp, out := postJSON(t, env.ts.URL+"/webhook/"+sub.ID, []byte(`{"n":1}`), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", out["status"])

	queued, err := env.store.ListQueuedForSession(context.Background(), sub.SessionID)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func rpcCall(t *testing.T, env *testEnv, body string) map[string]any {
	t.Helper()
	resp, out := postJSON(t, env.ts.URL+"/mcp", []byte(body), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return out
}

func TestRPCToolCall(t *testing.T) {
	env := newTestEnv(t, nil)
	out := rpcCall(t, env, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"create_subscription","arguments":{"session_id":"sess-1"}}}`)

	require.Nil(t, out["error"])
	assert.EqualValues(t, 1, out["id"])
	result := out["result"].(map[string]any)
	assert.NotEmpty(t, result["id"])
	assert.Contains(t, result["webhook_url"], "/webhook/")
}

func TestRPCBareMethodName(t *testing.T) {
	env := newTestEnv(t, nil)
	createSub(t, env, &types.Subscription{})

	out := rpcCall(t, env, `{"jsonrpc":"2.0","id":"a","method":"list_subscriptions","params":{}}`)
	require.Nil(t, out["error"])
	result := out["result"].(map[string]any)
	assert.Len(t, result["subscriptions"], 1)
}

func TestRPCParseError(t *testing.T) {
	env := newTestEnv(t, nil)
	out := rpcCall(t, env, `{not json`)
	rpcErr := out["error"].(map[string]any)
	assert.EqualValues(t, -32700, rpcErr["code"])
	assert.Nil(t, out["id"], "unrecoverable errors carry a null id")
}

func TestRPCUnknownMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	out := rpcCall(t, env, `{"jsonrpc":"2.0","id":7,"method":"no_such_tool"}`)
	rpcErr := out["error"].(map[string]any)
	assert.EqualValues(t, -32601, rpcErr["code"])
	assert.EqualValues(t, 7, out["id"])
}

func TestRPCInternalError(t *testing.T) {
	env := newTestEnv(t, nil)
	out := rpcCall(t, env, `{"jsonrpc":"2.0","id":2,"method":"update_subscription","params":{"id":"absent","prompt":"x"}}`)
	rpcErr := out["error"].(map[string]any)
	assert.EqualValues(t, -32603, rpcErr["code"])
	assert.Contains(t, rpcErr["message"], "not found")
}

func TestRPCToolsList(t *testing.T) {
	env := newTestEnv(t, nil)
	out := rpcCall(t, env, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	require.Nil(t, out["error"])
	result := out["result"].(map[string]any)
	assert.Contains(t, result["tools"], "create_subscription")
	assert.Contains(t, result["tools"], "get_tunnel_status")
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/mcp", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	// Sink registration races the first read; wait until attached.
	require.Eventually(t, func() bool { return env.notifier.SinkCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.notifier.Publish("subscriptions_changed", map[string]string{"reason": "test"})

	deadline := time.After(3 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: ") {
				got <- strings.TrimSpace(strings.TrimPrefix(line, "event: "))
				return
			}
		}
	}()

	select {
	case event := <-got:
		assert.Equal(t, "subscriptions_changed", event)
	case <-deadline:
		t.Fatal("timed out waiting for SSE event")
	}
}
