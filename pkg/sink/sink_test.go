package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/security"
)

type recordingSink struct {
	name string
	err  error

	mu       sync.Mutex
	payloads []*Payload
	closed   bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, p *Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return r.err
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func result() *agent.RunResult {
	return &agent.RunResult{Success: true, Output: "done", AgentName: "ops", RoleName: "watcher", TokensUsed: 12}
}

func TestDispatcherFansOutAndSwallowsErrors(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("unreachable")}
	d := NewDispatcher([]Sink{bad, ok})

	r := result()
	d.Dispatch(context.Background(), r)

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
	assert.Same(t, r, ok.payloads[0].Result)
	assert.Equal(t, ok.payloads[0].ID, bad.payloads[0].ID, "one payload per dispatch")
	assert.Equal(t, 2, d.Len())

	err := d.Close()
	assert.ErrorContains(t, err, "bad")
	assert.True(t, ok.closed)
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), result())
		assert.Equal(t, 0, d.Len())
		assert.NoError(t, d.Close())
	})
}

func TestDispatchIgnoresCancelledCaller(t *testing.T) {
	s := &recordingSink{name: "ok"}
	d := NewDispatcher([]Sink{s})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Dispatch(ctx, result())
	assert.Equal(t, 1, s.count())
}

func TestWebhookSinkSignsBody(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(security.SignatureHeader)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Team"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Secret: "s3cret", Headers: map[string]string{"X-Team": "abc"}})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), NewPayload(result())))

	assert.True(t, security.VerifySignature("s3cret", gotBody, gotSig))
	var p Payload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, "done", p.Result.Output)
}

func TestWebhookSinkRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{URL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), NewPayload(result())))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSinkDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{URL: srv.URL, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	err = s.Send(context.Background(), NewPayload(result()))
	assert.ErrorContains(t, err, "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookSinkGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{URL: srv.URL, MaxRetries: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	err = s.Send(context.Background(), NewPayload(result()))
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookSinkRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "http://", "::"} {
		_, err := NewWebhookSink(WebhookConfig{URL: u})
		assert.Error(t, err, u)
	}
}

func TestFileSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.jsonl")
	s, err := OpenFileSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Send(context.Background(), NewPayload(result())))
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(context.Background(), NewPayload(result())), os.ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var p Payload
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
		assert.Equal(t, "ops", p.Result.AgentName)
		lines++
	}
	assert.Equal(t, 10, lines)
}

func TestRedisSinkXAdd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSinkFromClient(client, "results", 100)
	defer s.Close()

	p := NewPayload(result())
	require.NoError(t, s.Send(context.Background(), p))

	msgs, err := client.XRange(context.Background(), "results", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, p.ID, msgs[0].Values["id"])
	assert.Equal(t, "ops", msgs[0].Values["agent"])

	var r agent.RunResult
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["result"].(string)), &r))
	assert.Equal(t, "done", r.Output)
}

func TestFromConfigs(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d, err := FromConfigs([]Config{
		{Type: TypeWebhook, URL: srv.URL, AllowPrivate: true},
		{Type: TypeFile, Path: filepath.Join(t.TempDir(), "r.jsonl")},
		{Type: TypeRedis, RedisAddr: mr.Addr()},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
	d.Dispatch(context.Background(), result())
	require.NoError(t, d.Close())

	_, err = FromConfigs([]Config{{Type: TypeFile, Path: filepath.Join(t.TempDir(), "r.jsonl")}, {Type: "kafka"}})
	assert.ErrorContains(t, err, "sink 1")

	_, err = FromConfigs([]Config{{Type: TypeWebhook, URL: srv.URL}})
	assert.ErrorIs(t, err, security.ErrEgressBlocked, "loopback needs allow_private")
}
