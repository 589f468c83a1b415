package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// stubTrigger answers Trigger with a fixed run or error.
type stubTrigger struct {
	mu     sync.Mutex
	run    *Run
	err    error
	pushes []PushEvent
}

func (s *stubTrigger) Trigger(_ context.Context, event PushEvent) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, event)
	if s.err != nil {
		return nil, s.err
	}
	return s.run, nil
}

func (s *stubTrigger) received() []PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PushEvent(nil), s.pushes...)
}

func newTestReceiver(t *testing.T, trigger RunTrigger, opts ...ReceiverOption) *Receiver {
	t.Helper()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewReceiver(trigger, append([]ReceiverOption{WithReceiverLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	return r
}

func postPush(r *Receiver, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/push", bytes.NewReader([]byte(body)))
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const mainPushBody = `{"repo":"mindmirror/platform","branch":"main",` +
	`"commit":"9f2c1aa8e4b7d3f5a1c6e2d8b4f7a3c5e1d9b6f2","author":"dev@mindmirror.app"}`

func TestReceiverAcceptsMappedPush(t *testing.T) {
	run, err := NewRun(pushEvent())
	require.NoError(t, err)
	stub := &stubTrigger{run: run}
	r := newTestReceiver(t, stub)

	rec := postPush(r, mainPushBody, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, run.ID, resp["run_id"])
	assert.Equal(t, "staging", resp["environment"])

	pushes := stub.received()
	require.Len(t, pushes, 1)
	assert.Equal(t, "mindmirror/platform", pushes[0].Repo)
	assert.Equal(t, "main", pushes[0].Branch)
}

func TestReceiverIgnoresUnmappedPush(t *testing.T) {
	stub := &stubTrigger{}
	r := newTestReceiver(t, stub)

	rec := postPush(r, `{"repo":"mindmirror/platform","branch":"feature/streaks","commit":"abc1234"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "ignored", resp["status"])
	assert.Empty(t, stub.received())
}

func TestReceiverRejectsNonPost(t *testing.T) {
	r := newTestReceiver(t, &stubTrigger{})

	req := httptest.NewRequest(http.MethodGet, "/hooks/push", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestReceiverRateLimits(t *testing.T) {
	run, err := NewRun(pushEvent())
	require.NoError(t, err)
	r := newTestReceiver(t, &stubTrigger{run: run}, WithWebhookRateLimit(1, 1))

	first := postPush(r, mainPushBody, nil)
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := postPush(r, mainPushBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestReceiverToken(t *testing.T) {
	run, err := NewRun(pushEvent())
	require.NoError(t, err)
	stub := &stubTrigger{run: run}
	r := newTestReceiver(t, stub, WithWebhookToken("hook-secret"))

	missing := postPush(r, mainPushBody, nil)
	assert.Equal(t, http.StatusUnauthorized, missing.Code)

	wrong := postPush(r, mainPushBody, map[string]string{WebhookTokenHeader: "guess"})
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Empty(t, stub.received())

	right := postPush(r, mainPushBody, map[string]string{WebhookTokenHeader: "hook-secret"})
	assert.Equal(t, http.StatusAccepted, right.Code)
}

func TestReceiverMalformedBody(t *testing.T) {
	r := newTestReceiver(t, &stubTrigger{})

	rec := postPush(r, `{"repo":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "malformed push event", resp["error"])
}

func TestReceiverTriggerErrors(t *testing.T) {
	stub := &stubTrigger{err: errors.WrapInvalid(errors.ErrInvalidData, "Pipeline", "NewRun",
		"push event must carry repo, branch, and commit")}
	r := newTestReceiver(t, stub)

	invalid := postPush(r, mainPushBody, nil)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)

	stub.err = errors.WrapTransient(errors.ErrRateLimited, "Pipeline", "Submit", "queue run")
	busy := postPush(r, mainPushBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, busy.Code)
	assert.Equal(t, "pipeline busy", decodeBody(t, busy)["error"])

	stub.err = stderrors.New("kv gone")
	down := postPush(r, mainPushBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, down.Code)
}

func TestNewReceiverValidation(t *testing.T) {
	_, err := NewReceiver(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewReceiver(&stubTrigger{}, WithWebhookToken(""))
	require.Error(t, err)

	_, err = NewReceiver(&stubTrigger{}, WithWebhookRateLimit(0, 0))
	require.Error(t, err)
}
