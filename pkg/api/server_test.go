package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/pkg/artifacts"
	"github.com/regentlabs/regent/pkg/auth"
	"github.com/regentlabs/regent/pkg/databrain"
	"github.com/regentlabs/regent/pkg/lifecycle"
	"github.com/regentlabs/regent/pkg/metering"
	"github.com/regentlabs/regent/pkg/outbox"
	"github.com/regentlabs/regent/pkg/policy"
	"github.com/regentlabs/regent/pkg/realm"
	"github.com/regentlabs/regent/pkg/state"
	"github.com/regentlabs/regent/pkg/tenants"
	"github.com/regentlabs/regent/pkg/wal"
)

type discardEval struct{}

func (discardEval) Evaluate(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Discard, nil
}

func newTestServer(t *testing.T, h realm.HandlerFunc) *Server {
	t.Helper()

	registry := realm.NewRegistry()
	require.NoError(t, registry.Register(realm.Descriptor{
		IntentType: "report.generate",
		Realm:      "reporting",
		Version:    "1.0.0",
	}, h))

	log := wal.NewMemoryLog()
	box := outbox.NewMemoryStore()
	guard := tenants.NewGuard()
	hot := state.NewMemoryHot(time.Minute)
	t.Cleanup(hot.Close)

	manager := lifecycle.NewManager(lifecycle.DefaultConfig(), lifecycle.Deps{
		Registry:  registry,
		Log:       log,
		Committer: lifecycle.NewMemoryCommitter(log, box),
		Surface:   state.NewSurface(hot, state.NewMemoryCold(), guard),
		Policy:    discardEval{},
		Artifacts: artifacts.NewStore(artifacts.NewMemoryBlobStore()),
		Brain:     databrain.NewMemoryStore(),
		Meter:     metering.NewMemoryMeter(),
		Guard:     guard,
	})
	t.Cleanup(manager.Close)

	srv := NewServer(manager, nil)
	srv.KeepAliveInterval = 0
	return srv
}

func asTenant(r *http.Request, tenantID string) *http.Request {
	ctx := auth.WithPrincipal(r.Context(), &auth.ContractPrincipal{ID: "user-1", TenantID: tenantID})
	return r.WithContext(ctx)
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"intent_type": "report.generate",
		"session_id":  "sess-1",
		"parameters":  map[string]any{"period": "2026-08"},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(raw)
}

func TestSubmitAndStatus(t *testing.T) {
	srv := newTestServer(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return &realm.Output{}, nil
	})
	mux := srv.Routes()

	req := asTenant(httptest.NewRequest(http.MethodPost, "/v1/intents", submitBody(t)), "acme")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ExecutionID)

	// Submission is asynchronous; poll until terminal.
	deadline := time.Now().Add(2 * time.Second)
	var exec lifecycle.Execution
	for {
		req = asTenant(httptest.NewRequest(http.MethodGet, "/v1/executions/"+resp.ExecutionID, nil), "acme")
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
		if exec.State.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, lifecycle.StateCompleted, exec.State)
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return &realm.Output{}, nil
	})

	req := asTenant(httptest.NewRequest(http.MethodPost, "/v1/intents", strings.NewReader(`{"intent_type":`)), "acme")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestSubmitWithoutPrincipal(t *testing.T) {
	srv := newTestServer(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return &realm.Output{}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/intents", submitBody(t))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitIdempotencyKeyHeader(t *testing.T) {
	srv := newTestServer(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return &realm.Output{}, nil
	})
	mux := srv.Routes()

	submit := func() string {
		req := asTenant(httptest.NewRequest(http.MethodPost, "/v1/intents", submitBody(t)), "acme")
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp submitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.ExecutionID
	}

	first := submit()
	second := submit()
	assert.Equal(t, first, second)
}

func TestStatusTenantMismatchIs404(t *testing.T) {
	srv := newTestServer(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return &realm.Output{}, nil
	})
	mux := srv.Routes()

	req := asTenant(httptest.NewRequest(http.MethodPost, "/v1/intents", submitBody(t)), "acme")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	req = asTenant(httptest.NewRequest(http.MethodGet, "/v1/executions/"+resp.ExecutionID, nil), "rival")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStreamsTransitionsUntilTerminal(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		<-release
		return &realm.Output{}, nil
	})

	principal := &auth.ContractPrincipal{ID: "user-1", TenantID: "acme"}
	withPrincipal := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
	ts := httptest.NewServer(withPrincipal(srv.Routes()))
	defer ts.Close()

	body := submitBody(t)
	resp, err := http.Post(ts.URL+"/v1/intents", "application/json", body)
	require.NoError(t, err)
	var sub submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	_ = resp.Body.Close()

	stream, err := http.Get(ts.URL + "/v1/executions/" + sub.ExecutionID + "/events")
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	close(release)

	var transitions []lifecycle.Transition
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var tr lifecycle.Transition
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &tr))
		transitions = append(transitions, tr)
	}

	require.NotEmpty(t, transitions)
	assert.Equal(t, lifecycle.StateCompleted, transitions[len(transitions)-1].To)
}
