package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/gateway"
	"github.com/fyrsmithlabs/recalld/internal/policy"
	"github.com/fyrsmithlabs/recalld/internal/ratelimit"
	"github.com/fyrsmithlabs/recalld/internal/retention"
	"github.com/fyrsmithlabs/recalld/internal/solution"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorindex"
)

func newTestServer(t *testing.T, minuteCap int) *Server {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "solutions.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	idx := vectorindex.NewMemoryIndex(nil)

	for i := 0; i < 3; i++ {
		s, err := solution.New("errors", fmt.Sprintf("query %d", i), fmt.Sprintf("answer %d", i), 0.5)
		require.NoError(t, err)
		require.NoError(t, st.Insert(context.Background(), s))
		vec := make([]float32, 3)
		vec[i] = 1
		require.NoError(t, idx.Insert(context.Background(), "errors", s.EmbeddingRef, vec))
	}

	rules, err := policy.NewRules([]string{"errors"}, policy.DefaultMaxPayloadBytes)
	require.NoError(t, err)
	gw := gateway.New(rules, ratelimit.NewLimiter(minuteCap, 1000), idx, st)

	engine, err := retention.NewEngine(st, idx, retention.Config{Collections: []string{"errors"}})
	require.NoError(t, err)
	scheduler, err := retention.NewScheduler(engine)
	require.NoError(t, err)

	srv, err := NewServer(gw, scheduler, zap.NewNop(), nil)
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, 60)
	rec := doRequest(srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, 60)
	rec := doRequest(srv, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSearchHappyPath(t *testing.T) {
	srv := newTestServer(t, 60)
	rec := doRequest(srv, http.MethodPost, "/api/v1/search", "client-a",
		`{"collection":"errors","query_vector":[1,0,0],"limit":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp gateway.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)
	assert.True(t, resp.HasMore)
}

func TestSearchWithoutBearerTokenIsUnauthorized(t *testing.T) {
	srv := newTestServer(t, 60)
	rec := doRequest(srv, http.MethodPost, "/api/v1/search", "",
		`{"collection":"errors","query_vector":[1,0,0]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchRejectionStatuses(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown collection", `{"collection":"secrets","query_vector":[1,0,0]}`, http.StatusBadRequest},
		{"malicious query text", `{"collection":"errors","query_text":"<script>alert(1)</script>"}`, http.StatusBadRequest},
		{"no query", `{"collection":"errors"}`, http.StatusBadRequest},
		{"malformed json", `{"collection":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, 60)
			rec := doRequest(srv, http.MethodPost, "/api/v1/search", "client-a", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSearchRateLimitedGets429WithRetryAfter(t *testing.T) {
	srv := newTestServer(t, 2)
	body := `{"collection":"errors","query_vector":[1,0,0],"limit":1}`

	for i := 0; i < 2; i++ {
		rec := doRequest(srv, http.MethodPost, "/api/v1/search", "greedy", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(srv, http.MethodPost, "/api/v1/search", "greedy", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Positive(t, resp.RetryAfterSeconds)
}

func TestRetentionRunEndpoint(t *testing.T) {
	srv := newTestServer(t, 60)
	rec := doRequest(srv, http.MethodPost, "/api/v1/retention/run", "operator", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RetentionRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Passes, 4)
	assert.Zero(t, resp.Removed, "fresh healthy store should lose nothing")
}

func TestRetentionRunWithoutScheduler(t *testing.T) {
	srv := newTestServer(t, 60)
	srv.scheduler = nil
	rec := doRequest(srv, http.MethodPost, "/api/v1/retention/run", "operator", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, nil, zap.NewNop(), nil)
	assert.Error(t, err)
}
