package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/apperr"
	"docqa/internal/corpus"
	"docqa/internal/metadata"
	"docqa/internal/models"
	"docqa/internal/vectorindex"
)

type fakeQuery struct {
	resp  *models.QueryResponse
	err   error
	query string
	k     int
}

func (f *fakeQuery) Query(_ context.Context, query string, k int) (*models.QueryResponse, error) {
	f.query, f.k = query, k
	return f.resp, f.err
}

type fakeIngester struct {
	summary *models.IngestSummary
	err     error
	dir     string
}

func (f *fakeIngester) IngestDir(_ context.Context, dir string) (*models.IngestSummary, error) {
	f.dir = dir
	return f.summary, f.err
}

// blockingQuery waits for its context to end, like a stalled upstream.
type blockingQuery struct{}

func (blockingQuery) Query(ctx context.Context, _ string, _ int) (*models.QueryResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// slowIngester ignores its context and finishes after delay, unless block is set.
type slowIngester struct {
	delay time.Duration
	block bool
}

func (s slowIngester) IngestDir(ctx context.Context, _ string) (*models.IngestSummary, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(s.delay)
	return &models.IngestSummary{Generation: "gen-slow", ChunkCount: 1, Persisted: true}, nil
}

func loadedHandle(t *testing.T) *corpus.Handle {
	t.Helper()
	idx := vectorindex.New()
	require.NoError(t, idx.Add([][]float32{{1, 2}}))
	meta := metadata.New()
	meta.Next("chunk", "a.pdf", time.Now())
	c, err := corpus.New("gen-1", time.Now(), idx, meta)
	require.NoError(t, err)
	return corpus.NewHandle(c)
}

func newTestServer(q QueryService, ing Ingester, h *corpus.Handle) *Server {
	logger := zerolog.Nop()
	return New(Deps{Query: q, Ingest: ing, Handle: h, DocumentsDir: "Documents", Logger: &logger})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// serveHTTP runs the handler behind a real http.Server with the given write deadline.
func serveHTTP(t *testing.T, s *Server, writeTimeout time.Duration) *httptest.Server {
	t.Helper()
	ts := httptest.NewUnstartedServer(s.Handler())
	ts.Config.WriteTimeout = writeTimeout
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestQuery_Success(t *testing.T) {
	q := &fakeQuery{resp: &models.QueryResponse{
		Answer:    "Forty two.",
		Citations: []models.Citation{{Text: "the answer is 42", Source: "guide.pdf"}},
	}}
	s := newTestServer(q, &fakeIngester{}, loadedHandle(t))

	rec := do(t, s, http.MethodPost, "/query", `{"query":"what is the answer?","top_k":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"answer":"Forty two.","citations":[{"text":"the answer is 42","source":"guide.pdf"}]}`, rec.Body.String())
	assert.Equal(t, "what is the answer?", q.query)
	assert.Equal(t, 3, q.k)
}

func TestQuery_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"not json", `query=hello`},
		{"missing query", `{}`},
		{"top_k too large", `{"query":"q","top_k":500}`},
		{"negative top_k", `{"query":"q","top_k":-1}`},
		{"query too long", `{"query":"` + strings.Repeat("x", 5000) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuery{}
			s := newTestServer(q, &fakeIngester{}, loadedHandle(t))
			rec := do(t, s, http.MethodPost, "/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation", decodeError(t, rec).Error)
			assert.Empty(t, q.query)
		})
	}
}

func TestQuery_ErrorKinds(t *testing.T) {
	tests := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.KindNotReady, http.StatusServiceUnavailable},
		{apperr.KindUpstreamTimeout, http.StatusGatewayTimeout},
		{apperr.KindEmbedding, http.StatusBadGateway},
		{apperr.KindGeneration, http.StatusBadGateway},
		{apperr.KindDimensionMismatch, http.StatusInternalServerError},
		{apperr.KindInvariantViolation, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			q := &fakeQuery{err: apperr.New(tt.kind, "something went wrong")}
			rec := do(t, newTestServer(q, &fakeIngester{}, loadedHandle(t)), http.MethodPost, "/query", `{"query":"q"}`)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, string(tt.kind), body.Error)
			assert.Equal(t, "something went wrong", body.Message)
		})
	}
}

func TestQuery_TimeoutCarriesRetryAfter(t *testing.T) {
	q := &fakeQuery{err: apperr.New(apperr.KindUpstreamTimeout, "slow")}
	rec := do(t, newTestServer(q, &fakeIngester{}, loadedHandle(t)), http.MethodPost, "/query", `{"query":"q"}`)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestQuery_InternalErrorsAreMasked(t *testing.T) {
	q := &fakeQuery{err: context.DeadlineExceeded}
	rec := do(t, newTestServer(q, &fakeIngester{}, loadedHandle(t)), http.MethodPost, "/query", `{"query":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "internal", body.Error)
	assert.Equal(t, "internal error", body.Message)
}

func TestIngest(t *testing.T) {
	ing := &fakeIngester{summary: &models.IngestSummary{Generation: "gen-2", DocumentCount: 2, ChunkCount: 7, Persisted: true}}
	rec := do(t, newTestServer(&fakeQuery{}, ing, corpus.NewHandle(nil)), http.MethodPost, "/ingest", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Documents", ing.dir)
	var summary models.IngestSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 7, summary.ChunkCount)
	assert.True(t, summary.Persisted)
}

func TestIngest_Busy(t *testing.T) {
	ing := &fakeIngester{err: apperr.New(apperr.KindBusy, "an ingestion is already running")}
	rec := do(t, newTestServer(&fakeQuery{}, ing, corpus.NewHandle(nil)), http.MethodPost, "/ingest", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "busy", decodeError(t, rec).Error)
}

func TestHealthAndReadiness(t *testing.T) {
	empty := newTestServer(&fakeQuery{}, &fakeIngester{}, corpus.NewHandle(nil))

	rec := do(t, empty, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, empty, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", decodeError(t, rec).Error)

	loaded := newTestServer(&fakeQuery{}, &fakeIngester{}, loadedHandle(t))
	rec = do(t, loaded, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"generation":"gen-1"`)
}

func TestInfo(t *testing.T) {
	rec := do(t, newTestServer(&fakeQuery{}, &fakeIngester{}, loadedHandle(t)), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Contains(t, info["message"], "/query")
	assert.Equal(t, true, info["ready"])
	assert.Equal(t, "gen-1", info["generation"])
}

func TestQuery_DeadlineReachesClientBeforeWriteTimeout(t *testing.T) {
	logger := zerolog.Nop()
	s := New(Deps{Query: blockingQuery{}, Ingest: &fakeIngester{}, Handle: loadedHandle(t), Logger: &logger,
		QueryTimeout: 50 * time.Millisecond})
	ts := serveHTTP(t, s, 300*time.Millisecond)

	resp, err := ts.Client().Post(ts.URL+"/query", "application/json", strings.NewReader(`{"query":"q"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "upstream_timeout", body.Error)
	assert.InDelta(t, 0.05, body.Details["timeout_seconds"], 1e-9)
}

func TestIngest_OutlastsServerWriteTimeout(t *testing.T) {
	logger := zerolog.Nop()
	s := New(Deps{Query: &fakeQuery{}, Ingest: slowIngester{delay: 300 * time.Millisecond}, Handle: corpus.NewHandle(nil),
		Logger: &logger, IngestTimeout: 5 * time.Second})
	ts := serveHTTP(t, s, 100*time.Millisecond)

	resp, err := ts.Client().Post(ts.URL+"/ingest", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary models.IngestSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, "gen-slow", summary.Generation)
}

func TestIngest_DeadlineIsUpstreamTimeout(t *testing.T) {
	logger := zerolog.Nop()
	s := New(Deps{Query: &fakeQuery{}, Ingest: slowIngester{block: true}, Handle: corpus.NewHandle(nil),
		Logger: &logger, IngestTimeout: 50 * time.Millisecond})

	rec := do(t, s, http.MethodPost, "/ingest", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "upstream_timeout", decodeError(t, rec).Error)
}
