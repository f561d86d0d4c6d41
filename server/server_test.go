package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/pkg/ingest"
	"github.com/xhad/sift/pkg/retrieval"
)

type fakeIngester struct {
	mu        sync.Mutex
	submitted [][]string
	err       error
	reports   map[string]ingest.Report
}

func (f *fakeIngester) Submit(ctx context.Context, urls []string) ([]ingest.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one URL is required", models.ErrValidation)
	}
	f.submitted = append(f.submitted, urls)
	subs := make([]ingest.Submission, len(urls))
	for i, u := range urls {
		subs[i] = ingest.Submission{ID: uuid.New(), URL: u, Status: models.StatusPending, Queued: true}
	}
	return subs, nil
}

func (f *fakeIngester) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

func (f *fakeIngester) Lookup(ctx context.Context, url string) (ingest.Report, error) {
	report, ok := f.reports[url]
	if !ok {
		return ingest.Report{}, fmt.Errorf("%w: document %s", models.ErrNotFound, url)
	}
	return report, nil
}

type fakeQuerier struct {
	mu      sync.Mutex
	queries []string
	result  retrieval.Result
	err     error
}

func (f *fakeQuerier) Query(ctx context.Context, query string) (retrieval.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)
	if strings.TrimSpace(query) == "" {
		return retrieval.Result{}, fmt.Errorf("%w: query must be a non-empty string", models.ErrValidation)
	}
	return f.result, f.err
}

func (f *fakeQuerier) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeIngester, *fakeQuerier) {
	t.Helper()

	ing := &fakeIngester{reports: make(map[string]ingest.Report)}
	q := &fakeQuerier{result: retrieval.Result{
		Answer:   "Sift is a pipeline [1].",
		Grounded: true,
		Sources:  []retrieval.Source{{Index: 1, URL: "https://example.com/sift", Similarity: 0.9}},
	}}
	srv := httptest.NewServer(New(ing, q, Config{}).Handler())
	t.Cleanup(srv.Close)
	return srv, ing, q
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestURL(t *testing.T) {
	srv, ing, _ := newTestServer(t)

	resp := post(t, srv.URL+"/api/ingest-url", `{"urls": ["https://example.com/a", "https://example.com/b"]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body ingestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Documents, 2)
	assert.Equal(t, "https://example.com/a", body.Documents[0].URL)
	assert.True(t, body.Documents[0].Queued)
	assert.Equal(t, [][]string{{"https://example.com/a", "https://example.com/b"}}, ing.calls())
}

func TestIngestURLErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed body", `{"urls": `, nil, http.StatusBadRequest},
		{"unknown field", `{"url": "https://example.com"}`, nil, http.StatusBadRequest},
		{"no urls", `{"urls": []}`, nil, http.StatusBadRequest},
		{"store down", `{"urls": ["https://example.com"]}`, fmt.Errorf("failed to register: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ing, _ := newTestServer(t)
			ing.err = tt.err

			resp := post(t, srv.URL+"/api/ingest-url", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestQuery(t *testing.T) {
	srv, _, q := newTestServer(t)

	resp := post(t, srv.URL+"/api/query", `{"query": "what is sift?"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Sift is a pipeline [1].", body["answer"])
	assert.Equal(t, true, body["grounded"])
	assert.Equal(t, false, body["insufficient"])
	assert.Len(t, body["sources"], 1)
	assert.Equal(t, []string{"what is sift?"}, q.calls())
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"empty query", `{"query": ""}`, nil, http.StatusBadRequest},
		{"provider down", `{"query": "q"}`, fmt.Errorf("failed to generate answer: %w", models.ErrProvider), http.StatusBadGateway},
		{"timeout", `{"query": "q"}`, fmt.Errorf("vector search failed: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"store down", `{"query": "q"}`, fmt.Errorf("vector search failed: connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, q := newTestServer(t)
			q.err = tt.err

			resp := post(t, srv.URL+"/api/query", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestQueryInsufficientIsNotAnError(t *testing.T) {
	srv, _, q := newTestServer(t)
	q.result = retrieval.Insufficient()

	resp := post(t, srv.URL+"/api/query", `{"query": "unknown"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body retrieval.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Insufficient)
	assert.Equal(t, retrieval.InsufficientAnswer, body.Answer)
}

func TestDocuments(t *testing.T) {
	srv, ing, _ := newTestServer(t)
	ing.reports["https://example.com/a"] = ingest.Report{
		Document: models.Document{ID: uuid.New(), URL: "https://example.com/a", Status: models.StatusCompleted},
		Chunks:   3, Embedded: 3, Embeddings: 3,
	}

	resp, err := http.Get(srv.URL + "/api/documents?url=https://example.com/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, float64(3), body["chunks"])

	missing, err := http.Get(srv.URL + "/api/documents?url=https://example.com/missing")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	noURL, err := http.Get(srv.URL + "/api/documents")
	require.NoError(t, err)
	defer noURL.Body.Close()
	assert.Equal(t, http.StatusBadRequest, noURL.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/query")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func read(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	var msg Message
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestWebSocketQuery(t *testing.T) {
	srv, _, q := newTestServer(t)
	ws := dial(t, srv)

	require.NoError(t, ws.WriteJSON(Message{Type: "query", Content: "what is sift?"}))

	assert.Equal(t, "status", read(t, ws).Type)
	msg := read(t, ws)
	assert.Equal(t, "response", msg.Type)
	assert.Equal(t, "Sift is a pipeline [1].", msg.Content)
	assert.NotNil(t, msg.Data)
	assert.Equal(t, []string{"what is sift?"}, q.calls())
}

func TestWebSocketSubmitsURLs(t *testing.T) {
	srv, ing, q := newTestServer(t)
	ws := dial(t, srv)

	require.NoError(t, ws.WriteJSON(Message{Type: "query", Content: "https://example.com/docs"}))

	msg := read(t, ws)
	assert.Equal(t, "status", msg.Type)
	assert.Contains(t, msg.Content, "Submitted 1 URL")

	// A bare URL is not also sent as a query.
	require.NoError(t, ws.WriteJSON(Message{Type: "query", Content: "   "}))
	assert.Equal(t, "status", read(t, ws).Type)
	assert.Equal(t, "error", read(t, ws).Type)

	assert.Equal(t, [][]string{{"https://example.com/docs"}}, ing.calls())
	assert.Equal(t, []string{""}, q.calls())
}

func TestWebSocketInvalidMessage(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ws := dial(t, srv)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := read(t, ws)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Content, "invalid message")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(models.ErrValidation))
	assert.Equal(t, http.StatusNotFound, statusFor(models.ErrNotFound))
	assert.Equal(t, http.StatusBadGateway, statusFor(models.ErrParse))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.ErrConflict))
}
