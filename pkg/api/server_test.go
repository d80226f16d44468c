package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tabula/pkg/agent"
)

type mockAsker struct {
	mu   sync.Mutex
	reqs []agent.Request
	out  *agent.Outcome
	err  error
}

func (m *mockAsker) Run(_ context.Context, req agent.Request) (*agent.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return m.out, m.err
}

func (m *mockAsker) requests() []agent.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.Request(nil), m.reqs...)
}

type mockCatalog struct {
	tables []agent.TableMetadata
	err    error
}

func (m *mockCatalog) Get(_ context.Context, id string) (agent.TableMetadata, error) {
	for _, t := range m.tables {
		if t.ID == id {
			return t, nil
		}
	}
	return agent.TableMetadata{}, fmt.Errorf("get %q: %w", id, agent.ErrUnknownTable)
}

func (m *mockCatalog) List(context.Context) ([]agent.TableMetadata, error) {
	return m.tables, m.err
}

func newTestServer(t *testing.T, asker Asker, catalog agent.Catalog) *httptest.Server {
	t.Helper()
	s, err := New(Config{
		Logger:  slog.New(slog.DiscardHandler),
		Asker:   asker,
		Catalog: catalog,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestTabula_API_Ask(t *testing.T) {
	t.Parallel()

	asker := &mockAsker{out: &agent.Outcome{
		TurnID: "turn-1",
		State:  agent.StateDone,
		Intent: agent.IntentQuery,
		Answer: "total: 150",
	}}
	ts := newTestServer(t, asker, &mockCatalog{})

	resp, err := http.Post(ts.URL+"/api/ask", "application/json", strings.NewReader(`{"question":"What were total sales?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "DONE", body["state"])
	assert.Equal(t, "total: 150", body["answer"])
	assert.NotContains(t, body, "error")

	reqs := asker.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "What were total sales?", reqs[0].Question)
	assert.Empty(t, reqs[0].Intent)
	assert.NotEmpty(t, reqs[0].TurnID)
}

func TestTabula_API_AskPinnedTable(t *testing.T) {
	t.Parallel()

	asker := &mockAsker{out: &agent.Outcome{State: agent.StateDone}}
	ts := newTestServer(t, asker, &mockCatalog{})

	resp, err := http.Post(ts.URL+"/api/ask", "application/json", strings.NewReader(`{"table":"sales"}`))
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	reqs := asker.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, agent.IntentSummarize, reqs[0].Intent)
	assert.Equal(t, "sales", reqs[0].Table)
}

func TestTabula_API_AskFailure(t *testing.T) {
	t.Parallel()

	failure := &agent.Failure{
		Kind:       agent.KindNoRelevantData,
		Diagnostic: "No tables in the knowledge base look relevant to this question.",
		Err:        fmt.Errorf("secret detail: %w", agent.ErrNoRelevantData),
	}
	asker := &mockAsker{
		out: &agent.Outcome{State: agent.StateFailed, Failure: failure},
		err: failure,
	}
	ts := newTestServer(t, asker, &mockCatalog{})

	resp, err := http.Post(ts.URL+"/api/ask", "application/json", strings.NewReader(`{"question":"weather in Paris?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body AskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, agent.KindNoRelevantData, body.Error.Kind)
	assert.NotContains(t, body.Error.Diagnostic, "secret")
}

func TestTabula_API_AskBadRequests(t *testing.T) {
	t.Parallel()

	asker := &mockAsker{}
	ts := newTestServer(t, asker, &mockCatalog{})

	for _, body := range []string{`not json`, `{}`, `{"question":"q","intent":"dance"}`} {
		resp, err := http.Post(ts.URL+"/api/ask", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, asker.requests())
}

func TestTabula_API_Tables(t *testing.T) {
	t.Parallel()

	catalog := &mockCatalog{tables: []agent.TableMetadata{
		{ID: "customers", Dataset: "retail", Columns: []agent.Column{{Name: "id", Type: "INTEGER"}}},
		{ID: "sales", Dataset: "retail", Columns: []agent.Column{{Name: "amount", Type: "DOUBLE"}}},
	}}
	ts := newTestServer(t, &mockAsker{}, catalog)

	resp, err := http.Get(ts.URL + "/api/tables")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list TablesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Tables, 2)
	assert.Equal(t, "customers", list.Tables[0].ID)

	resp2, err := http.Get(ts.URL + "/api/tables/sales")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var table agent.TableMetadata
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&table))
	assert.Equal(t, "amount", table.Columns[0].Name)

	resp3, err := http.Get(ts.URL + "/api/tables/missing")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestTabula_API_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &mockAsker{}, &mockCatalog{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTabula_API_ServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	s, err := New(Config{
		Logger:  slog.New(slog.DiscardHandler),
		Asker:   &mockAsker{},
		Catalog: &mockCatalog{},
	})
	require.NoError(t, err)

	ln, err := (&net.ListenConfig{}).Listen(t.Context(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
