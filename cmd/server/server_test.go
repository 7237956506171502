package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinxiao27/collabdoc/engine"
	"github.com/kevinxiao27/collabdoc/internal/config"
	"github.com/kevinxiao27/collabdoc/ol"
)

type fakeRelay struct {
	mu        sync.Mutex
	published []ol.Operation
	deliver   map[string]func(ol.Operation)
}

func (f *fakeRelay) Publish(_ context.Context, _ string, op ol.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, op)
	return nil
}

func (f *fakeRelay) Subscribe(_ context.Context, docID string, deliver func(ol.Operation)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliver == nil {
		f.deliver = make(map[string]func(ol.Operation))
	}
	f.deliver[docID] = deliver
}

func newTestServer(t *testing.T, store SnapshotStore, relay Relay) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultEngine()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if store == nil {
		store = newMemoryStore()
	}
	server := NewServer(context.Background(), cfg, "instance-1", store, relay)
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return server, ts
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getDoc(t *testing.T, url string) DocumentResponse {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DocumentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEmptyDocument(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	doc := getDoc(t, ts.URL+"/docs/notes")
	assert.Equal(t, "", doc.Content)
	assert.Empty(t, doc.Spans)
}

func TestEditEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{Action: "insert", Pos: 0, Text: "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{Action: "insert", Pos: 1, Text: "World"})
	postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{
		Action: "format", Pos: 1, Len: 1,
		Attributes: ol.Attrs(map[string]ol.Value{"bold": ol.Bool(true)}),
	})

	doc := getDoc(t, ts.URL+"/docs/notes")
	assert.Equal(t, "HelloWorld", doc.Content)
	require.Len(t, doc.Spans, 2)
	bold, ok := doc.Spans[1].Attributes.Get("bold")
	require.True(t, ok)
	assert.Equal(t, ol.Bool(true), bold)
	assert.Contains(t, doc.Version, "instance-1")

	resp = postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{Action: "delete", Pos: 7})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{Action: "splice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOperationEndpoint(t *testing.T) {
	relay := &fakeRelay{}
	_, ts := newTestServer(t, nil, relay)

	op := ol.Operation{ID: "a1", Type: ol.Insert, Content: "hi", Timestamp: 1, Author: "A"}
	resp := postJSON(t, ts.URL+"/docs/notes/ops", op)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, "hi", getDoc(t, ts.URL+"/docs/notes").Content)
	relay.mu.Lock()
	assert.Len(t, relay.published, 1)
	relay.mu.Unlock()

	resp = postJSON(t, ts.URL+"/docs/notes/ops", ol.Operation{ID: "bad", Type: ol.Insert})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayDeliveryAppliesOperation(t *testing.T) {
	relay := &fakeRelay{}
	_, ts := newTestServer(t, nil, relay)
	getDoc(t, ts.URL+"/docs/notes")

	relay.mu.Lock()
	deliver := relay.deliver["notes"]
	relay.mu.Unlock()
	require.NotNil(t, deliver)

	deliver(ol.Operation{ID: "r1", Type: ol.Insert, Content: "remote", Timestamp: 1, Author: "R"})
	assert.Equal(t, "remote", getDoc(t, ts.URL+"/docs/notes").Content)
}

func TestSnapshotAndMerge(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	postJSON(t, ts.URL+"/docs/left/edit", DocumentRequest{Action: "insert", Text: "shared"})

	resp, err := http.Get(ts.URL + "/docs/left/snapshot")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "application/cbor", resp.Header.Get("Content-Type"))

	merge, err := http.Post(ts.URL+"/docs/right/merge", "application/cbor", bytes.NewReader(data))
	require.NoError(t, err)
	merge.Body.Close()
	assert.Equal(t, http.StatusOK, merge.StatusCode)
	assert.Equal(t, "shared", getDoc(t, ts.URL+"/docs/right").Content)

	bad, err := http.Post(ts.URL+"/docs/right/merge", "application/cbor", strings.NewReader("garbage"))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestDebugEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{Action: "insert", Text: "inspect me"})

	resp, err := http.Get(ts.URL + "/docs/notes/debug")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "inspect me")
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{Action: "insert", Text: "count me"})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `collabdoc_document_operations{doc="notes"} 1`)
	assert.Contains(t, text, `collabdoc_document_visible_items{doc="notes"}`)
	assert.Contains(t, text, `collabdoc_http_requests_total{method="POST",route="edit"} 1`)
}

// gatedStore blocks Load for one document until the gate is opened.
type gatedStore struct {
	*memoryStore
	slow    string
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, docID string) ([]byte, error) {
	if docID == g.slow {
		g.entered <- struct{}{}
		<-g.gate
	}
	return g.memoryStore.Load(ctx, docID)
}

func TestOpeningDocumentDoesNotBlockOthers(t *testing.T) {
	store := &gatedStore{
		memoryStore: newMemoryStore(),
		slow:        "slow",
		entered:     make(chan struct{}, 2),
		gate:        make(chan struct{}),
	}
	server, _ := newTestServer(t, store, nil)

	opened := make(chan *engine.Engine, 2)
	for i := 0; i < 2; i++ {
		go func() {
			doc, err := server.getDocument("slow")
			assert.NoError(t, err)
			opened <- doc
		}()
	}
	<-store.entered

	fast := make(chan error, 1)
	go func() {
		_, err := server.getDocument("fast")
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("opening one document waited on another document's store load")
	}

	close(store.gate)
	first, second := <-opened, <-opened
	assert.Same(t, first, second, "racing opens share one engine")
}

func TestDocumentsSurviveRestart(t *testing.T) {
	store := newMemoryStore()
	first, ts := newTestServer(t, store, nil)
	postJSON(t, ts.URL+"/docs/notes/edit", DocumentRequest{Action: "insert", Text: "kept"})
	first.Close()
	require.NoError(t, first.SaveAll(context.Background()))

	_, ts2 := newTestServer(t, store, nil)
	assert.Equal(t, "kept", getDoc(t, ts2.URL+"/docs/notes").Content)
}

func dial(t *testing.T, ts *httptest.Server, doc string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?doc=" + doc
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var init WSMessage
	require.NoError(t, conn.ReadJSON(&init))
	require.Equal(t, "init", init.Type)
	return conn
}

func TestWebSocketFanOut(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	sender := dial(t, ts, "live")
	receiver := dial(t, ts, "live")

	op := ol.Operation{ID: "w1", Type: ol.Insert, Content: "typed", Timestamp: 1, Author: "W"}
	require.NoError(t, sender.WriteJSON(WSMessage{Type: "op", Op: &op}))

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got WSMessage
	require.NoError(t, receiver.ReadJSON(&got))
	assert.Equal(t, "op", got.Type)
	require.NotNil(t, got.Op)
	assert.Equal(t, "w1", got.Op.ID)

	require.Eventually(t, func() bool {
		return getDoc(t, ts.URL+"/docs/live").Content == "typed"
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketNeedsDoc(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
