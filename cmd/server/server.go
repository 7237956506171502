package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kevinxiao27/collabdoc/document"
	"github.com/kevinxiao27/collabdoc/engine"
	"github.com/kevinxiao27/collabdoc/internal/config"
	"github.com/kevinxiao27/collabdoc/ol"
	"github.com/kevinxiao27/collabdoc/snapshot"
)

// maxBody bounds request bodies, snapshots included.
const maxBody = 32 << 20

type Server struct {
	cfg      config.Engine
	instance string
	logger   *slog.Logger
	store    SnapshotStore
	relay    Relay
	metrics  *metrics

	// ctx bounds relay subscriptions.
	ctx context.Context

	mu        sync.Mutex
	documents map[string]*engine.Engine
	clients   map[string][]*client
	upgrader  websocket.Upgrader
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// WSMessage is the frame exchanged with WebSocket clients: "init" carries
// the current content, "op" carries one operation in either direction.
type WSMessage struct {
	Type    string          `json:"type"`
	Op      *ol.Operation   `json:"op,omitempty"`
	Content []document.Span `json:"content,omitempty"`
}

// DocumentRequest asks the server to build an edit on behalf of a client
// that only knows positions.
type DocumentRequest struct {
	Action     string        `json:"action"`
	Pos        int           `json:"pos"`
	Text       string        `json:"text,omitempty"`
	Len        int           `json:"len,omitempty"`
	To         int           `json:"to,omitempty"`
	Attributes ol.Attributes `json:"attributes,omitempty"`
}

type DocumentResponse struct {
	Content string           `json:"content"`
	Spans   []document.Span  `json:"spans"`
	Version ol.VersionVector `json:"version"`
}

func NewServer(ctx context.Context, cfg config.Engine, instance string, store SnapshotStore, relay Relay) *Server {
	s := &Server{
		cfg:       cfg,
		instance:  instance,
		logger:    cfg.Log(),
		store:     store,
		relay:     relay,
		ctx:       ctx,
		documents: make(map[string]*engine.Engine),
		clients:   make(map[string][]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.metrics = newMetrics(s)
	return s
}

func (s *Server) Routes() http.Handler {
	m := s.metrics
	r := mux.NewRouter()
	r.HandleFunc("/docs/{id}", m.instrument("get", s.handleGet)).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/ops", m.instrument("ops", s.handleOperation)).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}/edit", m.instrument("edit", s.handleEdit)).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}/snapshot", m.instrument("snapshot", s.handleSnapshot)).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/merge", m.instrument("merge", s.handleMerge)).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}/debug", m.instrument("debug", s.handleDebug)).Methods(http.MethodGet)
	r.Handle("/metrics", m.handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// getDocument returns the engine for id, restoring it from the snapshot
// store the first time it is opened. The store is read without holding
// s.mu; when two requests race to open the same document the first one
// registered wins and the other engine is dropped.
func (s *Server) getDocument(id string) (*engine.Engine, error) {
	s.mu.Lock()
	doc, exists := s.documents[id]
	s.mu.Unlock()
	if exists {
		return doc, nil
	}

	doc, err := s.openDocument(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if current, exists := s.documents[id]; exists {
		s.mu.Unlock()
		doc.Close()
		return current, nil
	}
	s.documents[id] = doc
	s.mu.Unlock()

	if s.relay != nil {
		s.relay.Subscribe(s.ctx, id, func(op ol.Operation) {
			s.metrics.relayed.Inc()
			if err := doc.ApplyOperation(op); err == nil {
				s.broadcastToDocument(id, WSMessage{Type: "op", Op: &op}, nil)
			}
		})
	}
	s.logger.Info("opened document", "doc", id)
	return doc, nil
}

func (s *Server) openDocument(id string) (*engine.Engine, error) {
	cfg := s.cfg
	cfg.Logger = s.logger.With("doc", id)
	doc, err := engine.New(cfg, engine.WithReplica(s.instance))
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return doc, nil
	}
	data, err := s.store.Load(s.ctx, id)
	switch {
	case errors.Is(err, errNoSnapshot):
	case err != nil:
		return nil, err
	default:
		if err := doc.Restore(data); err != nil {
			return nil, fmt.Errorf("restore %s: %w", id, err)
		}
	}
	return doc, nil
}

// submit applies op locally and fans it out to WebSocket clients and
// other instances. from is skipped when broadcasting.
func (s *Server) submit(ctx context.Context, docID string, doc *engine.Engine, op ol.Operation, from *client) error {
	if err := doc.ApplyOperation(op); err != nil {
		return err
	}
	s.broadcastToDocument(docID, WSMessage{Type: "op", Op: &op}, from)
	if s.relay != nil {
		if err := s.relay.Publish(ctx, docID, op); err != nil {
			s.logger.Warn("relay publish failed", "doc", docID, "op", op.ID, "error", err)
		}
	}
	return nil
}

func (s *Server) broadcastToDocument(docID string, msg WSMessage, skip *client) {
	s.mu.Lock()
	clients := append([]*client(nil), s.clients[docID]...)
	s.mu.Unlock()

	for _, c := range clients {
		if c == skip {
			continue
		}
		if err := c.send(msg); err != nil {
			s.logger.Debug("websocket write failed", "doc", docID, "error", err)
		}
	}
}

func (s *Server) response(doc *engine.Engine) DocumentResponse {
	doc.Flush()
	spans := doc.GetVisibleContent()
	content := ""
	for _, span := range spans {
		content += span.Content
	}
	return DocumentResponse{Content: content, Spans: spans, Version: doc.Version()}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.response(doc))
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	var op ol.Operation
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&op); err != nil {
		http.Error(w, "invalid operation: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := op.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.submit(r.Context(), mux.Vars(r)["id"], doc, op, nil); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	var req DocumentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "invalid edit: "+err.Error(), http.StatusBadRequest)
		return
	}

	var op ol.Operation
	var err error
	switch req.Action {
	case "insert":
		op, err = doc.Insert(document.VisibleIndex(req.Pos), req.Text, req.Attributes)
	case "delete":
		op, err = doc.Delete(document.VisibleIndex(req.Pos), req.Len)
	case "format":
		op, err = doc.Format(document.RawIndex(req.Pos), req.Len, req.Attributes)
	case "move":
		op, err = doc.Move(document.RawIndex(req.Pos), req.Len, document.RawIndex(req.To))
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)
		return
	}
	switch {
	case errors.Is(err, engine.ErrOutOfRange):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	docID := mux.Vars(r)["id"]
	s.logger.Debug("local edit", "doc", docID, "action", req.Action, "op", op.ID)
	s.broadcastToDocument(docID, WSMessage{Type: "op", Op: &op}, nil)
	if s.relay != nil {
		if err := s.relay.Publish(r.Context(), docID, op); err != nil {
			s.logger.Warn("relay publish failed", "doc", docID, "op", op.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, s.response(doc))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	data, err := doc.SerializeState()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(data)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch err := doc.Merge(data); {
	case errors.Is(err, snapshot.ErrMalformed):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.response(doc))
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, doc.Dump())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "missing doc parameter", http.StatusBadRequest)
		return
	}
	doc, err := s.getDocument(docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[docID] = append(s.clients[docID], c)
	total := len(s.clients[docID])
	s.mu.Unlock()
	s.logger.Info("client connected", "doc", docID, "clients", total)
	defer s.removeClient(docID, c)

	if err := c.send(WSMessage{Type: "init", Content: s.response(doc).Spans}); err != nil {
		return
	}

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != "op" || msg.Op == nil {
			s.logger.Debug("ignoring websocket message", "doc", docID, "type", msg.Type)
			continue
		}
		if err := s.submit(r.Context(), docID, doc, *msg.Op, c); err != nil {
			break
		}
	}
}

func (s *Server) removeClient(docID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.clients[docID]
	for i, other := range clients {
		if other == c {
			s.clients[docID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	s.logger.Info("client disconnected", "doc", docID, "clients", len(s.clients[docID]))
}

// SaveAll writes a snapshot of every open document to the store.
func (s *Server) SaveAll(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var errs []error
	for id, doc := range s.openDocuments() {
		data, err := doc.SerializeState()
		if err == nil {
			err = s.store.Save(ctx, id, data)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) openDocuments() map[string]*engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make(map[string]*engine.Engine, len(s.documents))
	for id, doc := range s.documents {
		docs[id] = doc
	}
	return docs
}

// Close flushes and closes every open document.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.documents {
		doc.Close()
	}
}

func (s *Server) document(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	doc, err := s.getDocument(mux.Vars(r)["id"])
	if err != nil {
		s.logger.Error("open document failed", "doc", mux.Vars(r)["id"], "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return doc, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
