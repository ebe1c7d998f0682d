package httpremote

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
	"github.com/fieldsync/fieldsync/logging"
	"github.com/fieldsync/fieldsync/transport/ws"
)

// Handler serves the remote store API over a LocalStore-shaped backend and
// broadcasts every accepted write to hub subscribers. Routes:
//
//	POST   /collections/{col}        create
//	PUT    /collections/{col}/{id}   upsert
//	DELETE /collections/{col}/{id}   delete
//	GET    /collections/{col}        scoped query
//	GET    /subscribe                websocket feed
//	GET    /healthz                  reachability probe
type Handler struct {
	store  fieldsync.LocalStore
	hub    *ws.Hub
	logger *logging.Logger
	mux    *http.ServeMux
}

// NewHandler wires a store and an optional hub into an http.Handler. A nil
// hub disables broadcasting.
func NewHandler(store fieldsync.LocalStore, hub *ws.Hub) *Handler {
	h := &Handler{
		store:  store,
		hub:    hub,
		logger: logging.WithComponent("remote-server"),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("/collections/", h.handleCollections)
	h.mux.HandleFunc("/healthz", h.handleHealthz)
	if hub != nil {
		h.mux.Handle("/subscribe", hub)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// splitCollectionPath parses /collections/{col}[/{id}].
func splitCollectionPath(path string) (entity.Collection, string, bool) {
	rest := strings.TrimPrefix(path, "/collections/")
	parts := strings.SplitN(rest, "/", 2)
	col := entity.Collection(parts[0])
	if !col.Valid() {
		return "", "", false
	}
	if len(parts) == 2 && parts[1] != "" {
		return col, parts[1], true
	}
	return col, "", true
}

func (h *Handler) handleCollections(w http.ResponseWriter, r *http.Request) {
	col, id, ok := splitCollectionPath(r.URL.Path)
	if !ok {
		http.Error(w, "unknown collection", http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && id == "":
		h.handleQuery(w, r, col)
	case r.Method == http.MethodPost && id == "":
		h.handleWrite(w, r, col, "", fieldsync.ChangeAdded)
	case r.Method == http.MethodPut && id != "":
		h.handleWrite(w, r, col, id, fieldsync.ChangeModified)
	case r.Method == http.MethodDelete && id != "":
		h.handleDelete(w, r, col, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request, col entity.Collection, id string, changeType fieldsync.ChangeType) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	e, err := entity.Decode(col, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if id != "" && e.EntityID() != id {
		http.Error(w, "entity id does not match path", http.StatusUnprocessableEntity)
		return
	}

	if err := h.store.Put(r.Context(), e); err != nil {
		h.logger.Error("store write failed", slog.String("error", err.Error()))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	h.broadcast(fieldsync.Change{
		Type:       changeType,
		Collection: col,
		Entity:     e,
		Origin:     r.Header.Get(AgentHeader),
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, col entity.Collection, id string) {
	existing, err := h.store.Get(r.Context(), col, id)
	if err != nil && !errors.Is(err, fieldsync.ErrNotFound) {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if err := h.store.Delete(r.Context(), col, id); err != nil {
		h.logger.Error("store delete failed", slog.String("error", err.Error()))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		h.broadcast(fieldsync.Change{
			Type:       fieldsync.ChangeRemoved,
			Collection: col,
			Entity:     existing,
			Origin:     r.Header.Get(AgentHeader),
		})
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request, col entity.Collection) {
	entities, err := h.store.GetAll(r.Context(), col)
	if err != nil {
		h.logger.Error("store query failed", slog.String("error", err.Error()))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	scope := fieldsync.Scope{
		All:      r.URL.Query().Get("all") == "true",
		WorkerID: r.URL.Query().Get("workerId"),
	}
	docs := make([]json.RawMessage, 0, len(entities))
	for _, e := range entities {
		if !inScope(e, scope) {
			continue
		}
		data, err := entity.Encode(e)
		if err != nil {
			continue
		}
		docs = append(docs, data)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(docs)
}

// inScope applies the partition predicate. Worker-owned collections filter
// by worker id; shared collections are visible to every scope.
func inScope(e entity.Entity, scope fieldsync.Scope) bool {
	if scope.All || scope.WorkerID == "" {
		return true
	}
	switch v := e.(type) {
	case *entity.Session:
		return v.WorkerID == scope.WorkerID
	case *entity.LogEntry:
		return v.WorkerID == scope.WorkerID
	default:
		return true
	}
}

func (h *Handler) broadcast(change fieldsync.Change) {
	if h.hub != nil {
		h.hub.Broadcast(change)
	}
}
