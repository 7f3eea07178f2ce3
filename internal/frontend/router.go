// Package frontend implements the server's wire protocol: a chi router
// exposing the object store, process engine, tag cache, and remote push
// over JSON-over-HTTP, servable over TCP or internal/sock's UNIX-domain
// variant interchangeably since both just wrap an http.Handler.
package frontend

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/samber/lo"

	"github.com/tangramdotdev/tangram/internal/auth"
	"github.com/tangramdotdev/tangram/internal/index"
	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/process"
	"github.com/tangramdotdev/tangram/internal/store"
	"github.com/tangramdotdev/tangram/internal/tagcache"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// Pusher is the push-side collaborator behind POST /push;
// internal/remote.Pusher satisfies it. Kept as an interface here so this
// package never imports internal/remote.
type Pusher interface {
	PushObject(ctx context.Context, id object.ID) error
	// PushTag pushes the item's closure and then writes the tag row on
	// the remote.
	PushTag(ctx context.Context, tag string, item object.ID) error
}

// Server bundles the collaborators the router's handlers call into. It
// holds no per-request state: every handler is a thin translation layer
// over Store/Index/Engine/Tags.
type Server struct {
	Store   store.Store
	Index   *index.Indexer
	Engine  *process.Engine
	Logs    *process.LogStore
	Tags    *tagcache.Cache
	Pushers map[string]Pusher // remote name -> pusher, for POST /push
	Token   auth.Token
	Logger  *slog.Logger

	// CleanFn runs an out-of-band sweep (store.Cleaner.Sweep composed
	// with tagcache.Cache.Clean), wired by cmd/tangramd, the one place
	// both collaborators exist alongside this Server.
	CleanFn func(ctx context.Context) error
}

// Router builds the complete chi.Mux for the wire protocol.
func (s *Server) Router() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httplog.RequestLogger(httplog.NewLogger("frontend", httplog.Options{JSON: true})))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(auth.Middleware(s.Token))

	r.Route("/objects/{id}", func(r chi.Router) {
		r.Put("/", s.handlePutObject)
		r.Get("/", s.handleGetObject)
		r.Get("/children", s.handleGetChildren)
		r.Get("/metadata", s.handleGetMetadata)
	})
	r.Route("/processes", func(r chi.Router) {
		r.Post("/", s.handleSpawn)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetProcess)
			r.Get("/log", s.handleGetLog)
			r.Post("/cancel", s.handleCancel)
			r.Post("/retry", s.handleRetry)
		})
	})
	r.Route("/tags/{tag}", func(r chi.Router) {
		r.Put("/", s.handlePutTag)
		r.Get("/", s.handleGetTag)
		r.Delete("/", s.handleDeleteTag)
	})
	r.Post("/push", s.handlePush)
	r.Post("/index", s.handleIndex)
	r.Post("/clean", s.handleClean)

	return r
}

func idParam(r *http.Request) object.ID { return object.ID(chi.URLParam(r, "id")) }

// handlePutObject implements `PUT /objects/:id` (raw bytes body): the
// body is the object's canonical encoding, verified against
// the id in the URL before being durably stored.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, s.Logger, terror.Wrap(terror.IO, "failed to read request body", err))
		return
	}
	if err := s.Store.(putter).PutWithID(r.Context(), id, id.Kind(), body); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// putter is the subset of store.Store's concrete implementations that
// accept a caller-supplied id,
// satisfied by *store.DiskStore.
type putter interface {
	PutWithID(ctx context.Context, id object.ID, kind object.Kind, body []byte) error
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	body, err := s.Store.Get(r.Context(), idParam(r))
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.Store.Children(r.Context(), idParam(r))
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	out := lo.Map(children, func(c object.ID, _ int) string { return string(c) })
	respondJSON(w, s.Logger, http.StatusOK, map[string]any{"children": out})
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	m, ok, err := s.Index.Metrics(r.Context(), string(idParam(r)))
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	if !ok {
		respondError(w, s.Logger, terror.New(terror.NotFound, "object metadata not found"))
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, map[string]any{
		"subtree_count":  m.SubtreeCount,
		"subtree_depth":  m.SubtreeDepth,
		"subtree_size":   m.SubtreeSize,
		"subtree_stored": m.SubtreeStored,
		"solved":         m.Solved,
		"solvable":       m.Solvable,
	})
}

// spawnRequest is the body of `POST /processes`.
type spawnRequest struct {
	Host       string            `json:"host"`
	Executable string            `json:"executable"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	Checksum   string            `json:"checksum,omitempty"`
	Network    bool              `json:"network,omitempty"`
	Stdin      string            `json:"stdin,omitempty"`
	Cacheable  bool              `json:"cacheable"`
	Parent     string            `json:"parent,omitempty"`
	Retry      bool              `json:"retry,omitempty"`

	// ExpectedChecksum pins what a cache hit (and the eventual sandbox
	// result) must be compatible with; distinct from the
	// command's own checksum field above.
	ExpectedChecksum string `json:"expected_checksum,omitempty"`
}

type spawnResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	cmd := &process.Command{
		Host:       req.Host,
		Executable: req.Executable,
		Args:       req.Args,
		Env:        req.Env,
		Checksum:   req.Checksum,
		Network:    req.Network,
		Stdin:      req.Stdin,
	}
	// Persist the command under its own fingerprint so the runner's
	// CommandLoader can resolve processes.command_id back to a Command;
	// Engine.Spawn only ever sees the fingerprint.
	if _, err := s.Store.Put(r.Context(), object.KindCommand, cmd.Encode()); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	id, token, err := s.Engine.Spawn(r.Context(), cmd, process.SpawnOptions{
		Parent:           req.Parent,
		Cacheable:        req.Cacheable,
		Retry:            req.Retry,
		ExpectedChecksum: req.ExpectedChecksum,
	})
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusCreated, spawnResponse{ID: id, Token: token})
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, p)
}

// handleGetLog implements `GET /processes/:id/log?position=&length=`:
// a non-negative position reads forward from that byte offset, a
// negative position reads a trailing window.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	position := parseIntParam(r, "position", 0)
	length := parseIntParam(r, "length", 0)

	p, err := s.Engine.Get(r.Context(), id)
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	if p.Status == process.StatusFinished && p.LogID != "" {
		body, err := s.Store.Get(r.Context(), object.ID(p.LogID))
		if err != nil {
			respondError(w, s.Logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(tailSlice(body, position, length))
		return
	}
	if s.Logs == nil {
		respondError(w, s.Logger, terror.New(terror.NotFound, "no log recorded for process"))
		return
	}
	body, err := s.Logs.Read(id, position, length)
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func tailSlice(body []byte, position, length int64) []byte {
	size := int64(len(body))
	var offset int64
	if position >= 0 {
		offset = position
	} else {
		offset = size + position
		if offset < 0 {
			offset = 0
		}
	}
	if offset >= size {
		return []byte{}
	}
	remaining := size - offset
	if length > 0 && length < remaining {
		remaining = length
	}
	return body[offset : offset+remaining]
}

// handleRetry implements `POST /processes/:id/retry`: the failed
// process is respawned under a fresh id inheriting its command and
// parent linkage. The engine rejects processes not spawned with the
// retry flag or whose failure is not a retryable kind.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, token, err := s.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusCreated, spawnResponse{ID: id, Token: token})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tagBody struct {
	Item     string   `json:"item,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (s *Server) handlePutTag(w http.ResponseWriter, r *http.Request) {
	var body tagBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.Tags.Put(r.Context(), chi.URLParam(r, "tag"), body.Item, force); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	ttl := parseIntParam(r, "ttl", -1)
	entry, err := s.Tags.Get(r.Context(), chi.URLParam(r, "tag"), ttl)
	if err != nil {
		respondError(w, s.Logger, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, tagBody{Item: entry.Item, Children: entry.Children})
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	if err := s.Tags.Delete(r.Context(), chi.URLParam(r, "tag")); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pushRequest struct {
	Remote string `json:"remote"`
	ID     string `json:"id,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

// handlePush implements `POST /push`: it pushes either
// a single object's closure, or (when Tag is set) resolves the tag
// locally first and pushes the item it names.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	pusher, ok := s.Pushers[req.Remote]
	if !ok {
		respondError(w, s.Logger, terror.New(terror.NotFound, "unknown remote"))
		return
	}
	if req.Tag != "" {
		entry, err := s.Tags.Get(r.Context(), req.Tag, -1)
		if err != nil {
			respondError(w, s.Logger, err)
			return
		}
		if !entry.IsLeaf() {
			respondError(w, s.Logger, terror.New(terror.NotFound, "tag names a branch, not a pushable item"))
			return
		}
		if err := pusher.PushTag(r.Context(), req.Tag, object.ID(entry.Item)); err != nil {
			respondError(w, s.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := pusher.PushObject(r.Context(), object.ID(req.ID)); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIndex implements `POST /index`: drains the indexer's
// queue synchronously, for callers that want a read-your-writes metadata
// view without waiting on the background worker's tick.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.Index.Drain(r.Context()); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClean implements `POST /clean`: the cleaner and tag
// cache's sweep are run out-of-band by Cleaner/Cache.Clean; this handler
// is wired to them in cmd/tangramd, since it is the only place both are
// constructed alongside this Server.
func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	if s.CleanFn == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.CleanFn(r.Context()); err != nil {
		respondError(w, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseIntParam(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
