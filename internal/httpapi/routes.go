package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/gorilla/mux"

	"github.com/ironhee/jsonapi/internal/auth"
	"github.com/ironhee/jsonapi/internal/jsonapi"
	"github.com/ironhee/jsonapi/internal/storage"
)

const (
	MediaType          = "application/vnd.api+json"
	JSONPatchMediaType = "application/json-patch+json"

	AnonymousOwner = "anonymous"

	defaultMaxBodyBytes = int64(1 << 20)
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

type Config struct {
	Store storage.Store
	// BaseURL prefixes every URL in responses. Empty keeps them host relative.
	BaseURL      string
	Log          *slog.Logger
	MaxBodyBytes int64
}

type Server struct {
	store   storage.Store
	base    string
	log     *slog.Logger
	maxBody int64
}

func NewServer(cfg Config) *Server {
	s := &Server{
		store:   cfg.Store,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		log:     cfg.Log,
		maxBody: cfg.MaxBodyBytes,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "httpapi")
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}
	return s
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.Use(s.logRequests)
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/changes", s.handleChanges).Methods(http.MethodGet)
	router.HandleFunc("/{type}/", s.handleList).Methods(http.MethodGet)
	router.HandleFunc("/{type}/", s.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/{type}/{id}/links/{relation}", s.handleAddLinkage).Methods(http.MethodPost)
	router.HandleFunc("/{type}/{id}/links/{relation}", s.handleRemoveLinkage).Methods(http.MethodDelete)
	router.HandleFunc("/{type}/{id}/{relation}", s.handleRelated).Methods(http.MethodGet)
	router.HandleFunc("/{type}/{id}", s.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/{type}/{id}", s.handlePatch).Methods(http.MethodPatch)
	router.HandleFunc("/{type}/{id}", s.handleDelete).Methods(http.MethodDelete)
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methodNotAllowed(w)
	})
}

// Handler returns a router serving every route.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"request_id", r.Header.Get("X-Request-Id"), "duration", time.Since(start))
	})
}

func owner(r *http.Request) string {
	if owner, ok := auth.OwnerFromContext(r.Context()); ok {
		return owner
	}
	return AnonymousOwner
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	typ := mux.Vars(r)["type"]
	filter := make(map[string]string)
	for key, values := range r.URL.Query() {
		if name, ok := strings.CutPrefix(key, "filter["); ok && strings.HasSuffix(name, "]") && len(values) > 0 {
			filter[strings.TrimSuffix(name, "]")] = values[0]
		}
	}
	resources, err := s.store.ListResources(r.Context(), owner(r), typ, filter)
	if errors.Is(err, storage.ErrInvalidFilter) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.serverError(w, "list", err)
		return
	}
	reps := make([]jsonapi.Representation, 0, len(resources))
	for _, res := range resources {
		rep, err := s.represent(r, res)
		if err != nil {
			s.serverError(w, "list", err)
			return
		}
		reps = append(reps, rep)
	}
	doc, err := jsonapi.NewCollectionDocument(reps)
	if err != nil {
		s.serverError(w, "list", err)
		return
	}
	doc.Links = jsonapi.Links{Self: s.collectionURL(typ)}
	writeDocument(w, http.StatusOK, doc)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	typ := mux.Vars(r)["type"]
	var doc jsonapi.Document
	if err := s.decodeJSON(w, r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rep, err := doc.Resource()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if rep.Type != "" && rep.Type != typ {
		writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("type %q does not match collection %q", rep.Type, typ)})
		return
	}
	if !rep.ID.IsZero() {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "client generated ids are not supported"})
		return
	}
	attrs, err := json.Marshal(rep.Attributes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.store.CreateResource(r.Context(), owner(r), typ, attrs)
	if err != nil {
		s.serverError(w, "create", err)
		return
	}
	for name, rel := range rep.Relationships {
		if rel.Data == nil {
			continue
		}
		if err := s.store.AddLinkages(r.Context(), owner(r), typ, created.ID, name, toStorageLinkages(rel.Data), rel.Data.Many); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	s.writeResource(w, r, http.StatusCreated, created)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadResource(w, r)
	if !ok {
		return
	}
	s.writeResource(w, r, http.StatusOK, res)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadResource(w, r)
	if !ok {
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var attrs []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), JSONPatchMediaType) {
		patch, err := jsonpatch.DecodePatch(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if attrs, err = patch.Apply(res.Attributes); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	} else {
		var doc jsonapi.Document
		if err := json.Unmarshal(body, &doc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rep, err := doc.Resource()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if (rep.Type != "" && rep.Type != res.Type) || (!rep.ID.IsZero() && rep.ID.String() != strconv.FormatInt(res.ID, 10)) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "resource identity does not match url"})
			return
		}
		update, err := json.Marshal(rep.Attributes)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if rep.Attributes == nil {
			update = []byte("{}")
		}
		if attrs, err = jsonpatch.MergePatch(res.Attributes, update); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}

	updated, err := s.store.UpdateResource(r.Context(), owner(r), res.Type, res.ID, attrs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeResource(w, r, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadResource(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteResource(r.Context(), owner(r), res.Type, res.ID); err != nil {
		s.serverError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadResource(w, r)
	if !ok {
		return
	}
	relation := mux.Vars(r)["relation"]
	rels, err := s.store.Relations(r.Context(), owner(r), res.Type, res.ID)
	if err != nil {
		s.serverError(w, "related", err)
		return
	}
	rel, ok := rels[relation]
	if !ok {
		writeJSON(w, http.StatusOK, jsonResponse{"data": nil})
		return
	}
	reps := make([]jsonapi.Representation, 0, len(rel.Targets))
	for _, target := range rel.Targets {
		related, err := s.store.GetResource(r.Context(), owner(r), target.Type, target.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.serverError(w, "related", err)
			return
		}
		rep, err := s.represent(r, related)
		if err != nil {
			s.serverError(w, "related", err)
			return
		}
		reps = append(reps, rep)
	}
	var doc jsonapi.Document
	switch {
	case rel.Many:
		doc, err = jsonapi.NewCollectionDocument(reps)
	case len(reps) == 1:
		doc, err = jsonapi.NewDocument(reps[0])
	default:
		doc = jsonapi.Document{Data: json.RawMessage("null")}
	}
	if err != nil {
		s.serverError(w, "related", err)
		return
	}
	doc.Links = jsonapi.Links{Self: s.itemURL(res.Type, res.ID) + "/" + relation}
	writeDocument(w, http.StatusOK, doc)
}

func (s *Server) handleAddLinkage(w http.ResponseWriter, r *http.Request) {
	s.handleLinkage(w, r, true)
}

func (s *Server) handleRemoveLinkage(w http.ResponseWriter, r *http.Request) {
	s.handleLinkage(w, r, false)
}

func (s *Server) handleLinkage(w http.ResponseWriter, r *http.Request, add bool) {
	res, ok := s.loadResource(w, r)
	if !ok {
		return
	}
	var doc jsonapi.Document
	if err := s.decodeJSON(w, r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := doc.Linkage()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	relation := mux.Vars(r)["relation"]
	if add {
		err = s.store.AddLinkages(r.Context(), owner(r), res.Type, res.ID, relation, toStorageLinkages(data), data.Many)
	} else {
		err = s.store.RemoveLinkages(r.Context(), owner(r), res.Type, res.ID, relation, toStorageLinkages(data))
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changeResponse struct {
	Seq   int64                  `json:"seq"`
	Op    string                 `json:"op"`
	Path  string                 `json:"path"`
	Value jsonapi.Representation `json:"value"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if sinceValue := r.URL.Query().Get("since"); sinceValue != "" {
		parsed, err := strconv.ParseInt(sinceValue, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be a non-negative integer"})
			return
		}
		since = parsed
	}
	changes, seq, err := s.store.ChangesSince(r.Context(), owner(r), since)
	if err != nil {
		s.serverError(w, "changes", err)
		return
	}
	out := make([]changeResponse, 0, len(changes))
	for _, c := range changes {
		var attrs map[string]any
		if err := json.Unmarshal(c.Value, &attrs); err != nil {
			s.serverError(w, "changes", err)
			return
		}
		path := s.itemURL(c.Type, c.ID)
		out = append(out, changeResponse{
			Seq:  c.Seq,
			Op:   c.Op,
			Path: path,
			Value: jsonapi.Representation{
				Type:       c.Type,
				ID:         jsonapi.IntID(c.ID),
				Attributes: attrs,
				Links:      jsonapi.Links{Self: path},
			},
		})
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"seq":     seq,
		"changes": out,
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) loadResource(w http.ResponseWriter, r *http.Request) (storage.Resource, bool) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return storage.Resource{}, false
	}
	res, err := s.store.GetResource(r.Context(), owner(r), mux.Vars(r)["type"], id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return storage.Resource{}, false
	}
	if err != nil {
		s.serverError(w, "load", err)
		return storage.Resource{}, false
	}
	return res, true
}

func (s *Server) writeResource(w http.ResponseWriter, r *http.Request, status int, res storage.Resource) {
	rep, err := s.represent(r, res)
	if err != nil {
		s.serverError(w, "represent", err)
		return
	}
	doc, err := jsonapi.NewDocument(rep)
	if err != nil {
		s.serverError(w, "represent", err)
		return
	}
	if include := r.URL.Query().Get("include"); include != "" {
		if doc.Included, err = s.included(r, rep, strings.Split(include, ",")); err != nil {
			s.serverError(w, "include", err)
			return
		}
	}
	if status == http.StatusCreated {
		w.Header().Set("Location", rep.Links.Self)
	}
	writeDocument(w, status, doc)
}

func (s *Server) included(r *http.Request, rep jsonapi.Representation, names []string) ([]jsonapi.Representation, error) {
	var out []jsonapi.Representation
	seen := make(map[string]bool)
	for _, name := range names {
		rel, ok := rep.Relationships[strings.TrimSpace(name)]
		if !ok || rel.Data == nil {
			continue
		}
		for _, l := range rel.Data.Items {
			if seen[l.Key()] {
				continue
			}
			seen[l.Key()] = true
			id, err := l.ID.Int64()
			if err != nil {
				continue
			}
			res, err := s.store.GetResource(r.Context(), owner(r), l.Type, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			related, err := s.represent(r, res)
			if err != nil {
				return nil, err
			}
			out = append(out, related)
		}
	}
	return out, nil
}

func (s *Server) represent(r *http.Request, res storage.Resource) (jsonapi.Representation, error) {
	var attrs map[string]any
	if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
		return jsonapi.Representation{}, fmt.Errorf("decode stored attributes: %w", err)
	}
	rels, err := s.store.Relations(r.Context(), owner(r), res.Type, res.ID)
	if err != nil {
		return jsonapi.Representation{}, err
	}
	item := s.itemURL(res.Type, res.ID)
	rep := jsonapi.Representation{
		Type:       res.Type,
		ID:         jsonapi.IntID(res.ID),
		Attributes: attrs,
		Links:      jsonapi.Links{Self: item},
	}
	for name, rel := range rels {
		data := toLinkageData(rel)
		rep.Links.Relations = setLink(rep.Links.Relations, name, jsonapi.Link{
			Self:    item + "/links/" + name,
			Related: item + "/" + name,
			Linkage: data,
		})
		if rep.Relationships == nil {
			rep.Relationships = make(map[string]jsonapi.Relationship)
		}
		rep.Relationships[name] = jsonapi.Relationship{Data: data.Clone()}
	}
	return rep, nil
}

func setLink(m map[string]jsonapi.Link, name string, link jsonapi.Link) map[string]jsonapi.Link {
	if m == nil {
		m = make(map[string]jsonapi.Link)
	}
	m[name] = link
	return m
}

func toLinkageData(rel storage.Relation) *jsonapi.LinkageData {
	items := make([]jsonapi.Linkage, len(rel.Targets))
	for i, t := range rel.Targets {
		items[i] = jsonapi.Linkage{Type: t.Type, ID: jsonapi.IntID(t.ID)}
	}
	if rel.Many {
		return jsonapi.LinkMany(items...)
	}
	if len(items) == 0 {
		return &jsonapi.LinkageData{}
	}
	return jsonapi.LinkOne(items[0])
}

func toStorageLinkages(data *jsonapi.LinkageData) []storage.Linkage {
	out := make([]storage.Linkage, 0, len(data.Items))
	for _, l := range data.Items {
		id, err := l.ID.Int64()
		if err != nil {
			id = 0
		}
		out = append(out, storage.Linkage{Type: l.Type, ID: id})
	}
	return out
}

func (s *Server) collectionURL(typ string) string {
	return s.base + "/" + typ + "/"
}

func (s *Server) itemURL(typ string, id int64) string {
	return s.base + "/" + typ + "/" + strconv.FormatInt(id, 10)
}

func (s *Server) serverError(w http.ResponseWriter, action string, err error) {
	s.log.Error("request failed", "action", action, "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	return decoder.Decode(target)
}

func writeDocument(w http.ResponseWriter, status int, doc jsonapi.Document) {
	w.Header().Set("Content-Type", MediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
