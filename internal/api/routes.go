// Package api provides HTTP handlers for the cellview server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atlasmap-sc/cellview/internal/dispatch"
	"github.com/atlasmap-sc/cellview/internal/filter"
	"github.com/atlasmap-sc/cellview/internal/selection"
	"github.com/atlasmap-sc/cellview/internal/service"
	"github.com/atlasmap-sc/cellview/internal/store"
	"github.com/atlasmap-sc/cellview/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	Sessions    *SessionManager
	Views       *service.ViewService
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Location"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", createSessionHandler(cfg.Sessions))

		r.Route("/{session}", func(r chi.Router) {
			r.Use(sessionMiddleware(cfg.Sessions))

			r.Get("/", sessionStateHandler)
			r.Get("/state", sessionStateHandler)
			r.Delete("/", deleteSessionHandler(cfg.Sessions))

			// Actions
			r.Post("/actions", actionsHandler)
			r.Post("/reload", reloadHandler)
			// chi treats '.' as a delimiter in `{gene}.ext` patterns; gene
			// names are taken as the whole segment.
			r.Put("/gene/{gene}", selectGeneHandler)
			r.Delete("/gene", clearGeneHandler)
			r.Put("/filters/categories/{column}", categoricalFilterHandler)
			r.Delete("/filters/categories/{column}", clearCategoricalFilterHandler)
			r.Put("/filters/metrics/{metric}", continuousFilterHandler)
			r.Delete("/filters/metrics/{metric}", clearContinuousFilterHandler)

			// Derived output
			r.Get("/points", pointsHandler(cfg.Views))
			r.Get("/summary", summaryHandler(cfg.Views))
			r.Get("/legend", legendHandler(cfg.Views))
			r.Get("/scatter.png", scatterHandler(cfg.Views))
			r.Get("/schema", schemaHandler)
			r.Get("/genes", genesHandler)
			r.Get("/categories/{column}/means", categoryMeansHandler(cfg.Views))
		})
	})

	return r
}

// Context key for the session
type ctxKey string

const sessionKey ctxKey = "session"

// sessionMiddleware resolves the session from the URL and injects it into the context.
func sessionMiddleware(sessions *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := sessions.Get(chi.URLParam(r, "session"))
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *Session {
	if s, ok := r.Context().Value(sessionKey).(*Session); ok {
		return s
	}
	return nil
}

// writeError maps pipeline errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrUnknownDataset), errors.Is(err, service.ErrUnknownCategory):
		status = http.StatusNotFound
	case errors.Is(err, selection.ErrBadURL):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrIndexOutOfRange):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrClosed):
		status = http.StatusGone
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"colormaps": colormap.Names(),
	})
}

// rangeJSON is a filter range with unbounded ends written as null.
type rangeJSON struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

func finiteOrNil(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

type filtersJSON struct {
	Categorical map[string][]string  `json:"categorical"`
	Continuous  map[string]rangeJSON `json:"continuous"`
}

func encodeFilters(p filter.Predicates) filtersJSON {
	out := filtersJSON{
		Categorical: make(map[string][]string, len(p.Categorical)),
		Continuous:  make(map[string]rangeJSON, len(p.Continuous)),
	}
	for name, set := range p.Categorical {
		out.Categorical[name] = set.Values()
	}
	for name, r := range p.Continuous {
		out.Continuous[name] = rangeJSON{Min: finiteOrNil(r.Min), Max: finiteOrNil(r.Max)}
	}
	return out
}

type stateResponse struct {
	Session   string                       `json:"session"`
	Dataset   string                       `json:"dataset"`
	Lifecycle dispatch.Lifecycle           `json:"lifecycle"`
	Token     uint64                       `json:"token"`
	Version   uint64                       `json:"version"`
	Error     string                       `json:"error,omitempty"`
	Selection selection.Selection          `json:"selection"`
	Filters   filtersJSON                  `json:"filters"`
	Cells     int                          `json:"cells"`
	Genes     int                          `json:"genes"`
	Skipped   []store.MalformedRecordError `json:"skipped,omitempty"`
}

func newStateResponse(s *Session, st dispatch.State) stateResponse {
	resp := stateResponse{
		Session:   s.ID,
		Dataset:   s.DatasetID,
		Lifecycle: st.Lifecycle,
		Token:     st.Token,
		Version:   st.Version,
		Selection: st.Selection,
		Filters:   encodeFilters(st.Selection.Filters),
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	if st.Dataset != nil {
		resp.Cells = st.Dataset.NumCells()
		resp.Genes = st.Dataset.NumGenes()
		resp.Skipped = st.Dataset.Skipped()
	}
	return resp
}

// currentState returns the session state, first waiting for pending loads
// when the request asks for it with ?wait=true.
func currentState(r *http.Request, s *Session) dispatch.State {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		s.Dispatcher.Wait()
	}
	return s.Dispatcher.State()
}

type createSessionRequest struct {
	Dataset string `json:"dataset"`
	URL     string `json:"url"`
}

func createSessionHandler(sessions *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBodyBytes))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if len(bytes.TrimSpace(body)) > 0 {
				if err := json.Unmarshal(body, &req); err != nil {
					http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
					return
				}
			}
		}

		s, err := sessions.Create(req.Dataset, req.URL)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/sessions/"+s.ID)
		writeJSON(w, http.StatusCreated, newStateResponse(s, currentState(r, s)))
	}
}

func sessionStateHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	writeJSON(w, http.StatusOK, newStateResponse(s, currentState(r, s)))
}

func deleteSessionHandler(sessions *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions.Delete(getSession(r).ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

const maxActionBodyBytes = 10 << 20 // 10 MiB

// decodeActions accepts one action object or an array of them.
func decodeActions(body []byte) ([]dispatch.Action, error) {
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 {
		return nil, errors.New("empty request body")
	}
	if raw[0] != '[' {
		a, err := dispatch.DecodeAction(raw)
		if err != nil {
			return nil, err
		}
		return []dispatch.Action{a}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	actions := make([]dispatch.Action, 0, len(items))
	for i, item := range items {
		a, err := dispatch.DecodeAction(item)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// actionsHandler dispatches actions in order and stops at the first one
// rejected; the ones before it stay applied.
func actionsHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBodyBytes+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxActionBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	actions, err := decodeActions(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, a := range actions {
		if err := s.Dispatcher.Dispatch(a); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, newStateResponse(s, currentState(r, s)))
}

func dispatchAndRespond(w http.ResponseWriter, r *http.Request, a dispatch.Action) {
	s := getSession(r)
	if err := s.Dispatcher.Dispatch(a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(s, currentState(r, s)))
}

func reloadHandler(w http.ResponseWriter, r *http.Request) {
	dispatchAndRespond(w, r, dispatch.RequestCells{})
}

func selectGeneHandler(w http.ResponseWriter, r *http.Request) {
	gene := chi.URLParam(r, "gene")
	if unescaped, err := url.PathUnescape(gene); err == nil {
		gene = unescaped
	}
	dispatchAndRespond(w, r, dispatch.SelectGene{Gene: gene})
}

func clearGeneHandler(w http.ResponseWriter, r *http.Request) {
	dispatchAndRespond(w, r, dispatch.SelectGene{})
}

func categoricalFilterHandler(w http.ResponseWriter, r *http.Request) {
	values, ok := parseCategoryFilter(r.URL.Query())
	if !ok {
		var err error
		values, ok, err = parseCategoryFilterBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if !ok {
		http.Error(w, "missing categories", http.StatusBadRequest)
		return
	}
	dispatchAndRespond(w, r, dispatch.SetCategoricalFilter{Category: chi.URLParam(r, "column"), Values: values})
}

func clearCategoricalFilterHandler(w http.ResponseWriter, r *http.Request) {
	dispatchAndRespond(w, r, dispatch.SetCategoricalFilter{Category: chi.URLParam(r, "column")})
}

func continuousFilterHandler(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRangeQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dispatchAndRespond(w, r, dispatch.SetContinuousFilter{Metric: chi.URLParam(r, "metric"), Range: &rng})
}

func clearContinuousFilterHandler(w http.ResponseWriter, r *http.Request) {
	dispatchAndRespond(w, r, dispatch.SetContinuousFilter{Metric: chi.URLParam(r, "metric")})
}

// parseRangeQuery reads ?min=&max=. An absent bound is unbounded.
func parseRangeQuery(query url.Values) (filter.Range, error) {
	rng := filter.Range{Min: math.Inf(-1), Max: math.Inf(1)}
	for _, bound := range []struct {
		key string
		dst *float64
	}{{"min", &rng.Min}, {"max", &rng.Max}} {
		raw := strings.TrimSpace(query.Get(bound.key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) {
			return filter.Range{}, errors.New("invalid " + bound.key + " parameter")
		}
		*bound.dst = v
	}
	return rng, nil
}

// parseCategoryFilter reads ?categories=. The second result is false when the
// parameter is absent; an empty list filters to none.
func parseCategoryFilter(query url.Values) ([]string, bool) {
	rawValues, present := query["categories"]
	if !present || len(rawValues) == 0 {
		return nil, false
	}
	return selection.ParseValues(rawValues), true
}

// parseCategoryFilterBody reads the accepted values from a PUT body: a JSON
// array, {"categories": [...]}, or a form-encoded categories field.
func parseCategoryFilterBody(r *http.Request) ([]string, bool, error) {
	if r.Body == nil {
		return nil, false, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	if len(body) > maxActionBodyBytes {
		return nil, false, errors.New("category filter body too large")
	}

	raw := bytes.TrimSpace(body)
	if len(raw) == 0 {
		return nil, false, nil
	}

	if raw[0] == '{' {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, false, err
		}
		rawCategories, ok := payload["categories"]
		if !ok {
			return nil, false, nil
		}
		rawCategories = bytes.TrimSpace(rawCategories)
		if len(rawCategories) == 0 || bytes.Equal(rawCategories, []byte("null")) {
			return nil, false, nil
		}
		var categories []string
		if err := json.Unmarshal(rawCategories, &categories); err != nil {
			return nil, false, err
		}
		if categories == nil {
			return make([]string, 0), true, nil
		}
		return categories, true, nil
	}

	if bytes.Contains(raw, []byte("=")) && raw[0] != '[' {
		if q, err := url.ParseQuery(string(raw)); err == nil {
			values, ok := parseCategoryFilter(q)
			return values, ok, nil
		}
	}

	values, ok := parseCategoryFilter(url.Values{"categories": {string(raw)}})
	return values, ok, nil
}

func pointsHandler(views *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := views.PointsJSON(currentState(r, getSession(r)))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func summaryHandler(views *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := views.Summary(currentState(r, getSession(r)))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func legendHandler(views *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stops, _ := strconv.Atoi(r.URL.Query().Get("stops"))
		legend, err := views.Legend(currentState(r, getSession(r)), r.URL.Query().Get("colormap"), stops)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, legend)
	}
}

const maxScatterSize = 4096

func parseSize(query url.Values, key string) (int, error) {
	raw := strings.TrimSpace(query.Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > maxScatterSize {
		return 0, errors.New("invalid " + key + " parameter")
	}
	return v, nil
}

func scatterHandler(views *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		width, err := parseSize(query, "width")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		height, err := parseSize(query, "height")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := views.Scatter(currentState(r, getSession(r)), query.Get("colormap"), width, height)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

func schemaHandler(w http.ResponseWriter, r *http.Request) {
	ds, err := service.Ready(currentState(r, getSession(r)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds.Schema())
}

// genesHandler lists genes, optionally narrowed by a case-insensitive prefix
// (?q=) and paged with offset and limit.
func genesHandler(w http.ResponseWriter, r *http.Request) {
	ds, err := service.Ready(currentState(r, getSession(r)))
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	prefix := strings.ToLower(strings.TrimSpace(query.Get("q")))
	offset, _ := strconv.Atoi(query.Get("offset"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	matched := make([]string, 0)
	total := 0
	for _, g := range ds.Genes() {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(g), prefix) {
			continue
		}
		if total >= offset && len(matched) < limit {
			matched = append(matched, g)
		}
		total++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"genes":  matched,
		"total":  total,
		"offset": offset,
	})
}

func categoryMeansHandler(views *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		column := chi.URLParam(r, "column")
		st := currentState(r, getSession(r))
		items, err := views.CategoryMeans(st, column)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"gene":   st.Selection.GeneName,
			"column": column,
			"items":  items,
		})
	}
}
