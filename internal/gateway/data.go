package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/query"
)

// registerDataRoutes wires the PostgREST-compatible data plane from
// spec.md §4.4/§4.6: generic table CRUD plus RPC, introspection, stats,
// and the OpenAPI document, all scoped under /api/data/{slug}.
func (g *Gateway) registerDataRoutes(r *mux.Router) {
	sub := r.PathPrefix("/api/data/{slug}").Subrouter()
	sub.HandleFunc("/tables", g.handleListTables).Methods(http.MethodGet)
	sub.HandleFunc("/stats", g.handleStats).Methods(http.MethodGet)
	sub.HandleFunc("/openapi.json", g.handleOpenAPI).Methods(http.MethodGet)
	sub.HandleFunc("/rpc/{name}", g.handleRPC).Methods(http.MethodPost)
	sub.HandleFunc("/realtime", g.handleRealtime).Methods(http.MethodGet)
	g.registerPushRoutes(sub)
	g.registerIntrospectionRoutes(sub)
	sub.HandleFunc("/{table}", g.handleCollection).Methods(http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete)
}

func (g *Gateway) handleListTables(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	tables, err := g.data.ListTables(r.Context(), s.db)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, tables)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	stats, err := g.data.GetStats(r.Context(), s.db)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, stats)
}

func (g *Gateway) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	exposeSchema := s.project != nil && s.project.Metadata.Security.SchemaExposure
	spec, err := g.data.GetOpenAPISpec(r.Context(), s.db, exposeSchema, s.auth.IsAdmin)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, spec)
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	name := mux.Vars(r)["name"]
	var args map[string]interface{}
	if err := decodeJSONBody(r, &args); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	argOrder := make([]string, 0, len(args))
	for k := range args {
		argOrder = append(argOrder, k)
	}
	rowsOut, err := g.data.ExecuteRPC(r.Context(), s.db, s.auth.Role, name, args, argOrder)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, rowsOut)
}

// handleCollection dispatches the four PostgREST verbs onto the generic
// {table} path, following the teacher's core/backend/collection.go
// pattern of one handler per resource fanning out on r.Method.
func (g *Gateway) handleCollection(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	table := mux.Vars(r)["table"]

	params, err := query.Parse(r.URL.Query())
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	// An explicit limit/offset query parameter always wins over the Range
	// header (spec.md §4.4); only fall back to Range when neither was given.
	if params.Limit == nil && params.Offset == nil {
		if raw := r.Header.Get("Range"); raw != "" {
			offset, limit, err := query.ParseRange(raw)
			if err != nil {
				errors.WriteHTTP(w, err)
				return
			}
			params.Offset = &offset
			params.Limit = &limit
		}
	}
	returning := !strings.Contains(r.Header.Get("Prefer"), "return=minimal")

	switch r.Method {
	case http.MethodGet:
		rowsOut, err := g.data.Select(r.Context(), s.db, s.auth.Role, table, params)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		if strings.Contains(r.Header.Get("Prefer"), "count=exact") {
			count, err := g.data.Count(r.Context(), s.db, s.auth.Role, table, params)
			if err != nil {
				errors.WriteHTTP(w, err)
				return
			}
			w.Header().Set("Content-Range", contentRange(params.Offset, len(rowsOut), count))
		}
		if strings.Contains(r.Header.Get("Accept"), "application/vnd.pgrst.object+json") {
			if len(rowsOut) == 0 {
				writeJSON(w, nil)
				return
			}
			writeJSON(w, rowsOut[0])
			return
		}
		writeJSON(w, rowsOut)

	case http.MethodPost:
		rowsIn, resolution, onConflict, err := decodeInsertBody(r, params)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		rowsOut, err := g.data.Insert(r.Context(), s.db, s.auth.Role, table, rowsIn, onConflict, resolution, returning)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, rowsOut)

	case http.MethodPatch:
		var set map[string]interface{}
		if err := decodeJSONBody(r, &set); err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		rowsOut, err := g.data.Update(r.Context(), s.db, s.auth.Role, table, params, set, returning)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		writeJSON(w, rowsOut)

	case http.MethodDelete:
		rowsOut, err := g.data.Delete(r.Context(), s.db, s.auth.Role, table, params, returning)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		writeJSON(w, rowsOut)
	}
}

// contentRange renders the Content-Range header value for a GET response
// under Prefer: count=exact -- "start-end/total" per spec.md §4.4, or
// "*/total" when the page came back empty and no start-end range applies.
func contentRange(offset *int, returned int, total int64) string {
	if returned == 0 {
		return "*/" + strconv.FormatInt(total, 10)
	}
	start := 0
	if offset != nil {
		start = *offset
	}
	return strconv.Itoa(start) + "-" + strconv.Itoa(start+returned-1) + "/" + strconv.FormatInt(total, 10)
}

// decodeInsertBody accepts either a single object or an array of objects,
// and reads the Prefer: resolution=... and on_conflict query param the
// same way PostgREST does.
func decodeInsertBody(r *http.Request, params *query.Params) ([]map[string]interface{}, query.InsertResolution, string, error) {
	var raw json.RawMessage
	if err := decodeJSONBody(r, &raw); err != nil {
		return nil, query.ResolutionNone, "", err
	}
	var rows []map[string]interface{}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, query.ResolutionNone, "", errors.Wrap(errors.KindValidation, "invalid JSON body", err)
		}
	} else {
		var one map[string]interface{}
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, query.ResolutionNone, "", errors.Wrap(errors.KindValidation, "invalid JSON body", err)
		}
		rows = []map[string]interface{}{one}
	}

	resolution := query.ResolutionNone
	prefer := r.Header.Get("Prefer")
	switch {
	case strings.Contains(prefer, "resolution=merge-duplicates"):
		resolution = query.ResolutionMergeDuplicates
	case strings.Contains(prefer, "resolution=ignore-duplicates"):
		resolution = query.ResolutionIgnoreDuplicates
	}
	return rows, resolution, params.OnConflict, nil
}

func decodeJSONBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New(errors.KindValidation, "request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(errors.KindValidation, "invalid JSON body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(v)
}
