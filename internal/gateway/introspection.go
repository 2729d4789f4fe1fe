package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cascata/gateway/internal/errors"
)

// registerIntrospectionRoutes wires the schema-introspection, raw-SQL, and
// table-lifecycle surface from spec.md §4.5 onto the same {slug}-scoped
// subrouter the rest of the data plane uses.
func (g *Gateway) registerIntrospectionRoutes(sub *mux.Router) {
	sub.HandleFunc("/columns/{table}", g.handleGetColumns).Methods(http.MethodGet)
	sub.HandleFunc("/functions", g.handleListFunctions).Methods(http.MethodGet)
	sub.HandleFunc("/functions/{name}/definition", g.handleFunctionDefinition).Methods(http.MethodGet)
	sub.HandleFunc("/triggers/{table}", g.handleListTriggers).Methods(http.MethodGet)
	sub.HandleFunc("/query", g.handleRawQuery).Methods(http.MethodPost)
	sub.HandleFunc("/tables/{table}", g.handleCreateTable).Methods(http.MethodPost)
	sub.HandleFunc("/tables/{table}", g.handleDeleteTable).Methods(http.MethodDelete)
	sub.HandleFunc("/recycle-bin", g.handleListRecycleBin).Methods(http.MethodGet)
	sub.HandleFunc("/recycle-bin/{name}/restore", g.handleRestoreTable).Methods(http.MethodPost)
}

func (g *Gateway) handleGetColumns(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	cols, err := g.data.GetColumns(r.Context(), s.db, mux.Vars(r)["table"])
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, cols)
}

func (g *Gateway) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	fns, err := g.data.ListFunctions(r.Context(), s.db)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, fns)
}

func (g *Gateway) handleFunctionDefinition(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	def, err := g.data.GetFunctionDefinition(r.Context(), s.db, mux.Vars(r)["name"])
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]string{"definition": def})
}

func (g *Gateway) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	triggers, err := g.data.ListTriggers(r.Context(), s.db, mux.Vars(r)["table"])
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, triggers)
}

// handleRawQuery is the run_raw_query operation: service-role gated inside
// the controller itself, so the handler just forwards role and lets the
// controller reject anon/authenticated callers.
func (g *Gateway) handleRawQuery(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	var body struct {
		SQL  string        `json:"sql"`
		Args []interface{} `json:"args,omitempty"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	result, err := g.data.RunRawQuery(r.Context(), s.db, s.auth.Role, body.SQL, body.Args)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, result)
}

func (g *Gateway) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	if !s.auth.IsAdmin {
		errors.WriteHTTP(w, errors.New(errors.KindForbidden, "table creation requires admin"))
		return
	}
	var body struct {
		ColumnsDDL string `json:"columns_ddl"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	table := mux.Vars(r)["table"]
	if err := g.data.CreateTable(r.Context(), s.db, table, body.ColumnsDDL); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (g *Gateway) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	if !s.auth.IsAdmin {
		errors.WriteHTTP(w, errors.New(errors.KindForbidden, "table deletion requires admin"))
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := g.data.DeleteTable(r.Context(), s.db, mux.Vars(r)["table"], cascade); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListRecycleBin(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	if !s.auth.IsAdmin {
		errors.WriteHTTP(w, errors.New(errors.KindForbidden, "recycle bin listing requires admin"))
		return
	}
	tables, err := g.data.ListRecycleBin(r.Context(), s.db)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, tables)
}

func (g *Gateway) handleRestoreTable(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	if !s.auth.IsAdmin {
		errors.WriteHTTP(w, errors.New(errors.KindForbidden, "table restore requires admin"))
		return
	}
	if err := g.data.RestoreTable(r.Context(), s.db, mux.Vars(r)["name"]); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
