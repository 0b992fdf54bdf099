package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/QianWanghhu/oconnell-runner/internal/httputil"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/report"
	"github.com/QianWanghhu/oconnell-runner/internal/store"
)

// newServerMux exposes stored sweeps over HTTP:
//
//	GET /api/sweeps                  recent sweeps (?limit=N)
//	GET /api/sweeps/{id}             one sweep
//	GET /api/sweeps/{id}/results     result table as CSV
//	GET /api/sweeps/{id}/initial     cached initial parameter values
//	GET /api/sweeps/{id}/chart       HTML statistics chart
//	GET /metrics                     Prometheus metrics
//	    /debug/                      tsweb debug index and SQL console
func newServerMux(st *store.Store, metrics *monitoring.SweepCollector) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/sweeps", getOnly(func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s))
				return
			}
			limit = v
		}
		sweeps, err := st.ListSweeps(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if sweeps == nil {
			sweeps = []*store.Sweep{}
		}
		httputil.WriteJSONOK(w, sweeps)
	}))
	mux.HandleFunc("/api/sweeps/{id}", getOnly(func(w http.ResponseWriter, r *http.Request) {
		sw, err := st.GetSweep(r.Context(), r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		httputil.WriteJSONOK(w, sw)
	}))
	mux.HandleFunc("/api/sweeps/{id}/results", getOnly(func(w http.ResponseWriter, r *http.Request) {
		results, err := st.Results(r.Context(), r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		if err := results.WriteCSV(w); err != nil {
			monitoring.Logf("ERROR: write results: %v", err)
		}
	}))
	mux.HandleFunc("/api/sweeps/{id}/initial", getOnly(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := st.GetSweep(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		values, err := st.InitialValues(r.Context(), id)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, values)
	}))
	mux.HandleFunc("/api/sweeps/{id}/chart", getOnly(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sw, err := st.GetSweep(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		results, err := st.Results(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if results.Len() == 0 {
			httputil.NotFound(w, "sweep has no results yet")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := report.RenderStats(w, results, fmt.Sprintf("%s %s", sw.Node, sw.Variable)); err != nil {
			monitoring.Logf("ERROR: render chart: %v", err)
		}
	}))

	if err := st.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	return mux, nil
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		h(w, r)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}
