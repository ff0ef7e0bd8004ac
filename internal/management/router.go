// Package management implements the thin management HTTP surface: health,
// tunnel listing, traffic query/purge, replay, and metrics exposition. It
// is a collaborator around the gateway core, not part of the core itself.
package management

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/inspector"
	"github.com/reverseproxy/tunnelgw/internal/metrics"
	"github.com/reverseproxy/tunnelgw/internal/replay"
)

// Router builds and serves the management HTTP surface.
type Router struct {
	registry  *gateway.Registry
	store     *inspector.Store
	engine    *replay.Engine
	collector *metrics.Collector
	startedAt time.Time
	mux       *mux.Router
}

// New wires a management router around the gateway's live components.
func New(registry *gateway.Registry, store *inspector.Store, engine *replay.Engine, collector *metrics.Collector) *Router {
	r := &Router{
		registry:  registry,
		store:     store,
		engine:    engine,
		collector: collector,
		startedAt: time.Now(),
	}
	r.mux = mux.NewRouter()
	r.mux.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	r.mux.HandleFunc("/tunnels", r.handleTunnels).Methods(http.MethodGet)
	r.mux.HandleFunc("/traffic", r.handleTrafficQuery).Methods(http.MethodGet)
	r.mux.HandleFunc("/traffic", r.handleTrafficPurge).Methods(http.MethodDelete)
	r.mux.HandleFunc("/traffic/{request_id}", r.handleTrafficByID).Methods(http.MethodGet)
	r.mux.HandleFunc("/replay/{request_id}", r.handleReplay).Methods(http.MethodPost)
	r.mux.HandleFunc("/replay/{request_id}/diff", r.handleReplayDiff).Methods(http.MethodPost)
	r.mux.HandleFunc("/metrics", r.handleMetrics).Methods(http.MethodGet)
	r.mux.Handle("/metrics/prometheus", collector.Handler()).Methods(http.MethodGet)
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"tunnels":  r.registry.Count(),
		"uptime_s": int64(time.Since(r.startedAt).Seconds()),
	})
}

func (r *Router) handleTunnels(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.registry.Stats())
}

func (r *Router) handleTrafficQuery(w http.ResponseWriter, req *http.Request) {
	filter, err := parseQueryFilter(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, gateway.CodeInvalidMessage, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.store.Query(filter))
}

func (r *Router) handleTrafficByID(w http.ResponseWriter, req *http.Request) {
	requestID := mux.Vars(req)["request_id"]
	capture := r.store.GetByID(requestID)
	if capture == nil {
		writeError(w, http.StatusNotFound, gateway.CodeRequestNotFound, "no capture for request "+requestID)
		return
	}
	writeJSON(w, http.StatusOK, capture)
}

func (r *Router) handleTrafficPurge(w http.ResponseWriter, req *http.Request) {
	r.store.Purge()
	w.WriteHeader(http.StatusNoContent)
}

type replayRequestBody struct {
	Modifications replay.Modifications `json:"modifications"`
}

func (r *Router) handleReplay(w http.ResponseWriter, req *http.Request) {
	requestID := mux.Vars(req)["request_id"]
	var body replayRequestBody
	if req.Body != nil {
		json.NewDecoder(req.Body).Decode(&body)
	}
	record, err := r.engine.Replay(req.Context(), requestID, body.Modifications)
	if err != nil {
		writeError(w, err.HTTPStatus(), err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (r *Router) handleReplayDiff(w http.ResponseWriter, req *http.Request) {
	requestID := mux.Vars(req)["request_id"]
	var body replayRequestBody
	if req.Body != nil {
		json.NewDecoder(req.Body).Decode(&body)
	}
	record, diff, err := r.engine.ReplayWithDiff(req.Context(), requestID, body.Modifications)
	if err != nil {
		writeError(w, err.HTTPStatus(), err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record, "diff": diff})
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.store.Metrics())
}

func parseQueryFilter(req *http.Request) (inspector.QueryFilter, error) {
	q := req.URL.Query()
	filter := inspector.QueryFilter{
		Method: q.Get("method"),
		Limit:  50,
	}
	if raw := q.Get("status_code"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.StatusCode = v
	}
	if raw := q.Get("path"); raw != "" {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return filter, err
		}
		filter.PathRegex = re
	}
	if raw := q.Get("since"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, err
		}
		filter.Since = time.Unix(sec, 0)
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.Offset = v
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code gateway.Code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}
