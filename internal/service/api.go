package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tickermetrics/config"
	"tickermetrics/internal/model"
)

func (svc *Service) registerRoutes() {
	svc.server.Handle("GET /ws", svc.hub)
	svc.server.Handle("POST /run", http.HandlerFunc(svc.handleRun))
	svc.server.Handle("GET /latest/{ticker}", http.HandlerFunc(svc.handleLatest))
	svc.server.Handle("GET /runs/latest", http.HandlerFunc(svc.handleLatestRun))
}

// Handler returns every HTTP route, for tests.
func (svc *Service) Handler() http.Handler { return svc.server.Handler() }

type runRequest struct {
	Tickers []string `json:"tickers"`
}

type runResponse struct {
	RunID   string             `json:"run_id"`
	Values  map[string]float64 `json:"values"`
	Failed  []string           `json:"failed,omitempty"`
	Error   string             `json:"error,omitempty"`
	Tickers int                `json:"tickers"`
}

// handleRun handles POST /run. The body may list tickers; otherwise the
// configured tickers are processed. The response is written after the run
// completes.
func (svc *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	tickers := svc.cfg.Tickers
	if len(req.Tickers) > 0 {
		tickers = config.ParseTickers(strings.Join(req.Tickers, ","))
	}
	if len(tickers) == 0 {
		http.Error(w, "no tickers", http.StatusBadRequest)
		return
	}

	runID, res, err := svc.runTickers(r.Context(), tickers)
	if errors.Is(err, ErrRunInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	resp := runResponse{
		RunID:   runID,
		Values:  res.Values(),
		Failed:  res.Failed(),
		Tickers: len(tickers),
	}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusInternalServerError
		if errors.Is(err, model.ErrStoreUnreachable) {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// handleLatest handles GET /latest/{ticker}: the cached metric from Redis,
// falling back to SQLite history.
func (svc *Service) handleLatest(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))

	if svc.redisWriter != nil {
		m, err := svc.redisWriter.ReadLatest(r.Context(), ticker)
		if err == nil {
			writeJSON(w, http.StatusOK, m)
			return
		}
		if !errors.Is(err, model.ErrNotFound) {
			svc.log.Warn("redis latest read failed", "ticker", ticker, "error", err)
		}
	}

	if svc.history != nil {
		recs, err := svc.history.LatestMetrics(r.Context(), ticker, 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(recs) > 0 {
			writeJSON(w, http.StatusOK, recs[0])
			return
		}
	}
	http.Error(w, "no metric for "+ticker, http.StatusNotFound)
}

type latestRunResponse struct {
	RunID  string `json:"run_id"`
	Source string `json:"source"` // "redis" or "local"
}

// handleLatestRun handles GET /runs/latest: the last run any engine instance
// wrote to Redis, falling back to this instance's last run.
func (svc *Service) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if svc.redisWriter != nil {
		id, err := svc.redisWriter.LatestRunID(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, latestRunResponse{RunID: id, Source: "redis"})
			return
		}
		if !errors.Is(err, model.ErrNotFound) {
			svc.log.Warn("redis latest run read failed", "error", err)
		}
	}
	if last := svc.health.LastRunSummary(); last != nil {
		writeJSON(w, http.StatusOK, latestRunResponse{RunID: last.ID, Source: "local"})
		return
	}
	http.Error(w, "no run recorded", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
