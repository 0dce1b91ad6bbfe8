package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castwatch/telemetry/internal/domain"
	"github.com/castwatch/telemetry/internal/repository"
	"github.com/castwatch/telemetry/internal/service/scrape"
	"github.com/castwatch/telemetry/internal/service/uploads"
	"github.com/castwatch/telemetry/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	scrape      *scrape.Service
	tracker     *uploads.Tracker
	aggregator  *uploads.Aggregator
	rollups     repository.HourlyRollupRepository
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	ingestToken string
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 600
	rateLimitTrigger   = 60
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second

	hourParamLayout = "2006-01-02-15"
	dayParamLayout  = "2006-01-02"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, scrapeSvc *scrape.Service, tracker *uploads.Tracker, aggregator *uploads.Aggregator, rollups repository.HourlyRollupRepository, hub *ws.Hub, limiter RateLimiter, ingestToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		scrape:     scrapeSvc,
		tracker:    tracker,
		aggregator: aggregator,
		rollups:    rollups,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		ingestToken: ingestToken,
		dbHealth:    dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/internal/scrape", r.instrument("/internal/scrape", r.requireToken(r.withRateLimit("/internal/scrape", rateLimitTrigger, rateWindowDefault, r.handleScrape))))
	r.mux.HandleFunc("/internal/rollup", r.instrument("/internal/rollup", r.requireToken(r.withRateLimit("/internal/rollup", rateLimitTrigger, rateWindowDefault, r.handleRollup))))
	r.mux.HandleFunc("/events/upload/prepared", r.instrument("/events/upload/prepared", r.requireToken(r.withRateLimit("/events/upload", rateLimitIngest, rateWindowDefault, r.handleUploadPrepared))))
	r.mux.HandleFunc("/events/upload/completed", r.instrument("/events/upload/completed", r.requireToken(r.withRateLimit("/events/upload", rateLimitIngest, rateWindowDefault, r.handleUploadCompleted))))
	r.mux.HandleFunc("/events/upload/failed", r.instrument("/events/upload/failed", r.requireToken(r.withRateLimit("/events/upload", rateLimitIngest, rateWindowDefault, r.handleUploadFailed))))
	r.mux.HandleFunc("/stats/current", r.instrument("/stats/current", r.handleStatsCurrent))
	r.mux.HandleFunc("/stats/timeseries", r.instrument("/stats/timeseries", r.handleTimeseries))
	r.mux.HandleFunc("/stats/uploads", r.instrument("/stats/uploads", r.handleStatsUploads))
	r.mux.HandleFunc("/stats/upload/{upload_id}", r.instrument("/stats/upload/{upload_id}", r.handleUploadByID))
	r.mux.HandleFunc("/stats/hourly", r.instrument("/stats/hourly", r.handleStatsHourly))
	r.mux.HandleFunc("/ws/stats", r.withRateLimit("/ws/stats", rateLimitWebsocket, rateWindowRealtime, r.handleStatsWS))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleScrape(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	doc, err := r.scrape.RunCycle(req.Context())
	if err != nil {
		if errors.Is(err, scrape.ErrCycleStale) {
			writeError(w, http.StatusConflict, "cycle superseded by a concurrent run")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (r *Router) handleRollup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if raw := req.URL.Query().Get("hour"); raw != "" {
		hour, err := time.Parse(hourParamLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hour must use format "+hourParamLayout)
			return
		}
		if err := r.aggregator.RunForHour(req.Context(), hour.UTC()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "hour": raw})
		return
	}
	if err := r.aggregator.RunOnce(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleUploadPrepared(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.PreparedEvent
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	row, err := r.tracker.RecordPrepared(req.Context(), payload)
	if err != nil {
		r.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"upload_id": row.UploadID,
		"status":    row.Status,
	})
}

func (r *Router) handleUploadCompleted(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.CompletedEvent
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	row, err := r.tracker.RecordCompleted(req.Context(), payload)
	if err != nil {
		r.writeTrackerError(w, err)
		return
	}
	response := map[string]any{
		"upload_id": row.UploadID,
		"status":    row.Status,
	}
	if row.UploadDuration != nil {
		response["upload_duration"] = *row.UploadDuration
		response["duration_bucket"] = uploads.DurationBucket(*row.UploadDuration)
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Router) handleUploadFailed(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.FailedEvent
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	row, err := r.tracker.RecordFailed(req.Context(), payload)
	if err != nil {
		r.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id":      row.UploadID,
		"status":         row.Status,
		"attempt_number": row.AttemptNumber,
	})
}

func (r *Router) handleStatsCurrent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	doc, found, err := r.scrape.CurrentStats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no stats published yet")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (r *Router) handleTimeseries(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	granularity := req.URL.Query().Get("granularity")
	window := 0
	if raw := req.URL.Query().Get("window"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive integer")
			return
		}
		window = parsed
	}
	switch granularity {
	case "", "minute":
		points, err := r.scrape.MinuteSeries(req.Context(), window)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"granularity": "minute", "points": points})
	case "hour":
		points, err := r.scrape.HourSeries(req.Context(), window)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"granularity": "hour", "points": points})
	default:
		writeError(w, http.StatusBadRequest, "granularity must be minute or hour")
	}
}

func (r *Router) handleStatsUploads(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	counters, err := r.tracker.Counters(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (r *Router) handleUploadByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	row, err := r.tracker.Lookup(req.Context(), req.PathValue("upload_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown upload id")
			return
		}
		r.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (r *Router) handleStatsHourly(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	from := now.Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)
	if raw := req.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(dayParamLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must use format "+dayParamLayout)
			return
		}
		from = parsed.UTC()
		to = from.Add(24 * time.Hour)
	}
	if raw := req.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(dayParamLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must use format "+dayParamLayout)
			return
		}
		to = parsed.UTC().Add(24 * time.Hour)
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must not precede from")
		return
	}
	rollups, err := r.rollups.ListHourlyRollups(req.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollups": rollups})
}

func (r *Router) handleStatsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewWebsocketClient(conn)
	r.hub.Register(ws.ChannelStats, client)
	defer func() {
		r.hub.Unregister(ws.ChannelStats, client)
		client.Close()
	}()
	// Drain control frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) writeTrackerError(w http.ResponseWriter, err error) {
	var validation *uploads.ValidationError
	switch {
	case errors.As(err, &validation):
		writeValidationError(w, "invalid event payload", validation.Fields)
	case errors.Is(err, repository.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "upload already prepared")
	case errors.Is(err, repository.ErrAlreadyFinal):
		writeError(w, http.StatusConflict, "upload already in terminal state")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// statusRecorder captures the response code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, req)
		r.recordRequestMetrics(req.Method, route, recorder.status, time.Since(start))
	}
}
