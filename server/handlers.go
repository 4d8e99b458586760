package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/clip-scout/db"
	"github.com/onnwee/clip-scout/stats"
	"github.com/onnwee/clip-scout/telemetry"
	"github.com/onnwee/clip-scout/tracker"
	"github.com/onnwee/clip-scout/transcript"
)

// Handlers holds dependencies for all HTTP handlers. Tracker may be nil when
// the process runs in API-only mode against previously recorded data.
type Handlers struct {
	Store      *db.Store
	Tracker    *tracker.Tracker
	Categories *stats.CategorySet
	StatsOpts  stats.Options

	started time.Time
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(store *db.Store, tr *tracker.Tracker, cats *stats.CategorySet, opts stats.Options) *Handlers {
	return &Handlers{
		Store:      store,
		Tracker:    tr,
		Categories: cats,
		StatsOpts:  opts,
		started:    time.Now(),
	}
}

// HandleHealthz is a trivial liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: the database must answer a ping.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "db not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports process uptime and the live tracker state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"uptime_seconds": time.Since(h.started).Seconds(),
	}
	if h.Tracker != nil {
		resp["tracker"] = h.Tracker.CurrentStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleStreamers lists all known streamers.
func (h *Handlers) HandleStreamers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names, err := h.Store.ListStreamers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(names)
}

// HandleStreamersDispatcher routes /streamers/{name}/streams.
func (h *Handlers) HandleStreamersDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streamers/")
	parts := strings.Split(path, "/")
	name := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case name == "":
		http.NotFound(w, r)
	case tail == "streams":
		h.handleStreamsList(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

// handleStreamsList returns a streamer's streams without messages, newest
// first. Live broadcast eras only, unless ?all=1 includes offline eras.
func (h *Handlers) handleStreamsList(w http.ResponseWriter, r *http.Request, streamer string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	liveOnly := r.URL.Query().Get("all") != "1"
	streams, err := h.Store.ListStreams(r.Context(), strings.ToLower(streamer), liveOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(streams)
}

// HandleStreamsDispatcher routes /streams/{id} and /streams/{id}/stats.
func (h *Handlers) HandleStreamsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.Split(path, "/")
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case id == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleStreamDetail(w, r, id)
	case tail == "stats":
		h.handleStreamStats(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleStreamDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := h.Store.GetStream(r.Context(), id)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"id":       st.ID,
		"start":    st.Start,
		"live":     st.Live,
		"segments": len(st.Segments),
		"messages": st.MessageCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStreamStats runs the density aggregator over a persisted stream.
func (h *Handlers) handleStreamStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := h.Store.GetStream(r.Context(), id)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeStats(w, r, st)
}

// HandleLiveStats runs the density aggregator over the in-progress stream.
func (h *Handlers) HandleLiveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Tracker == nil {
		http.Error(w, "tracker not running", http.StatusServiceUnavailable)
		return
	}
	h.writeStats(w, r, h.Tracker.Snapshot())
}

func (h *Handlers) writeStats(w http.ResponseWriter, r *http.Request, st *transcript.Stream) {
	cats := h.Categories.Get()
	var result map[string]transcript.CategoryStats
	if name := r.URL.Query().Get("category"); name != "" {
		cs, err := stats.ForCategory(st, cats, name, h.StatsOpts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result = map[string]transcript.CategoryStats{name: cs}
	} else {
		d := telemetry.TimeFunc(telemetry.AggregationDuration, func() {
			result = stats.Aggregate(st, cats, h.StatsOpts)
		})
		telemetry.LoggerWithCorr(r.Context()).Debug("aggregation complete",
			slog.String("stream", st.ID),
			slog.Duration("took", d))
	}
	telemetry.IncAggregations()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"stream_id":      st.ID,
		"category_stats": result,
	})
}
