package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ooo-mirror/activity"
)

const (
	activityKeepalive  = 25 * time.Second
	activityRetryDelay = 300 * time.Millisecond
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

type activityHandler struct {
	feed   *activity.Feed
	logger zerolog.Logger
}

func registerActivityRoutes(r *mux.Router, feed *activity.Feed, logger zerolog.Logger) {
	h := &activityHandler{feed: feed, logger: logger.With().Str("component", "activity-http").Logger()}
	r.HandleFunc("/activity/recent", h.handleRecent).Methods("GET")
	r.HandleFunc("/activity/stream", h.handleSSE).Methods("GET")
	r.HandleFunc("/activity/ws", h.handleWebSocket).Methods("GET")
}

type activityQuery struct {
	after    string
	calendar string
}

func parseActivityQuery(r *http.Request) activityQuery {
	return activityQuery{
		after:    strings.TrimSpace(r.URL.Query().Get("after")),
		calendar: strings.TrimSpace(r.URL.Query().Get("calendar")),
	}
}

func (q activityQuery) matches(e activity.Entry) bool {
	return q.calendar == "" || e.Calendar == q.calendar
}

func (h *activityHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.Error(w, "activity feed unavailable", http.StatusServiceUnavailable)
		return
	}

	limit := int64(defaultRecentLimit)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}

	entries, err := h.feed.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("read activity failed: %v", err), http.StatusInternalServerError)
		return
	}
	q := parseActivityQuery(r)
	out := make([]activity.Entry, 0, len(entries))
	for _, e := range entries {
		if q.matches(e) {
			out = append(out, e)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": out})
}

func (h *activityHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.Error(w, "activity feed unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := parseActivityQuery(r)
	lastID := q.after

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(activityKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
			continue
		default:
		}

		entries, nextID, err := h.feed.Tail(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Msg("activity tail failed")
			time.Sleep(activityRetryDelay)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		lastID = nextID
		for _, e := range entries {
			if !q.matches(e) {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\n", e.ID)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

var activityUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Output-only surface.
		return true
	},
}

func (h *activityHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.Error(w, "activity feed unavailable", http.StatusServiceUnavailable)
		return
	}

	q := parseActivityQuery(r)
	lastID := q.after

	conn, err := activityUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		entries, nextID, err := h.feed.Tail(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			time.Sleep(activityRetryDelay)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		lastID = nextID
		for _, e := range entries {
			if !q.matches(e) {
				continue
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
