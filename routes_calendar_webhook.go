package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ooo-mirror/model"
	"ooo-mirror/resolver"
	"ooo-mirror/subscription"
	"ooo-mirror/syncerr"
)

type notificationResolver interface {
	Resolve(ctx context.Context, n resolver.Notification) (resolver.Resolution, error)
}

type syncTrigger interface {
	Trigger(calendarID string) bool
}

type renewalRunner interface {
	RunTick(ctx context.Context) []subscription.TickOutcome
}

type healthReader interface {
	GetHealth(ctx context.Context, calendarID string) (model.CalendarHealth, error)
}

// CalendarWebhookHandler serves the push notification callback and the operator
// endpoints around subscriptions.
type CalendarWebhookHandler struct {
	resolver   notificationResolver
	trigger    syncTrigger
	renewer    renewalRunner
	health     healthReader
	calendars  []string
	renewToken string
	logger     zerolog.Logger
}

type CalendarWebhookOptions struct {
	Resolver   notificationResolver
	Trigger    syncTrigger
	Renewer    renewalRunner
	Health     healthReader
	Calendars  []string
	RenewToken string
	Logger     zerolog.Logger
}

func NewCalendarWebhookHandler(opts CalendarWebhookOptions) *CalendarWebhookHandler {
	return &CalendarWebhookHandler{
		resolver:   opts.Resolver,
		trigger:    opts.Trigger,
		renewer:    opts.Renewer,
		health:     opts.Health,
		calendars:  opts.Calendars,
		renewToken: opts.RenewToken,
		logger:     opts.Logger.With().Str("component", "webhook").Logger(),
	}
}

// RegisterRoutes registers the calendar webhook routes
func (h *CalendarWebhookHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/calendar/webhook/notification", h.handleWebhookNotification).Methods("POST")
	r.HandleFunc("/calendar/webhook/renew", h.handleRenew).Methods("POST")
	r.HandleFunc("/calendar/webhook/status", h.handleWebhookStatus).Methods("GET")
}

type renewResponse struct {
	Outcomes []subscription.TickOutcome `json:"outcomes"`
	Failed   int                        `json:"failed"`
}

type statusResponse struct {
	Calendars []model.CalendarHealth `json:"calendars"`
}

// handleWebhookNotification answers the provider quickly; the sync itself runs on the
// dispatcher.
func (h *CalendarWebhookHandler) handleWebhookNotification(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	n := resolver.Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		Token:         r.Header.Get("X-Goog-Channel-Token"),
		ResourceID:    r.Header.Get("X-Goog-Resource-ID"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	}
	if strings.TrimSpace(n.ChannelID) == "" || strings.TrimSpace(n.ResourceState) == "" {
		http.Error(w, "missing X-Goog-Channel-ID or X-Goog-Resource-State", http.StatusBadRequest)
		return
	}

	res, err := h.resolver.Resolve(r.Context(), n)
	switch {
	case err == nil:
	case errors.Is(err, syncerr.ErrUnknownChannel):
		w.WriteHeader(http.StatusOK)
		return
	case errors.Is(err, syncerr.ErrUnauthorized):
		h.logger.Debug().Str("channel_id", n.ChannelID).Err(err).Msg("rejected notification")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, syncerr.ErrMalformedNotification):
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	default:
		h.logger.Error().Str("channel_id", n.ChannelID).Err(err).Msg("resolve notification")
		http.Error(w, "notification lookup failed", http.StatusInternalServerError)
		return
	}

	if res.Handshake {
		h.logger.Info().Str("calendar", res.CalendarID).Str("channel_id", n.ChannelID).Msg("channel handshake")
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.trigger.Trigger(res.CalendarID) {
		h.logger.Warn().Str("calendar", res.CalendarID).Msg("dispatcher closed, notification dropped")
	}
	w.WriteHeader(http.StatusOK)
}

// handleRenew is the external periodic trigger. Disabled unless a token is configured.
func (h *CalendarWebhookHandler) handleRenew(w http.ResponseWriter, r *http.Request) {
	if h.renewToken == "" {
		http.Error(w, "renew endpoint disabled", http.StatusNotFound)
		return
	}
	if !bearerMatches(r.Header.Get("Authorization"), h.renewToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	outcomes := h.renewer.RunTick(r.Context())
	resp := renewResponse{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Error != "" {
			resp.Failed++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleWebhookStatus returns subscription and sync health for every watched calendar.
func (h *CalendarWebhookHandler) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := strings.TrimSpace(r.URL.Query().Get("calendar"))
	resp := statusResponse{Calendars: make([]model.CalendarHealth, 0, len(h.calendars))}
	for _, cal := range h.calendars {
		if filter != "" && cal != filter {
			continue
		}
		health, err := h.health.GetHealth(ctx, cal)
		if err != nil {
			h.logger.Error().Str("calendar", cal).Err(err).Msg("read health")
			http.Error(w, "failed to read health", http.StatusInternalServerError)
			return
		}
		resp.Calendars = append(resp.Calendars, health)
	}
	if filter != "" && len(resp.Calendars) == 0 {
		http.Error(w, "calendar is not watched", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func bearerMatches(header, token string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
