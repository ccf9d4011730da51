// Package app assembles the mirror's components from a Config. Both the server and
// oooctl build through here so they share one wiring.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ooo-mirror/activity"
	"ooo-mirror/alerts"
	"ooo-mirror/classifier"
	"ooo-mirror/config"
	"ooo-mirror/deltasync"
	"ooo-mirror/keylock"
	"ooo-mirror/ledger"
	"ooo-mirror/pipeline"
	"ooo-mirror/provider"
	"ooo-mirror/rdb"
	"ooo-mirror/resolver"
	"ooo-mirror/security"
	"ooo-mirror/sink"
	"ooo-mirror/subscription"
	"ooo-mirror/syncerr"
	"ooo-mirror/watchstore"
)

// Services is the wired component graph.
type Services struct {
	Config        *config.Config
	Redis         *redis.Client
	Store         *watchstore.Store
	Ledger        ledger.Ledger
	Feed          *activity.Feed
	Calendar      *provider.GoogleCalendar
	Sink          sink.Sink
	Subscriptions *subscription.Manager
	Resolver      *resolver.Resolver
	Orchestrator  *pipeline.Orchestrator
	Alerts        *alerts.Alerter
	Logger        zerolog.Logger

	closers []io.Closer
}

// Overrides replaces externally reached pieces. Zero values build the real ones.
type Overrides struct {
	Credentials security.CredentialProvider
	Calendar    *provider.GoogleCalendar
	Sink        sink.Sink
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT values.
func NewLogger(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "ooo-mirror").Logger()
}

// CalendarIDs lists the enabled calendar identities in configured order.
func CalendarIDs(cfg *config.Config) []string {
	enabled := cfg.EnabledCalendars()
	ids := make([]string, 0, len(enabled))
	for _, cal := range enabled {
		ids = append(ids, cal.ID)
	}
	return ids
}

// Build connects to Redis and wires every component.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, ov Overrides) (*Services, error) {
	client, err := rdb.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "redis", "", err)
	}
	s := &Services{Config: cfg, Redis: client, Logger: logger}
	s.closers = append(s.closers, client)

	if err := s.build(ctx, ov); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) build(ctx context.Context, ov Overrides) error {
	cfg := s.Config

	creds := ov.Credentials
	if creds == nil {
		var err error
		creds, err = googleCredentials(cfg)
		if err != nil {
			return err
		}
	}

	s.Store = watchstore.New(s.Redis)
	s.Feed = activity.NewFeed(s.Redis)

	switch cfg.LedgerBackend {
	case config.LedgerSQLite:
		l, err := ledger.OpenSQLite(ctx, cfg.LedgerSQLitePath)
		if err != nil {
			return syncerr.New(syncerr.KindConfiguration, "ledger", "", err)
		}
		s.Ledger = l
		s.closers = append(s.closers, l)
	default:
		s.Ledger = ledger.NewRedis(s.Redis)
	}

	s.Calendar = ov.Calendar
	if s.Calendar == nil {
		s.Calendar = provider.NewGoogle(creds, provider.GoogleOptions{
			Lookback:       cfg.SyncLookback,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         s.Logger,
		})
	}

	s.Sink = ov.Sink
	if s.Sink == nil {
		out, err := buildSink(ctx, cfg, creds)
		if err != nil {
			return err
		}
		s.Sink = out
	}

	calendars := CalendarIDs(cfg)
	s.Subscriptions = subscription.New(s.Store, s.Calendar, s.Feed, subscription.Config{
		Calendars:   calendars,
		CallbackURL: cfg.CallbackURL,
		TTL:         cfg.WatchTTL,
		Margin:      cfg.RenewalMargin,
	}, s.Logger)
	s.Resolver = resolver.New(s.Store, s.Logger)

	var alerter pipeline.AbsenceAlerter
	if cfg.AlertsEnabled() {
		s.Alerts = alerts.New(s.Calendar, alerts.NewStore(s.Redis), alerts.NewSlack(cfg.SlackWebhookURL, nil), alerts.Options{
			Calendars:  calendars,
			Threshold:  cfg.PTOThreshold,
			Marker:     cfg.TitleMarker,
			Mentions:   cfg.SlackMentions,
			CCMentions: cfg.SlackCCMentions,
			Labels:     cfg.UserLabels,
			Worksheet:  cfg.WorksheetLabel(),
			Location:   cfg.Location(),
			Logger:     s.Logger,
		})
		alerter = s.Alerts
	}

	s.Orchestrator = pipeline.NewOrchestrator(pipeline.Options{
		Locker:      keylock.New(s.Redis, cfg.LockTTL),
		Engine:      deltasync.New(s.Calendar, s.Store, s.Logger),
		Classifier:  classifier.New(s.Ledger, cfg.TitleMarker, cfg.DescriptionLimit),
		Sink:        s.Sink,
		Target:      sink.Target(cfg.SinkTarget()),
		Health:      s.Store,
		Feed:        s.Feed,
		Alerter:     alerter,
		SyncTimeout: cfg.SyncTimeout,
		Logger:      s.Logger,
	})

	s.Logger.Info().
		Strs("calendars", calendars).
		Str("sink", cfg.SinkKind).
		Str("target", cfg.SinkTarget()).
		Str("ledger", cfg.LedgerBackend).
		Bool("absence_alerts", s.Alerts != nil).
		Msg("services wired")
	return nil
}

// Close releases the ledger file and the Redis client.
func (s *Services) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

func googleCredentials(cfg *config.Config) (*security.ServiceAccountProvider, error) {
	opts := security.ServiceAccountOptions{
		DefaultSubject: cfg.ImpersonationSubject,
		PerOwner:       cfg.ImpersonateCalendarOwner,
	}
	var (
		p   *security.ServiceAccountProvider
		err error
	)
	if strings.TrimSpace(cfg.ServiceAccountJSON) != "" {
		p, err = security.NewServiceAccountProvider([]byte(cfg.ServiceAccountJSON), opts)
	} else {
		p, err = security.LoadServiceAccountFile(cfg.ServiceAccountFile, opts)
	}
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "google credentials", "", err)
	}
	return p, nil
}

func buildSink(ctx context.Context, cfg *config.Config, creds security.CredentialProvider) (sink.Sink, error) {
	switch cfg.SinkKind {
	case config.SinkExcel:
		client := security.GraphClient(ctx, security.GraphCredentials{
			TenantID:     cfg.MSTenantID,
			ClientID:     cfg.MSClientID,
			ClientSecret: cfg.MSClientSecret,
		})
		return sink.NewExcel(client, sink.ExcelOptions{
			DriveID: cfg.ExcelDriveID,
			ItemID:  cfg.ExcelItemID,
			Timeout: cfg.RequestTimeout,
		}), nil
	case config.SinkSheets:
		return sink.NewSheets(ctx, creds, cfg.ImpersonationSubject, cfg.SheetID, cfg.RequestTimeout)
	default:
		return nil, syncerr.Newf(syncerr.KindConfiguration, "sink", "", "unknown sink kind %q", cfg.SinkKind)
	}
}

// Describe is a one-line summary for CLI output.
func (s *Services) Describe() string {
	return fmt.Sprintf("%d calendar(s) -> %s %s", len(CalendarIDs(s.Config)), s.Config.SinkKind, s.Config.SinkTarget())
}
