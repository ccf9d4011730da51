package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ooo-mirror/model"
	"ooo-mirror/syncerr"
)

const (
	defaultRedisURL         = "redis://localhost:6379"
	defaultPort             = "8080"
	defaultSinkKind         = SinkSheets
	defaultSheetName        = "OOO"
	defaultExcelTable       = "OOOEvents"
	defaultTitleMarker      = "OOO"
	defaultRenewalMargin    = time.Hour
	defaultWatchTTL         = 7 * 24 * time.Hour
	defaultRenewSchedule    = "@every 30m"
	defaultSyncLookback     = 30 * 24 * time.Hour
	defaultRequestTimeout   = 30 * time.Second
	defaultSyncTimeout      = 2 * time.Minute
	defaultLockTTL          = 5 * time.Minute
	defaultLedgerBackend    = LedgerRedis
	defaultLedgerSQLitePath = "ooo-ledger.db"
	defaultDescriptionLimit = 5000
	defaultPTOThreshold     = 3
	defaultTimezone         = "UTC"
)

const (
	SinkSheets = "sheets"
	SinkExcel  = "excel"

	LedgerRedis  = "redis"
	LedgerSQLite = "sqlite"
)

// Config is the full runtime configuration. Values only; nothing here changes behavior
// beyond selecting backends.
type Config struct {
	Calendars   []model.WatchedCalendar `yaml:"calendars"`
	CallbackURL string                  `yaml:"callback_url"`

	SinkKind       string `yaml:"sink_kind"`
	SheetID        string `yaml:"sheet_id"`
	SheetName      string `yaml:"sheet_name"`
	ExcelDriveID   string `yaml:"excel_drive_id"`
	ExcelItemID    string `yaml:"excel_item_id"`
	ExcelTableName string `yaml:"excel_table_name"`
	MSTenantID     string `yaml:"ms_tenant_id"`
	MSClientID     string `yaml:"ms_client_id"`
	MSClientSecret string `yaml:"ms_client_secret"`

	ServiceAccountFile       string `yaml:"google_service_account_file"`
	ServiceAccountJSON       string `yaml:"-"`
	ImpersonationSubject     string `yaml:"google_impersonation_subject"`
	ImpersonateCalendarOwner bool   `yaml:"impersonate_calendar_owner"`

	TitleMarker      string        `yaml:"title_marker"`
	RenewalMargin    time.Duration `yaml:"renewal_margin"`
	WatchTTL         time.Duration `yaml:"watch_ttl"`
	RenewSchedule    string        `yaml:"renew_schedule"`
	RenewAuthToken   string        `yaml:"-"`
	SyncLookback     time.Duration `yaml:"sync_lookback"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SyncTimeout      time.Duration `yaml:"sync_timeout"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	DescriptionLimit int           `yaml:"description_limit"`

	RedisURL         string `yaml:"redis_url"`
	LedgerBackend    string `yaml:"ledger_backend"`
	LedgerSQLitePath string `yaml:"ledger_sqlite_path"`

	PTOThreshold    int               `yaml:"pto_threshold"`
	SlackWebhookURL string            `yaml:"-"`
	SlackMentions   string            `yaml:"slack_mentions"`
	SlackCCMentions string            `yaml:"slack_cc_mentions"`
	UserLabels      map[string]string `yaml:"user_labels"`
	Timezone        string            `yaml:"timezone"`

	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns a Config with every optional value filled in.
func Default() *Config {
	return &Config{
		SinkKind:         defaultSinkKind,
		SheetName:        defaultSheetName,
		ExcelTableName:   defaultExcelTable,
		TitleMarker:      defaultTitleMarker,
		RenewalMargin:    defaultRenewalMargin,
		WatchTTL:         defaultWatchTTL,
		RenewSchedule:    defaultRenewSchedule,
		SyncLookback:     defaultSyncLookback,
		RequestTimeout:   defaultRequestTimeout,
		SyncTimeout:      defaultSyncTimeout,
		LockTTL:          defaultLockTTL,
		DescriptionLimit: defaultDescriptionLimit,
		RedisURL:         defaultRedisURL,
		LedgerBackend:    defaultLedgerBackend,
		LedgerSQLitePath: defaultLedgerSQLitePath,
		PTOThreshold:     defaultPTOThreshold,
		Timezone:         defaultTimezone,
		Port:             defaultPort,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load reads .env (if present), then the optional YAML file named by CONFIG_FILE,
// then environment overrides, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, syncerr.New(syncerr.KindConfiguration, "config.load", "", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "config.env", "", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		*dst = d
		return nil
	}

	if v, ok := lookup("TARGET_CALENDARS"); ok && strings.TrimSpace(v) != "" {
		c.Calendars = model.ParseCalendarList(v)
	}
	str("WATCH_CALLBACK_URL", &c.CallbackURL)
	str("SINK_KIND", &c.SinkKind)
	str("SHEET_ID", &c.SheetID)
	str("SHEET_NAME", &c.SheetName)
	str("EXCEL_DRIVE_ID", &c.ExcelDriveID)
	str("EXCEL_ITEM_ID", &c.ExcelItemID)
	str("EXCEL_TABLE_NAME", &c.ExcelTableName)
	str("MS_TENANT_ID", &c.MSTenantID)
	str("MS_CLIENT_ID", &c.MSClientID)
	str("MS_CLIENT_SECRET", &c.MSClientSecret)
	str("GOOGLE_SERVICE_ACCOUNT_FILE", &c.ServiceAccountFile)
	str("GOOGLE_SERVICE_ACCOUNT_JSON", &c.ServiceAccountJSON)
	str("GOOGLE_IMPERSONATION_SUBJECT", &c.ImpersonationSubject)
	str("TITLE_MARKER", &c.TitleMarker)
	str("RENEW_SCHEDULE", &c.RenewSchedule)
	str("RENEW_AUTH_TOKEN", &c.RenewAuthToken)
	str("REDIS_URL", &c.RedisURL)
	str("LEDGER_BACKEND", &c.LedgerBackend)
	str("LEDGER_SQLITE_PATH", &c.LedgerSQLitePath)
	str("SLACK_WEBHOOK_URL", &c.SlackWebhookURL)
	str("SLACK_MENTIONS", &c.SlackMentions)
	str("SLACK_CC_MENTIONS", &c.SlackCCMentions)
	str("TIMEZONE", &c.Timezone)
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup("IMPERSONATE_CALENDAR_OWNER"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid IMPERSONATE_CALENDAR_OWNER value: %w", err)
		}
		c.ImpersonateCalendarOwner = b
	}
	if v, ok := lookup("DESCRIPTION_LIMIT"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid DESCRIPTION_LIMIT value: %w", err)
		}
		c.DescriptionLimit = n
	}
	if v, ok := lookup("PTO_THRESHOLD"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PTO_THRESHOLD value: %w", err)
		}
		c.PTOThreshold = n
	}
	if v, ok := lookup("USER_LABELS_JSON"); ok && strings.TrimSpace(v) != "" {
		labels := map[string]string{}
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &labels); err != nil {
			return fmt.Errorf("USER_LABELS_JSON must be a JSON object of strings: %w", err)
		}
		c.UserLabels = labels
	}

	for key, dst := range map[string]*time.Duration{
		"RENEWAL_MARGIN":  &c.RenewalMargin,
		"WATCH_TTL":       &c.WatchTTL,
		"SYNC_LOOKBACK":   &c.SyncLookback,
		"REQUEST_TIMEOUT": &c.RequestTimeout,
		"SYNC_TIMEOUT":    &c.SyncTimeout,
		"LOCK_TTL":        &c.LockTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first missing or inconsistent setting as a configuration error.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return syncerr.Newf(syncerr.KindConfiguration, "config.validate", "", format, args...)
	}

	if len(c.EnabledCalendars()) == 0 {
		return fail("TARGET_CALENDARS must include at least one calendar")
	}
	if c.CallbackURL == "" {
		return fail("missing WATCH_CALLBACK_URL")
	}
	if !strings.HasPrefix(c.CallbackURL, "https://") && !strings.HasPrefix(c.CallbackURL, "http://") {
		return fail("WATCH_CALLBACK_URL must be an http(s) URL, got %q", c.CallbackURL)
	}
	if c.ServiceAccountFile == "" && c.ServiceAccountJSON == "" {
		return fail("missing GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_SERVICE_ACCOUNT_JSON")
	}
	switch c.SinkKind {
	case SinkSheets:
		if c.SheetID == "" {
			return fail("missing SHEET_ID for sheets sink")
		}
	case SinkExcel:
		for key, v := range map[string]string{
			"EXCEL_DRIVE_ID":   c.ExcelDriveID,
			"EXCEL_ITEM_ID":    c.ExcelItemID,
			"MS_TENANT_ID":     c.MSTenantID,
			"MS_CLIENT_ID":     c.MSClientID,
			"MS_CLIENT_SECRET": c.MSClientSecret,
		} {
			if v == "" {
				return fail("missing %s for excel sink", key)
			}
		}
	default:
		return fail("unknown SINK_KIND %q", c.SinkKind)
	}
	switch c.LedgerBackend {
	case LedgerRedis:
	case LedgerSQLite:
		if c.LedgerSQLitePath == "" {
			return fail("missing LEDGER_SQLITE_PATH for sqlite ledger")
		}
	default:
		return fail("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if strings.TrimSpace(c.TitleMarker) == "" {
		return fail("TITLE_MARKER must not be blank")
	}
	if c.WatchTTL <= c.RenewalMargin {
		return fail("WATCH_TTL (%s) must exceed RENEWAL_MARGIN (%s)", c.WatchTTL, c.RenewalMargin)
	}
	if c.RequestTimeout <= 0 || c.SyncTimeout <= 0 || c.LockTTL <= 0 {
		return fail("timeouts must be positive")
	}
	// A lease shorter than a pass would let a second pass start mid-flight.
	if c.LockTTL <= c.SyncTimeout {
		return fail("LOCK_TTL (%s) must exceed SYNC_TIMEOUT (%s)", c.LockTTL, c.SyncTimeout)
	}
	if c.PTOThreshold < 0 {
		return fail("PTO_THRESHOLD must not be negative, got %d", c.PTOThreshold)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fail("invalid TIMEZONE %q: %v", c.Timezone, err)
	}
	if c.SlackWebhookURL != "" && !strings.HasPrefix(c.SlackWebhookURL, "https://") && !strings.HasPrefix(c.SlackWebhookURL, "http://") {
		return fail("SLACK_WEBHOOK_URL must be an http(s) URL")
	}
	return nil
}

// Location is the zone absence days are counted in. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AlertsEnabled reports whether absence overlap alerts are configured.
func (c *Config) AlertsEnabled() bool {
	return c.SlackWebhookURL != ""
}

// WorksheetLabel names the sheet or table rows land in, without a cell range.
func (c *Config) WorksheetLabel() string {
	if c.SinkKind == SinkExcel {
		return c.ExcelTableName
	}
	return c.SheetName
}

// EnabledCalendars returns the calendars with monitoring switched on.
func (c *Config) EnabledCalendars() []model.WatchedCalendar {
	out := make([]model.WatchedCalendar, 0, len(c.Calendars))
	for _, cal := range c.Calendars {
		if cal.Enabled && cal.ID != "" {
			out = append(out, cal)
		}
	}
	return out
}

// SinkTarget names the destination table or worksheet for logging and the sink call.
func (c *Config) SinkTarget() string {
	if c.SinkKind == SinkExcel {
		return c.ExcelTableName
	}
	return c.SheetName + "!A1"
}
