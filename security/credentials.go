package security

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/sheets/v4"
)

// Scopes requested for each Google surface.
var (
	CalendarScopes = []string{
		calendar.CalendarReadonlyScope,
		calendar.CalendarEventsReadonlyScope,
	}

	SheetsScopes = []string{
		sheets.SpreadsheetsScope,
	}

	GraphScopes = []string{"https://graph.microsoft.com/.default"}
)

// CredentialProvider hands out authenticated HTTP clients. Implementations hold key
// material read-only; callers pass the provider explicitly to every boundary.
type CredentialProvider interface {
	GoogleClient(ctx context.Context, subject string, scopes []string) (*http.Client, error)
	SubjectFor(calendarID string) string
}

// ServiceAccountProvider issues domain-wide-delegation clients from a service account key.
type ServiceAccountProvider struct {
	keyJSON        []byte
	defaultSubject string
	perOwner       bool

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// ServiceAccountOptions configures subject selection.
type ServiceAccountOptions struct {
	// DefaultSubject is impersonated when PerOwner is false. Empty means the service
	// account acts as itself.
	DefaultSubject string
	// PerOwner impersonates each calendar identity (calendar ids are user addresses).
	PerOwner bool
}

// LoadServiceAccountFile reads a key file once at startup.
func LoadServiceAccountFile(path string, opts ServiceAccountOptions) (*ServiceAccountProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account file: %w", err)
	}
	return NewServiceAccountProvider(data, opts)
}

// NewServiceAccountProvider validates the key JSON and returns a provider.
func NewServiceAccountProvider(keyJSON []byte, opts ServiceAccountOptions) (*ServiceAccountProvider, error) {
	if _, err := google.JWTConfigFromJSON(keyJSON, CalendarScopes...); err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	key := make([]byte, len(keyJSON))
	copy(key, keyJSON)
	return &ServiceAccountProvider{
		keyJSON:        key,
		defaultSubject: strings.TrimSpace(opts.DefaultSubject),
		perOwner:       opts.PerOwner,
		sources:        make(map[string]oauth2.TokenSource),
	}, nil
}

// SubjectFor returns the user impersonated when acting on calendarID.
func (p *ServiceAccountProvider) SubjectFor(calendarID string) string {
	if p.perOwner && strings.Contains(calendarID, "@") {
		return calendarID
	}
	return p.defaultSubject
}

// GoogleClient returns an HTTP client acting as subject with the given scopes. Token
// sources are cached per subject and scope set so refreshes are shared.
func (p *ServiceAccountProvider) GoogleClient(ctx context.Context, subject string, scopes []string) (*http.Client, error) {
	src, err := p.tokenSource(ctx, subject, scopes)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, src), nil
}

func (p *ServiceAccountProvider) tokenSource(ctx context.Context, subject string, scopes []string) (oauth2.TokenSource, error) {
	cacheKey := subject + "|" + strings.Join(scopes, " ")

	p.mu.Lock()
	defer p.mu.Unlock()
	if src, ok := p.sources[cacheKey]; ok {
		return src, nil
	}

	cfg, err := p.jwtConfig(subject, scopes)
	if err != nil {
		return nil, err
	}
	// The cached source outlives the request that created it.
	src := oauth2.ReuseTokenSource(nil, cfg.TokenSource(context.WithoutCancel(ctx)))
	p.sources[cacheKey] = src
	return src, nil
}

func (p *ServiceAccountProvider) jwtConfig(subject string, scopes []string) (*jwt.Config, error) {
	cfg, err := google.JWTConfigFromJSON(p.keyJSON, scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWT config: %w", err)
	}
	cfg.Subject = subject
	return cfg, nil
}

// GraphCredentials are the Microsoft Entra client-credential settings for the Excel sink.
type GraphCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// GraphClient returns an app-only Microsoft Graph client.
func GraphClient(ctx context.Context, creds GraphCredentials) *http.Client {
	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", creds.TenantID),
		Scopes:       GraphScopes,
	}
	return cfg.Client(ctx)
}
