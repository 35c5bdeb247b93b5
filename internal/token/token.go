// Package token obtains and caches the bearer credential presented to the
// storage API.
//
// Two acquisition paths exist: a service-account key file (JWT grant via
// golang.org/x/oauth2/google) and the GCE instance metadata token endpoint.
// Both sit behind CachingProvider, which stores the token with its explicit
// expiry timestamp and refreshes when now >= expiry - margin.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
	"golang.org/x/oauth2/google"

	gcerr "github.com/blobcourier/blobcourier/internal/errors"
)

const (
	// Scope is the OAuth scope requested for all storage API calls.
	Scope = "https://www.googleapis.com/auth/devstorage.read_write"

	// metadataTokenPath is the metadata-server suffix for the default
	// service account's access token.
	metadataTokenPath = "instance/service-accounts/default/token"

	// refreshMargin is how long before expiry a cached token is considered
	// stale.
	refreshMargin = time.Minute
)

// Provider yields a bearer token for Authorization headers. An empty token
// with a nil error means "no credential available"; callers omit the header.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, used in tests and for pre-acquired credentials.
type Static string

// Token returns the static token.
func (s Static) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// fetchFunc acquires a fresh token and its expiry.
type fetchFunc func(ctx context.Context) (string, time.Time, error)

// CachingProvider caches a token until it approaches its expiry. Redundant
// concurrent refreshes are tolerated: no lock is held during the fetch and
// the last writer wins.
type CachingProvider struct {
	fetch  fetchFunc
	margin time.Duration

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

// Token returns the cached token, refreshing it first when it is within the
// margin of its expiry.
func (p *CachingProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	tok, exp := p.token, p.expiry
	p.mu.RUnlock()

	if tok != "" && time.Now().Before(exp.Add(-p.margin)) {
		return tok, nil
	}

	tok, exp, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.token, p.expiry = tok, exp
	p.mu.Unlock()
	return tok, nil
}

// NewServiceAccountProvider builds a provider backed by a service-account
// JSON key.
func NewServiceAccountProvider(keyJSON []byte) (*CachingProvider, error) {
	cfg, err := google.JWTConfigFromJSON(keyJSON, Scope)
	if err != nil {
		return nil, gcerr.Auth("parsing service account key: %v", err)
	}
	return &CachingProvider{
		margin: refreshMargin,
		fetch: func(ctx context.Context) (string, time.Time, error) {
			t, err := cfg.TokenSource(ctx).Token()
			if err != nil {
				return "", time.Time{}, gcerr.Auth("service account token: %v", err)
			}
			return t.AccessToken, t.Expiry, nil
		},
	}, nil
}

// metadataToken is the JSON shape of the metadata server's token response.
type metadataToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// NewMetadataProvider builds a provider backed by the GCE instance metadata
// token endpoint. A nil client uses the default metadata client.
func NewMetadataProvider(client *metadata.Client) *CachingProvider {
	if client == nil {
		client = metadata.NewClient(nil)
	}
	return &CachingProvider{
		margin: refreshMargin,
		fetch: func(ctx context.Context) (string, time.Time, error) {
			body, err := client.GetWithContext(ctx, metadataTokenPath)
			if err != nil {
				return "", time.Time{}, gcerr.Auth("metadata token: %v", err)
			}
			var mt metadataToken
			if err := json.Unmarshal([]byte(body), &mt); err != nil {
				return "", time.Time{}, gcerr.Auth("decoding metadata token: %v", err)
			}
			if mt.AccessToken == "" {
				return "", time.Time{}, gcerr.Auth("metadata token response carried no access_token")
			}
			return mt.AccessToken, time.Now().Add(time.Duration(mt.ExpiresIn) * time.Second), nil
		},
	}
}

// NewProvider picks the acquisition path: the service-account key file when
// one is configured and readable, otherwise the metadata server.
func NewProvider(keyPath string) (Provider, error) {
	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err == nil {
			return NewServiceAccountProvider(data)
		}
		if !metadata.OnGCE() {
			return nil, fmt.Errorf("reading credentials file %s: %w", keyPath, err)
		}
	}
	return NewMetadataProvider(nil), nil
}
