package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/compute/metadata"

	gcerr "github.com/blobcourier/blobcourier/internal/errors"
)

func TestStatic(t *testing.T) {
	tok, err := Static("fixed").Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "fixed" {
		t.Errorf("token = %q, want fixed", tok)
	}
}

func TestCachingProviderCachesUntilMargin(t *testing.T) {
	fetches := 0
	p := &CachingProvider{
		margin: time.Minute,
		fetch: func(ctx context.Context) (string, time.Time, error) {
			fetches++
			return "tok-1", time.Now().Add(time.Hour), nil
		},
	}

	for i := 0; i < 5; i++ {
		tok, err := p.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("token = %q, want tok-1", tok)
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1 (cached within expiry)", fetches)
	}
}

func TestCachingProviderRefreshesInsideMargin(t *testing.T) {
	fetches := 0
	p := &CachingProvider{
		margin: time.Minute,
		fetch: func(ctx context.Context) (string, time.Time, error) {
			fetches++
			// Expiry within the refresh margin: every call refetches.
			return "tok", time.Now().Add(30 * time.Second), nil
		},
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if fetches != 3 {
		t.Errorf("fetches = %d, want 3 (expiry inside the margin)", fetches)
	}
}

func TestCachingProviderPropagatesFetchError(t *testing.T) {
	p := &CachingProvider{
		margin: time.Minute,
		fetch: func(ctx context.Context) (string, time.Time, error) {
			return "", time.Time{}, gcerr.Auth("refresh failed")
		},
	}

	_, err := p.Token(context.Background())
	if !errors.Is(err, gcerr.ErrAuth) {
		t.Fatalf("err = %v, want auth fault", err)
	}
}

func TestNewServiceAccountProviderRejectsGarbage(t *testing.T) {
	_, err := NewServiceAccountProvider([]byte(`{"type":"not-a-key"}`))
	if !errors.Is(err, gcerr.ErrAuth) {
		t.Fatalf("err = %v, want auth fault", err)
	}
}

func TestMetadataProvider(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if !strings.HasSuffix(r.URL.Path, "/instance/service-accounts/default/token") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Metadata-Flavor", "Google")
		w.Write([]byte(`{"access_token":"meta-tok","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	t.Setenv("GCE_METADATA_HOST", strings.TrimPrefix(srv.URL, "http://"))

	p := NewMetadataProvider(metadata.NewClient(srv.Client()))

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "meta-tok" {
		t.Errorf("token = %q, want meta-tok", tok)
	}

	// Second call is served from cache.
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if requests != 1 {
		t.Errorf("metadata requests = %d, want 1", requests)
	}
}

func TestMetadataProviderEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Metadata-Flavor", "Google")
		w.Write([]byte(`{"expires_in":3600}`))
	}))
	defer srv.Close()

	t.Setenv("GCE_METADATA_HOST", strings.TrimPrefix(srv.URL, "http://"))

	p := NewMetadataProvider(metadata.NewClient(srv.Client()))
	_, err := p.Token(context.Background())
	if !errors.Is(err, gcerr.ErrAuth) {
		t.Fatalf("err = %v, want auth fault for a token-less response", err)
	}
}
