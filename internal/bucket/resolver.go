// Package bucket maps a logical container identity to a physical bucket
// name, creating the bucket on first use and reconciling its labels and
// access policy idempotently.
package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	gcerr "github.com/blobcourier/blobcourier/internal/errors"
	"github.com/blobcourier/blobcourier/internal/gcs"
	"github.com/blobcourier/blobcourier/internal/retry"
)

// defaultNameFormat is the bucket name template when none is configured.
const defaultNameFormat = "{container}{delimiter}{base}"

// Container identifies the logical container whose blobs live in one bucket.
type Container struct {
	// ID is the container identity; it keys the resolver cache and becomes
	// the "container" bucket label.
	ID string
	// BucketOverride, when set, names an explicit bucket that must be
	// reachable. No fallback to the naming scheme happens when it is not.
	BucketOverride string
}

// Config holds bucket naming and reconciliation settings.
type Config struct {
	// BaseName is the base bucket name the template expands against.
	BaseName string
	// NameFormat is the bucket name template. Placeholders: {container},
	// {delimiter}, {base}.
	NameFormat string
	// Labels are merged into every resolved bucket's labels.
	Labels map[string]string
	// UniformBucketLevelAccess is the desired uniform-access policy flag.
	UniformBucketLevelAccess bool
	// Project is the project buckets are created under.
	Project string
	// Location is the bucket location hint for creation, if any.
	Location string
	// CacheTTL bounds how long a resolved name stays cached. Zero means the
	// remainder of the process lifetime.
	CacheTTL time.Duration
}

// cacheEntry is one resolved bucket name with its optional expiry.
type cacheEntry struct {
	name    string
	expires time.Time
}

// Resolver resolves and caches bucket names. Safe for concurrent use;
// duplicate resolution work between racing callers is acceptable, and racing
// bucket creations resolve through Conflict tolerance.
type Resolver struct {
	client *gcs.Client
	cfg    Config
	policy retry.Policy

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver over the given client.
func NewResolver(client *gcs.Client, cfg Config) *Resolver {
	if cfg.NameFormat == "" {
		cfg.NameFormat = defaultNameFormat
	}
	return &Resolver{
		client: client,
		cfg:    cfg,
		policy: retry.Exponential(10),
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns the physical bucket name for a container. With an
// override set, the override is probed and either returned or rejected with
// a precondition fault. Otherwise the templated name is resolved,
// get-or-created on first use, reconciled, and cached.
func (r *Resolver) Resolve(ctx context.Context, c Container) (string, error) {
	if c.BucketOverride != "" {
		if !r.accessible(ctx, c.BucketOverride) {
			slog.Error("bucket override is not accessible",
				"bucket", c.BucketOverride, "container", c.ID)
			return "", gcerr.Precondition("bucket %s is not accessible", c.BucketOverride).WithKey(c.BucketOverride)
		}
		return c.BucketOverride, nil
	}

	name := r.formatName(c)

	r.mu.RLock()
	entry, ok := r.cache[c.ID]
	r.mu.RUnlock()
	if ok && entry.name == name && (entry.expires.IsZero() || time.Now().Before(entry.expires)) {
		return name, nil
	}

	err := r.policy.Do(ctx, "resolve_bucket", func() error {
		return r.ensureBucket(ctx, c, name)
	})
	if err != nil {
		return "", err
	}

	entry = cacheEntry{name: name}
	if r.cfg.CacheTTL > 0 {
		entry.expires = time.Now().Add(r.cfg.CacheTTL)
	}
	r.mu.Lock()
	r.cache[c.ID] = entry
	r.mu.Unlock()

	return name, nil
}

// formatName expands the name template. The delimiter is "." when the base
// name already contains a dot (domain-style buckets), "_" otherwise.
func (r *Resolver) formatName(c Container) string {
	delimiter := "_"
	if strings.Contains(r.cfg.BaseName, ".") {
		delimiter = "."
	}
	return strings.NewReplacer(
		"{container}", strings.ToLower(c.ID),
		"{delimiter}", delimiter,
		"{base}", r.cfg.BaseName,
	).Replace(r.cfg.NameFormat)
}

// accessible probes a bucket with a metadata GET. Any failure, including
// permission errors, counts as inaccessible.
func (r *Resolver) accessible(ctx context.Context, name string) bool {
	resp, err := r.client.Do(ctx, "get_bucket", http.MethodGet, r.client.Endpoints().BucketURL(name), nil, nil)
	if err != nil {
		slog.Warn("bucket accessibility probe failed", "bucket", name, "error", err)
		return false
	}
	body := gcs.BodyExcerpt(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return true
	case http.StatusNotFound:
		slog.Warn("bucket not found", "bucket", name)
	case http.StatusForbidden:
		slog.Warn("forbidden to access bucket", "bucket", name)
	default:
		slog.Warn("bucket accessibility probe returned unexpected status",
			"bucket", name, "status", resp.StatusCode, "body", body)
	}
	return false
}

// bucketResource is the subset of the bucket JSON resource the resolver
// reads and writes.
type bucketResource struct {
	Name             string            `json:"name,omitempty"`
	Location         string            `json:"location,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	IAMConfiguration *iamConfiguration `json:"iamConfiguration,omitempty"`
}

type iamConfiguration struct {
	UniformBucketLevelAccess *uniformAccess `json:"uniformBucketLevelAccess,omitempty"`
}

type uniformAccess struct {
	Enabled bool `json:"enabled"`
}

// ensureBucket gets or creates the bucket, then reconciles labels and the
// uniform-access flag.
func (r *Resolver) ensureBucket(ctx context.Context, c Container, name string) error {
	current, err := r.getBucket(ctx, name)
	if err != nil {
		return err
	}
	if current == nil {
		current, err = r.createBucket(ctx, name)
		if err != nil {
			return err
		}
	}
	return r.reconcile(ctx, c, name, current)
}

// getBucket fetches the bucket resource, returning nil when it does not
// exist.
func (r *Resolver) getBucket(ctx context.Context, name string) (*bucketResource, error) {
	resp, err := r.client.Do(ctx, "get_bucket", http.MethodGet, r.client.Endpoints().BucketURL(name), nil, nil)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		defer resp.Body.Close()
		var b bucketResource
		if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
			return nil, gcerr.Transport(resp.StatusCode, "", "decoding bucket %s: %v", name, err)
		}
		return &b, nil
	case http.StatusNotFound:
		gcs.BodyExcerpt(resp)
		return nil, nil
	default:
		return nil, gcerr.Transport(resp.StatusCode, gcs.BodyExcerpt(resp), "getting bucket %s", name).WithKey(name)
	}
}

// createBucket creates the bucket, tolerating a Conflict from a racing
// creator by re-fetching the bucket the racer made.
func (r *Resolver) createBucket(ctx context.Context, name string) (*bucketResource, error) {
	payload, err := json.Marshal(bucketResource{Name: name, Location: r.cfg.Location})
	if err != nil {
		return nil, err
	}
	headers := http.Header{"Content-Type": []string{"application/json; charset=UTF-8"}}
	resp, err := r.client.Do(ctx, "create_bucket", http.MethodPost,
		r.client.Endpoints().InsertBucketURL(r.cfg.Project), headers, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		slog.Warn("needed to create bucket", "bucket", name)
		defer resp.Body.Close()
		var b bucketResource
		if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
			return nil, gcerr.Transport(resp.StatusCode, "", "decoding created bucket %s: %v", name, err)
		}
		return &b, nil
	case http.StatusConflict:
		// Created by another process in the meantime.
		gcs.BodyExcerpt(resp)
		b, err := r.getBucket(ctx, name)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, gcerr.Transport(http.StatusConflict, "", "bucket %s conflicted on create but is absent", name).WithKey(name)
		}
		return b, nil
	default:
		return nil, gcerr.Transport(resp.StatusCode, gcs.BodyExcerpt(resp), "creating bucket %s", name).WithKey(name)
	}
}

// reconcile patches labels and the uniform-access flag when they diverge
// from the desired state. Best-effort: contention and permission failures
// are tolerated.
func (r *Resolver) reconcile(ctx context.Context, c Container, name string, current *bucketResource) error {
	desired := make(map[string]string)
	maps.Copy(desired, current.Labels)
	desired["container"] = strings.ToLower(c.ID)
	maps.Copy(desired, r.cfg.Labels)

	currentUniform := current.IAMConfiguration != nil &&
		current.IAMConfiguration.UniformBucketLevelAccess != nil &&
		current.IAMConfiguration.UniformBucketLevelAccess.Enabled

	if maps.Equal(desired, current.Labels) && currentUniform == r.cfg.UniformBucketLevelAccess {
		return nil
	}

	patch := bucketResource{
		Labels: desired,
		IAMConfiguration: &iamConfiguration{
			UniformBucketLevelAccess: &uniformAccess{Enabled: r.cfg.UniformBucketLevelAccess},
		},
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	headers := http.Header{"Content-Type": []string{"application/json; charset=UTF-8"}}
	resp, err := r.client.Do(ctx, "patch_bucket", http.MethodPatch,
		r.client.Endpoints().BucketURL(name), headers, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	body := gcs.BodyExcerpt(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		// Someone else is reconciling; their result is as good as ours.
		return nil
	case http.StatusForbidden:
		slog.Warn("insufficient permission to update bucket labels", "bucket", name)
		return nil
	default:
		return gcerr.Transport(resp.StatusCode, body, "patching bucket %s", name).WithKey(name)
	}
}
