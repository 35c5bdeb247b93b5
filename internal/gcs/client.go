// Package gcs provides the shared HTTP plumbing for the Google Cloud Storage
// JSON and upload APIs: endpoint construction, bearer-token injection, and
// call instrumentation. Exact request/response semantics live with the
// components that own them (upload, download, bucket, blob).
package gcs

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/blobcourier/blobcourier/internal/metrics"
	"github.com/blobcourier/blobcourier/internal/token"
)

// maxBodyExcerpt bounds how much of an upstream response body is kept for
// error diagnostics.
const maxBodyExcerpt = 8 << 10

// Endpoints holds the storage API base URLs. Tests point these at an
// httptest server.
type Endpoints struct {
	// Upload is the resumable-upload base URL ending in /b.
	Upload string
	// Object is the JSON object/bucket API base URL ending in /b.
	Object string
	// Batch is the batch endpoint URL.
	Batch string
}

// DefaultEndpoints returns the production storage API endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Upload: "https://www.googleapis.com/upload/storage/v1/b",
		Object: "https://www.googleapis.com/storage/v1/b",
		Batch:  "https://storage.googleapis.com/batch/storage/v1",
	}
}

// InitiateUploadURL builds the resumable-upload initiation URL for an object.
func (e Endpoints) InitiateUploadURL(bucket, name string) string {
	return e.Upload + "/" + bucket + "/o?uploadType=resumable&name=" + url.QueryEscape(name)
}

// ObjectURL builds the JSON API URL for one object.
func (e Endpoints) ObjectURL(bucket, name string) string {
	return e.Object + "/" + bucket + "/o/" + url.QueryEscape(name)
}

// MediaURL builds the media-download URL for one object.
func (e Endpoints) MediaURL(bucket, name string) string {
	return e.ObjectURL(bucket, name) + "?alt=media"
}

// ListURL builds the object-listing URL for a bucket.
func (e Endpoints) ListURL(bucket string) string {
	return e.Object + "/" + bucket + "/o"
}

// BucketURL builds the JSON API URL for one bucket.
func (e Endpoints) BucketURL(name string) string {
	return e.Object + "/" + name
}

// InsertBucketURL builds the bucket-creation URL for a project.
func (e Endpoints) InsertBucketURL(project string) string {
	return e.Object + "?project=" + url.QueryEscape(project)
}

// CopyURL builds the server-side copy URL from a source object to a
// destination object.
func (e Endpoints) CopyURL(srcBucket, src, dstBucket, dst string) string {
	return e.ObjectURL(srcBucket, src) + "/copyTo/b/" + dstBucket + "/o/" + url.QueryEscape(dst)
}

// Client issues authenticated HTTP calls against the storage API.
type Client struct {
	hc        *http.Client
	tokens    token.Provider
	endpoints Endpoints
}

// NewClient creates a Client using the production endpoints and a transport
// tuned for long-lived transfer connections. No overall request timeout is
// set; callers supply wall-clock cancellation through the context.
func NewClient(tokens token.Provider) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxIdleConns:        200,
		IdleConnTimeout:     90 * time.Second,
		// Raw bytes for ranged reads.
		DisableCompression: true,
	}
	return &Client{
		hc:        &http.Client{Transport: transport},
		tokens:    tokens,
		endpoints: DefaultEndpoints(),
	}
}

// NewClientWith creates a Client with an explicit http.Client and endpoints.
// Used by tests and by callers needing custom transport behavior.
func NewClientWith(hc *http.Client, tokens token.Provider, endpoints Endpoints) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{hc: hc, tokens: tokens, endpoints: endpoints}
}

// Endpoints returns the endpoint set this client targets.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// Do issues one HTTP call with the bearer token attached when one is
// available. The op label feeds call metrics. The caller owns the response
// body.
func (c *Client) Do(ctx context.Context, op, method, rawURL string, headers http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		metrics.ObserveAPICall(op, 0, time.Since(start).Seconds())
		return nil, err
	}
	metrics.ObserveAPICall(op, resp.StatusCode, time.Since(start).Seconds())
	return resp, nil
}

// BodyExcerpt drains and closes a response body, returning at most
// maxBodyExcerpt bytes of it for error messages.
func BodyExcerpt(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return string(b)
}
