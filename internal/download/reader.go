// Package download streams object bytes as a lazy, finite, forward-only
// sequence of fixed-size chunks, optionally over a byte sub-range.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/blobcourier/blobcourier/internal/bucket"
	gcerr "github.com/blobcourier/blobcourier/internal/errors"
	"github.com/blobcourier/blobcourier/internal/gcs"
	"github.com/blobcourier/blobcourier/internal/metrics"
)

// DefaultChunkSize is how many bytes each Next call yields at most.
const DefaultChunkSize = 1 << 20

// ByteRange requests the half-open byte interval [Start, End).
type ByteRange struct {
	Start int64
	End   int64
}

// Downloader opens chunked readers over objects in the container's bucket.
type Downloader struct {
	client    *gcs.Client
	resolver  *bucket.Resolver
	container bucket.Container
	chunkSize int
}

// NewDownloader creates a Downloader. chunkSize <= 0 selects
// DefaultChunkSize.
func NewDownloader(client *gcs.Client, resolver *bucket.Resolver, container bucket.Container, chunkSize int) *Downloader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Downloader{client: client, resolver: resolver, container: container, chunkSize: chunkSize}
}

// Open starts a download of key, optionally restricted to rng. The returned
// Reader is forward-only and not restartable; the caller must Close it.
//
// Status translation: 404 is a not-found fault; 401 is also surfaced as
// not-found with a credentials warning logged, deliberately hiding auth
// detail from callers; anything else unexpected is a transport fault
// carrying the raw status and body text.
func (d *Downloader) Open(ctx context.Context, key string, rng *ByteRange) (*Reader, error) {
	bucketName, err := d.resolver.Resolve(ctx, d.container)
	if err != nil {
		return nil, err
	}

	var headers http.Header
	if rng != nil {
		headers = http.Header{}
		headers.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End-1))
	}

	resp, err := d.client.Do(ctx, "read", http.MethodGet,
		d.client.Endpoints().MediaURL(bucketName, key), headers, nil)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return &Reader{body: resp.Body, chunkSize: d.chunkSize}, nil
	case http.StatusNotFound:
		return nil, gcerr.NotFound(key, "cloud file not found: %s", gcs.BodyExcerpt(resp))
	case http.StatusUnauthorized:
		body := gcs.BodyExcerpt(resp)
		slog.Warn("invalid cloud storage credentials", "body", body)
		return nil, gcerr.NotFound(key, "cloud storage credentials rejected")
	default:
		return nil, gcerr.Transport(resp.StatusCode, gcs.BodyExcerpt(resp), "reading %s", key).WithKey(key)
	}
}

// Reader yields the response body in fixed-size increments.
type Reader struct {
	body      io.ReadCloser
	chunkSize int
	done      bool
}

// Next returns the next chunk, up to the configured chunk size. It returns
// io.EOF after the final chunk. The returned slice is owned by the caller.
func (r *Reader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	buf := make([]byte, r.chunkSize)
	n, err := io.ReadFull(r.body, buf)
	if n > 0 {
		metrics.DownloadedBytesTotal.Add(float64(n))
	}
	switch err {
	case nil:
		return buf[:n], nil
	case io.ErrUnexpectedEOF:
		r.done = true
		return buf[:n], nil
	case io.EOF:
		r.done = true
		return nil, io.EOF
	default:
		return nil, err
	}
}

// Read implements io.Reader over the remaining bytes.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		metrics.DownloadedBytesTotal.Add(float64(n))
	}
	return n, err
}

// Close releases the underlying response body.
func (r *Reader) Close() error {
	return r.body.Close()
}
