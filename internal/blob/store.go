// Package blob implements the administrative operations over a resolved
// bucket: paginated listing, batch deletion, and bucket deletion.
package blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/iterator"

	"github.com/blobcourier/blobcourier/internal/bucket"
	gcerr "github.com/blobcourier/blobcourier/internal/errors"
	"github.com/blobcourier/blobcourier/internal/gcs"
)

// Metadata is the read-only descriptor for one listed object.
type Metadata struct {
	Name    string
	Bucket  string
	Created time.Time
	Size    int64
}

// Store issues admin operations against the bucket resolved for one
// container. Stateless request/response flows; safe for concurrent use.
type Store struct {
	client    *gcs.Client
	resolver  *bucket.Resolver
	container bucket.Container
}

// NewStore creates a Store scoped to a container.
func NewStore(client *gcs.Client, resolver *bucket.Resolver, container bucket.Container) *Store {
	return &Store{client: client, resolver: resolver, container: container}
}

// listItem is the JSON shape of one listed object. Size arrives as a
// decimal string.
type listItem struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	TimeCreated string `json:"timeCreated"`
	Size        string `json:"size"`
}

// listPage is the JSON shape of one listing response.
type listPage struct {
	Items         []listItem `json:"items"`
	NextPageToken string     `json:"nextPageToken"`
}

// ListPage fetches one page of object metadata under a prefix. An empty
// prefix defaults to the container-scoped prefix. The returned token is
// empty on the last page.
func (s *Store) ListPage(ctx context.Context, pageToken, prefix string) ([]Metadata, string, error) {
	if prefix == "" {
		prefix = s.container.ID + "/"
	}
	return s.listPageRaw(ctx, pageToken, prefix)
}

// listPageRaw fetches one page with the prefix passed verbatim; an empty
// prefix lists the whole bucket.
func (s *Store) listPageRaw(ctx context.Context, pageToken, prefix string) ([]Metadata, string, error) {
	bucketName, err := s.resolver.Resolve(ctx, s.container)
	if err != nil {
		return nil, "", err
	}

	params := url.Values{}
	if prefix != "" {
		params.Set("prefix", prefix)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	listURL := s.client.Endpoints().ListURL(bucketName)
	if encoded := params.Encode(); encoded != "" {
		listURL += "?" + encoded
	}

	resp, err := s.client.Do(ctx, "list", http.MethodGet, listURL, nil, nil)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", gcerr.Transport(resp.StatusCode, gcs.BodyExcerpt(resp), "listing bucket %s", bucketName).WithKey(bucketName)
	}
	defer resp.Body.Close()

	var page listPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", gcerr.Transport(resp.StatusCode, "", "decoding list page: %v", err)
	}

	blobs := make([]Metadata, 0, len(page.Items))
	for _, item := range page.Items {
		size, _ := strconv.ParseInt(item.Size, 10, 64)
		created, _ := time.Parse(time.RFC3339, item.TimeCreated)
		blobs = append(blobs, Metadata{
			Name:    item.Name,
			Bucket:  item.Bucket,
			Created: created,
			Size:    size,
		})
	}
	return blobs, page.NextPageToken, nil
}

// Iterator walks every object under a prefix across pages. Next returns
// iterator.Done after the last object: after a page without a continuation
// token, or after any page without items, even one carrying a token.
type Iterator struct {
	ctx    context.Context
	store  *Store
	prefix string
	raw    bool

	buf     []Metadata
	token   string
	started bool
	done    bool
}

// Objects returns an iterator over objects under a prefix. An empty prefix
// defaults to the container-scoped prefix.
func (s *Store) Objects(ctx context.Context, prefix string) *Iterator {
	return &Iterator{ctx: ctx, store: s, prefix: prefix}
}

// allObjects returns an iterator over the whole bucket, bypassing the
// container default prefix. Used by force bucket deletion.
func (s *Store) allObjects(ctx context.Context) *Iterator {
	return &Iterator{ctx: ctx, store: s, raw: true}
}

// Next returns the next object, or iterator.Done when the enumeration is
// exhausted.
func (it *Iterator) Next() (Metadata, error) {
	for len(it.buf) == 0 {
		if it.done {
			return Metadata{}, iterator.Done
		}
		if it.started && it.token == "" {
			it.done = true
			return Metadata{}, iterator.Done
		}

		var (
			blobs []Metadata
			token string
			err   error
		)
		if it.raw {
			blobs, token, err = it.store.listPageRaw(it.ctx, it.token, "")
		} else {
			blobs, token, err = it.store.ListPage(it.ctx, it.token, it.prefix)
		}
		if err != nil {
			return Metadata{}, err
		}

		// A page without items terminates the walk regardless of any
		// continuation token it carries.
		if len(blobs) == 0 {
			it.done = true
			return Metadata{}, iterator.Done
		}
		it.started = true
		it.buf = blobs
		it.token = token
	}

	m := it.buf[0]
	it.buf = it.buf[1:]
	return m, nil
}

// BatchDelete deletes the given keys in a single batched request and
// partitions the keys by per-item status: 2xx lands in succeeded, everything
// else in failed. Individual failures never raise; only transport-level
// failures of the batch call itself return an error.
func (s *Store) BatchDelete(ctx context.Context, keys []string) (succeeded, failed []string, err error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}

	bucketName, err := s.resolver.Resolve(ctx, s.container)
	if err != nil {
		return nil, nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, key := range keys {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-Transfer-Encoding", "binary")
		header.Set("Content-ID", fmt.Sprintf("<item-%d>", i+1))
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(part, "DELETE /storage/v1/b/%s/o/%s HTTP/1.1\r\n\r\n", bucketName, url.QueryEscape(key))
	}
	if err := mw.Close(); err != nil {
		return nil, nil, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())

	resp, err := s.client.Do(ctx, "batch_delete", http.MethodPost, s.client.Endpoints().Batch, headers, &body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, gcerr.Transport(resp.StatusCode, gcs.BodyExcerpt(resp), "batch delete of %d keys", len(keys))
	}
	defer resp.Body.Close()

	statuses, err := parseBatchStatuses(resp)
	if err != nil {
		return nil, nil, err
	}
	if len(statuses) != len(keys) {
		return nil, nil, gcerr.Transport(resp.StatusCode, "",
			"batch response carried %d parts for %d keys", len(statuses), len(keys))
	}

	for i, status := range statuses {
		if status >= 200 && status < 300 {
			succeeded = append(succeeded, keys[i])
		} else {
			failed = append(failed, keys[i])
		}
	}
	return succeeded, failed, nil
}

// parseBatchStatuses reads the per-item HTTP status codes out of a
// multipart/mixed batch response, in part order.
func parseBatchStatuses(resp *http.Response) ([]int, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		return nil, gcerr.Transport(resp.StatusCode, "",
			"batch response has content type %q, want multipart/mixed", resp.Header.Get("Content-Type"))
	}

	var statuses []int
	mr := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			// The final boundary.
			break
		}
		if err != nil {
			return nil, gcerr.Transport(resp.StatusCode, "", "reading batch response part: %v", err)
		}
		embedded, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			part.Close()
			return nil, gcerr.Transport(resp.StatusCode, "", "parsing embedded batch response: %v", err)
		}
		statuses = append(statuses, embedded.StatusCode)
		embedded.Body.Close()
		part.Close()
	}
	return statuses, nil
}

// DeleteBucket force-deletes the resolved bucket: remaining objects are
// batch-deleted first, then the bucket itself. A bucket-state conflict is
// reported as a delete-storage fault rather than a generic transport fault.
func (s *Store) DeleteBucket(ctx context.Context) error {
	bucketName, err := s.resolver.Resolve(ctx, s.container)
	if err != nil {
		return err
	}

	// Force: clear out whatever is still in the bucket.
	var keys []string
	it := s.allObjects(ctx)
	for {
		m, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		keys = append(keys, m.Name)
	}
	if len(keys) > 0 {
		_, failed, err := s.BatchDelete(ctx, keys)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			return gcerr.DeleteStorage(0, fmt.Sprintf("could not empty bucket, %d objects remain", len(failed)), bucketName)
		}
	}

	resp, err := s.client.Do(ctx, "delete_bucket", http.MethodDelete,
		s.client.Endpoints().BucketURL(bucketName), nil, nil)
	if err != nil {
		return err
	}
	body := gcs.BodyExcerpt(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	case http.StatusConflict:
		return gcerr.DeleteStorage(resp.StatusCode, body, bucketName)
	default:
		return gcerr.Transport(resp.StatusCode, body, "deleting bucket %s", bucketName).WithKey(bucketName)
	}
}
