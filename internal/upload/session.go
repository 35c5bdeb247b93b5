// Package upload implements the resumable upload session: the
// init/append/finish/abort lifecycle for one in-flight upload, with
// byte-offset tracking reconciled against server-reported ranges.
//
// The protocol is inherently sequential (each append depends on the offset
// confirmed by the previous one), so a per-session mutex forbids concurrent
// appends against the same resumable URI. Independent sessions run fully
// concurrently.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blobcourier/blobcourier/internal/blob"
	"github.com/blobcourier/blobcourier/internal/bucket"
	gcerr "github.com/blobcourier/blobcourier/internal/errors"
	"github.com/blobcourier/blobcourier/internal/gcs"
	"github.com/blobcourier/blobcourier/internal/metrics"
	"github.com/blobcourier/blobcourier/internal/retry"
	"github.com/blobcourier/blobcourier/internal/uid"
)

const (
	// DefaultChunkSize is how many bytes each append call carries.
	DefaultChunkSize = 524288

	// UnknownSize declares an upload whose total size is not known up front.
	// The Content-Range total is sent as "*" until the final chunk.
	UnknownSize int64 = -1

	// appendInterval is the constant retry spacing for mid-stream appends.
	appendInterval = time.Second
)

// State is the session lifecycle state.
type State int

const (
	// StateUninitialized means no resumable URI is held.
	StateUninitialized State = iota
	// StateActive means an initiated upload is accepting appends.
	StateActive
	// StateFinished means the upload was promoted to a permanent object.
	StateFinished
)

// ObjectReference is the durable pointer left behind by a successful finish:
// a permanent object key plus its caller-facing metadata.
type ObjectReference struct {
	URI         string
	Filename    string
	ContentType string
	Size        int64
}

// NameGenerator produces fresh server-side object names.
type NameGenerator interface {
	Generate() string
}

// GeneratorFunc adapts a function to NameGenerator.
type GeneratorFunc func() string

// Generate implements NameGenerator.
func (f GeneratorFunc) Generate() string { return f() }

// CleanupPolicy decides whether a superseded finished object is deleted
// during finish. The default policy always cleans.
type CleanupPolicy interface {
	ShouldClean(ref ObjectReference) bool
}

// CleanupFunc adapts a function to CleanupPolicy.
type CleanupFunc func(ref ObjectReference) bool

// ShouldClean implements CleanupPolicy.
func (f CleanupFunc) ShouldClean(ref ObjectReference) bool { return f(ref) }

// CleanupOutcome reports what a best-effort delete accomplished.
type CleanupOutcome int

const (
	// CleanupDeleted means the object was removed.
	CleanupDeleted CleanupOutcome = iota
	// CleanupAbsent means there was nothing to remove.
	CleanupAbsent
	// CleanupPending means a retention policy blocks deletion for now.
	CleanupPending
)

// String returns the outcome name for logs.
func (o CleanupOutcome) String() string {
	switch o {
	case CleanupDeleted:
		return "deleted"
	case CleanupAbsent:
		return "already absent"
	case CleanupPending:
		return "pending retention policy"
	default:
		return "unknown"
	}
}

// Options configures a Session.
type Options struct {
	// Creator is the identity recorded in the upload's init metadata.
	Creator string
	// Request is the request-context string recorded in the init metadata.
	Request string
	// ChunkSize is the append chunk size. Defaults to DefaultChunkSize.
	ChunkSize int
	// Generator produces object names. Defaults to compound keys under the
	// session slot.
	Generator NameGenerator
	// Cleanup decides whether superseded objects are deleted on finish.
	// Defaults to always cleaning.
	Cleanup CleanupPolicy
}

// Session owns one resumable upload at a logical slot. It must not be shared
// across concurrent upload attempts; the internal mutex serializes the
// lifecycle calls that touch the resumable URI.
type Session struct {
	client    *gcs.Client
	resolver  *bucket.Resolver
	store     *blob.Store
	container bucket.Container
	slot      string
	opts      Options

	startPolicy  retry.Policy
	appendPolicy retry.Policy
	adminPolicy  retry.Policy
	existsPolicy retry.Policy

	mu           sync.Mutex
	state        State
	uploadFileID string
	resumableURI string
	offset       int64
	declaredSize int64
	contentType  string
	filename     string
	ref          *ObjectReference
}

// NewSession creates a Session for one logical upload slot within a
// container.
func NewSession(client *gcs.Client, resolver *bucket.Resolver, store *blob.Store, container bucket.Container, slot string, opts Options) *Session {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Generator == nil {
		opts.Generator = GeneratorFunc(func() string { return uid.Compound(slot) })
	}
	if opts.Cleanup == nil {
		opts.Cleanup = CleanupFunc(func(ObjectReference) bool { return true })
	}
	return &Session{
		client:       client,
		resolver:     resolver,
		store:        store,
		container:    container,
		slot:         slot,
		opts:         opts,
		startPolicy:  retry.Exponential(5),
		appendPolicy: retry.Constant(10, appendInterval),
		adminPolicy:  retry.Exponential(10),
		existsPolicy: retry.Exponential(4),
	}
}

// SetReference seeds the session with an already-finished object reference,
// e.g. one loaded from caller-owned metadata.
func (s *Session) SetReference(ref ObjectReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref = &ref
	s.state = StateFinished
}

// Reference returns the finished object reference, or nil before the first
// finish.
func (s *Session) Reference() *ObjectReference {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref == nil {
		return nil
	}
	cp := *s.ref
	return &cp
}

// Offset returns the number of bytes confirmed received by the server.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// bucketName resolves the physical bucket for this session's container.
func (s *Session) bucketName(ctx context.Context) (string, error) {
	return s.resolver.Resolve(ctx, s.container)
}

// initMetadata is the JSON body sent with the initiation call.
type initMetadata struct {
	Creator string `json:"CREATOR"`
	Request string `json:"REQUEST"`
	Name    string `json:"NAME"`
}

// Start initiates a resumable upload. Any prior unfinished upload at this
// slot is torn down best-effort first. declaredSize is the total byte count,
// or UnknownSize. On success the session is ACTIVE with offset zero.
func (s *Session) Start(ctx context.Context, declaredSize int64, contentType, filename string) error {
	if declaredSize <= 0 && declaredSize != UnknownSize {
		return gcerr.InvalidArgument("declared size is required to start an upload (got %d)", declaredSize)
	}
	if contentType == "" {
		return gcerr.InvalidArgument("content type is required to start an upload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startPolicy.Do(ctx, "start", func() error {
		if s.uploadFileID != "" {
			outcome, err := s.deleteUpload(ctx, s.uploadFileID)
			if err != nil {
				if !errors.Is(err, gcerr.ErrNotFound) {
					return err
				}
				slog.Warn("prior upload already gone", "key", s.uploadFileID)
			} else {
				slog.Debug("tore down prior unfinished upload",
					"key", s.uploadFileID, "outcome", outcome.String())
			}
		}

		name := s.opts.Generator.Generate()

		bucketName, err := s.bucketName(ctx)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(initMetadata{
			Creator: s.opts.Creator,
			Request: s.opts.Request,
			Name:    filename,
		})
		if err != nil {
			return err
		}

		headers := http.Header{}
		headers.Set("X-Upload-Content-Type", contentType)
		if declaredSize != UnknownSize {
			headers.Set("X-Upload-Content-Length", strconv.FormatInt(declaredSize, 10))
		}
		headers.Set("Content-Type", "application/json; charset=UTF-8")

		resp, err := s.client.Do(ctx, "start", http.MethodPost,
			s.client.Endpoints().InitiateUploadURL(bucketName, name), headers, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		body := gcs.BodyExcerpt(resp)
		if resp.StatusCode != http.StatusOK {
			return gcerr.Transport(resp.StatusCode, body, "initiating upload for %s", name).WithKey(name)
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return gcerr.Transport(resp.StatusCode, body, "initiation response carried no Location header").WithKey(name)
		}

		if s.state == StateActive {
			metrics.ActiveUploadSessions.Dec()
		}
		s.uploadFileID = name
		s.resumableURI = location
		s.offset = 0
		s.declaredSize = declaredSize
		s.contentType = contentType
		s.filename = filename
		s.state = StateActive
		metrics.ActiveUploadSessions.Inc()
		return nil
	})
}

// Append streams chunks from r to the resumable URI, advancing the confirmed
// offset as the server acknowledges bytes. It returns the number of bytes
// sent. Bytes acknowledged by a 308 offset advance are never re-sent; the
// loop stops as soon as the server reports the upload complete.
func (s *Session) Append(ctx context.Context, r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return 0, gcerr.InvalidArgument("append requires an active upload session")
	}

	var count int64
	buf := make([]byte, s.opts.ChunkSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if readErr == io.EOF {
			return count, nil
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return count, readErr
		}
		chunk := buf[:n]

		var status int
		var rangeHeader string
		err := s.appendPolicy.Do(ctx, "append", func() error {
			var err error
			status, rangeHeader, err = s.putChunk(ctx, chunk)
			return err
		})
		if err != nil {
			return count, err
		}

		sent := int64(n)
		if status == http.StatusPermanentRedirect {
			// The Range header is the byte range the server has received,
			// upper bound inclusive.
			want := s.offset + sent - 1
			got, err := parseRangeEnd(rangeHeader)
			if err != nil {
				return count, gcerr.Precondition(
					"unparsable server range %q at offset %d: %v", rangeHeader, s.offset+sent, err)
			}
			if got != want {
				return count, gcerr.Precondition(
					"client and storage offsets do not match: server range %q, client offset %d",
					rangeHeader, s.offset+sent)
			}
		}

		s.offset += sent
		count += sent
		metrics.UploadedBytesTotal.Add(float64(sent))

		if status == http.StatusOK || status == http.StatusCreated {
			// Upload complete; stop sending further chunks.
			return count, nil
		}
	}
}

// putChunk issues one PUT against the resumable URI and classifies the
// response. 410 means the URI expired and the whole upload must restart;
// 200/201/308 are returned to the driver; anything else is a retriable
// transport fault.
func (s *Session) putChunk(ctx context.Context, chunk []byte) (int, string, error) {
	headers := http.Header{}
	headers.Set("Content-Type", s.contentType)

	contentRange := ""
	if int64(len(chunk)) != s.declaredSize {
		total := "*"
		if s.declaredSize != UnknownSize {
			total = strconv.FormatInt(s.declaredSize, 10)
		}
		contentRange = fmt.Sprintf("bytes %d-%d/%s", s.offset, s.offset+int64(len(chunk))-1, total)
		headers.Set("Content-Range", contentRange)
	}

	resp, err := s.client.Do(ctx, "append", http.MethodPut, s.resumableURI, headers, bytes.NewReader(chunk))
	if err != nil {
		return 0, "", err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusPermanentRedirect:
		rangeHeader := resp.Header.Get("Range")
		gcs.BodyExcerpt(resp)
		return resp.StatusCode, rangeHeader, nil
	case http.StatusGone:
		return 0, "", gcerr.Gone(gcs.BodyExcerpt(resp)).WithKey(s.uploadFileID)
	default:
		return 0, "", gcerr.Transport(resp.StatusCode, gcs.BodyExcerpt(resp),
			"appending at offset %d (Content-Range %q)", s.offset, contentRange).WithKey(s.uploadFileID)
	}
}

// parseRangeEnd extracts the inclusive upper bound from a response Range
// header of the form "bytes=0-{end}".
func parseRangeEnd(rangeHeader string) (int64, error) {
	idx := strings.LastIndex(rangeHeader, "-")
	if idx < 0 || idx == len(rangeHeader)-1 {
		return 0, fmt.Errorf("no upper bound in %q", rangeHeader)
	}
	return strconv.ParseInt(rangeHeader[idx+1:], 10, 64)
}

// Finish promotes the in-flight upload to the permanent object reference.
// A superseded finished object at this slot is deleted best-effort first
// when the cleanup policy approves; a failed cleanup is logged and never
// fails the finish.
func (s *Session) Finish(ctx context.Context) (*ObjectReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive || s.uploadFileID == "" {
		return nil, gcerr.InvalidArgument("finish requires an active upload session")
	}

	if s.ref != nil && s.opts.Cleanup.ShouldClean(*s.ref) {
		outcome, err := s.deleteUploadRetried(ctx, s.ref.URI)
		if err != nil {
			slog.Warn("could not delete existing file", "key", s.ref.URI, "error", err)
		} else {
			slog.Debug("cleaned superseded object", "key", s.ref.URI, "outcome", outcome.String())
		}
	}

	ref := &ObjectReference{
		URI:         s.uploadFileID,
		Filename:    s.filename,
		ContentType: s.contentType,
		Size:        s.offset,
	}
	s.ref = ref
	s.uploadFileID = ""
	s.resumableURI = ""
	s.state = StateFinished
	metrics.ActiveUploadSessions.Dec()
	metrics.UploadSize.Observe(float64(ref.Size))

	cp := *ref
	return &cp, nil
}

// seedFinished installs a finished reference directly, without byte
// transfer. Used by Copy on the destination session.
func (s *Session) seedFinished(ref ObjectReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		metrics.ActiveUploadSessions.Dec()
	}
	s.ref = &ref
	s.uploadFileID = ""
	s.resumableURI = ""
	s.state = StateFinished
}

// DeleteUpload deletes one object by key, treating 404 and
// retention-policy-pending 403s as success. Wrapped in the exponential
// retry profile.
func (s *Session) DeleteUpload(ctx context.Context, key string) (CleanupOutcome, error) {
	return s.deleteUploadRetried(ctx, key)
}

func (s *Session) deleteUploadRetried(ctx context.Context, key string) (CleanupOutcome, error) {
	var outcome CleanupOutcome
	err := s.adminPolicy.Do(ctx, "delete_upload", func() error {
		var err error
		outcome, err = s.deleteUpload(ctx, key)
		return err
	})
	return outcome, err
}

// deleteErrorBody is the JSON error envelope on delete responses.
type deleteErrorBody struct {
	Error struct {
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// deleteUpload issues one DELETE call.
func (s *Session) deleteUpload(ctx context.Context, key string) (CleanupOutcome, error) {
	if key == "" {
		return 0, gcerr.InvalidArgument("no valid uri to delete")
	}
	bucketName, err := s.bucketName(ctx)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(ctx, "delete_upload", http.MethodDelete,
		s.client.Endpoints().ObjectURL(bucketName, key), nil, nil)
	if err != nil {
		return 0, err
	}
	body := gcs.BodyExcerpt(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return CleanupDeleted, nil
	case http.StatusNotFound:
		slog.Warn("attempt to delete object that is not there", "key", key, "body", body)
		return CleanupAbsent, nil
	case http.StatusForbidden:
		var envelope deleteErrorBody
		if json.Unmarshal([]byte(body), &envelope) == nil {
			for _, e := range envelope.Error.Errors {
				if e.Reason == "retentionPolicyNotMet" {
					// Not deletable yet.
					slog.Warn("object deletion pending retention policy", "key", key)
					return CleanupPending, nil
				}
			}
		}
		return 0, gcerr.Transport(resp.StatusCode, body, "deleting %s", key).WithKey(key)
	default:
		return 0, gcerr.Transport(resp.StatusCode, body, "deleting %s", key).WithKey(key)
	}
}

// DeleteByPrefix deletes every generation of a compound key's slot: all
// objects under the key's prefix whose names carry the compound marker.
// Returns false when no candidates exist. A partial batch failure raises a
// transport fault naming the first failed key.
func (s *Session) DeleteByPrefix(ctx context.Context, key string) (bool, error) {
	prefix, ok := uid.CompoundPrefix(key)
	if key == "" || !ok {
		return false, gcerr.InvalidArgument("no valid uri for delete-by-prefix: %q", key)
	}

	var deleted bool
	err := s.adminPolicy.Do(ctx, "delete_by_prefix", func() error {
		blobs, _, err := s.store.ListPage(ctx, "", prefix)
		if err != nil {
			return err
		}
		var candidates []string
		for _, b := range blobs {
			if _, compound := uid.CompoundPrefix(b.Name); compound {
				candidates = append(candidates, b.Name)
			}
		}
		if len(candidates) == 0 {
			deleted = false
			return nil
		}

		_, failed, err := s.store.BatchDelete(ctx, candidates)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			return gcerr.Transport(0, "", "failed to delete %s", failed[0]).WithKey(failed[0])
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// Delete removes every generation of the finished object's slot.
func (s *Session) Delete(ctx context.Context) (bool, error) {
	ref := s.Reference()
	if ref == nil {
		return false, gcerr.InvalidArgument("no finished object to delete")
	}
	return s.DeleteByPrefix(ctx, ref.URI)
}

// copyResponse is the JSON shape of a copyTo response. Size arrives as a
// decimal string.
type copyResponse struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        string `json:"size"`
}

// Copy server-side copies the finished source object into a fresh name at
// the destination session's slot and seeds the destination's finished
// reference from the copy response. No bytes flow through the client.
func (s *Session) Copy(ctx context.Context, dst *Session) (*ObjectReference, error) {
	srcRef := s.Reference()
	if srcRef == nil {
		return nil, gcerr.NotFound("", "to copy, a uri must be set on the object")
	}

	var out *ObjectReference
	err := s.adminPolicy.Do(ctx, "copy", func() error {
		newName := dst.opts.Generator.Generate()

		srcBucket, err := s.bucketName(ctx)
		if err != nil {
			return err
		}
		dstBucket, err := dst.bucketName(ctx)
		if err != nil {
			return err
		}

		headers := http.Header{"Content-Type": []string{"application/json"}}
		resp, err := s.client.Do(ctx, "copy", http.MethodPost,
			s.client.Endpoints().CopyURL(srcBucket, srcRef.URI, dstBucket, newName), headers, nil)
		if err != nil {
			return err
		}
		body := gcs.BodyExcerpt(resp)

		if resp.StatusCode == http.StatusNotFound {
			slog.Warn("could not copy file", "src", srcRef.URI, "dst", newName, "body", body)
			return gcerr.NotFound(srcRef.URI, "could not copy %s to %s", srcRef.URI, newName)
		}
		if resp.StatusCode != http.StatusOK {
			return gcerr.Transport(resp.StatusCode, body, "copying %s to %s", srcRef.URI, newName).WithKey(srcRef.URI)
		}

		var cr copyResponse
		if err := json.Unmarshal([]byte(body), &cr); err != nil {
			return gcerr.Transport(resp.StatusCode, body, "decoding copy response: %v", err)
		}
		if cr.Name != newName {
			return gcerr.Precondition("copy produced %q, expected %q", cr.Name, newName)
		}
		size, err := strconv.ParseInt(cr.Size, 10, 64)
		if err != nil {
			return gcerr.Transport(resp.StatusCode, body, "copy response size %q is not a number", cr.Size)
		}

		filename := srcRef.Filename
		if filename == "" {
			filename = "unknown"
		}
		ref := ObjectReference{
			URI:         newName,
			Filename:    filename,
			ContentType: cr.ContentType,
			Size:        size,
		}
		dst.seedFinished(ref)
		out = &ref
		return nil
	})
	return out, err
}

// Exists reports whether the finished object is present, via a status-only
// probe. Sessions without a finished reference report false without a
// remote call. Uses the shorter retry budget since it sits on a read path.
func (s *Session) Exists(ctx context.Context) (bool, error) {
	ref := s.Reference()
	if ref == nil {
		return false, nil
	}

	var exists bool
	err := s.existsPolicy.Do(ctx, "exists", func() error {
		bucketName, err := s.bucketName(ctx)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(ctx, "exists", http.MethodGet,
			s.client.Endpoints().ObjectURL(bucketName, ref.URI), nil, nil)
		if err != nil {
			return err
		}
		gcs.BodyExcerpt(resp)
		exists = resp.StatusCode == http.StatusOK
		return nil
	})
	return exists, err
}
