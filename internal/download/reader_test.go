package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blobcourier/blobcourier/internal/bucket"
	gcerr "github.com/blobcourier/blobcourier/internal/errors"
	"github.com/blobcourier/blobcourier/internal/gcs"
	"github.com/blobcourier/blobcourier/internal/token"
)

// newTestDownloader wires a Downloader against an httptest server, pinned to
// bucket "bkt" through the container override.
func newTestDownloader(srv *httptest.Server, chunkSize int) *Downloader {
	endpoints := gcs.Endpoints{
		Upload: srv.URL + "/upload/storage/v1/b",
		Object: srv.URL + "/storage/v1/b",
		Batch:  srv.URL + "/batch/storage/v1",
	}
	client := gcs.NewClientWith(srv.Client(), token.Static("test-token"), endpoints)
	resolver := bucket.NewResolver(client, bucket.Config{BaseName: "base"})
	container := bucket.Container{ID: "ctr", BucketOverride: "bkt"}
	return NewDownloader(client, resolver, container, chunkSize)
}

// serveObject answers the override probe and serves content at the media URL
// for key "ctr/blob".
func serveObject(t *testing.T, content []byte, wantRange string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/storage/v1/b/bkt" {
			json.NewEncoder(w).Encode(map[string]string{"name": "bkt"})
			return
		}
		if r.URL.EscapedPath() != "/storage/v1/b/bkt/o/ctr%2Fblob" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
			w.WriteHeader(http.StatusTeapot)
			return
		}
		if r.URL.Query().Get("alt") != "media" {
			t.Errorf("alt = %q, want media", r.URL.Query().Get("alt"))
		}
		if got := r.Header.Get("Range"); got != wantRange {
			t.Errorf("Range = %q, want %q", got, wantRange)
		}
		if wantRange != "" {
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(content)
	}
}

func TestReaderChunks(t *testing.T) {
	content := bytes.Repeat([]byte("abcd"), 5) // 20 bytes
	srv := httptest.NewServer(serveObject(t, content, ""))
	defer srv.Close()

	d := newTestDownloader(srv, 8)
	r, err := d.Open(context.Background(), "ctr/blob", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var sizes []int
	var got []byte
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, len(chunk))
		got = append(got, chunk...)
	}

	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %d bytes", len(got))
	}
	want := []int{8, 8, 4}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("chunk %d size = %d, want %d", i, sizes[i], want[i])
		}
	}

	// EOF is sticky.
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next after EOF = %v, want io.EOF", err)
	}
}

func TestReaderExactMultiple(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 16)
	srv := httptest.NewServer(serveObject(t, content, ""))
	defer srv.Close()

	d := newTestDownloader(srv, 8)
	r, err := d.Open(context.Background(), "ctr/blob", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var chunks int
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		chunks++
	}
	if chunks != 2 {
		t.Errorf("chunks = %d, want 2 (no trailing empty chunk)", chunks)
	}
}

func TestOpenWithRange(t *testing.T) {
	srv := httptest.NewServer(serveObject(t, []byte("partial"), "bytes=10-19"))
	defer srv.Close()

	d := newTestDownloader(srv, 8)
	r, err := d.Open(context.Background(), "ctr/blob", &ByteRange{Start: 10, End: 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "partial" {
		t.Errorf("got %q", got)
	}
}

func TestOpenNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/storage/v1/b/bkt" {
			json.NewEncoder(w).Encode(map[string]string{"name": "bkt"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newTestDownloader(srv, 0)
	_, err := d.Open(context.Background(), "ctr/blob", nil)
	if !errors.Is(err, gcerr.ErrNotFound) {
		t.Fatalf("err = %v, want not-found fault", err)
	}
}

func TestOpenUnauthorizedMapsToNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/storage/v1/b/bkt" {
			json.NewEncoder(w).Encode(map[string]string{"name": "bkt"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := newTestDownloader(srv, 0)
	_, err := d.Open(context.Background(), "ctr/blob", nil)
	// Bad credentials deliberately surface as not-found to callers.
	if !errors.Is(err, gcerr.ErrNotFound) {
		t.Fatalf("err = %v, want not-found fault", err)
	}
}

func TestOpenServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/storage/v1/b/bkt" {
			json.NewEncoder(w).Encode(map[string]string{"name": "bkt"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDownloader(srv, 0)
	_, err := d.Open(context.Background(), "ctr/blob", nil)
	if !errors.Is(err, gcerr.ErrTransport) {
		t.Fatalf("err = %v, want transport fault", err)
	}
}
