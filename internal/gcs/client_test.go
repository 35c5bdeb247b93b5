package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blobcourier/blobcourier/internal/token"
)

func TestDoAttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClientWith(srv.Client(), token.Static("abc123"), DefaultEndpoints())
	resp, err := c.Do(context.Background(), "test", http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer abc123" {
		t.Errorf("Authorization = %q, want Bearer abc123", gotAuth)
	}
}

func TestDoOmitsHeaderForEmptyToken(t *testing.T) {
	var gotAuth string
	var present bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, present = r.Header["Authorization"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClientWith(srv.Client(), token.Static(""), DefaultEndpoints())
	resp, err := c.Do(context.Background(), "test", http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if present {
		t.Errorf("Authorization header present (%q), want omitted", gotAuth)
	}
}

func TestDoForwardsHeaders(t *testing.T) {
	var gotRange, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Content-Range")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Content-Range", "bytes 0-9/10")
	headers.Set("Content-Type", "application/octet-stream")

	c := NewClientWith(srv.Client(), nil, DefaultEndpoints())
	resp, err := c.Do(context.Background(), "test", http.MethodPut, srv.URL, headers, strings.NewReader("0123456789"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotRange != "bytes 0-9/10" {
		t.Errorf("Content-Range = %q", gotRange)
	}
	if gotType != "application/octet-stream" {
		t.Errorf("Content-Type = %q", gotType)
	}
}

func TestBodyExcerptBounds(t *testing.T) {
	big := strings.Repeat("x", maxBodyExcerpt*2)
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(big))}

	got := BodyExcerpt(resp)
	if len(got) != maxBodyExcerpt {
		t.Errorf("excerpt length = %d, want %d", len(got), maxBodyExcerpt)
	}
}

func TestURLBuilders(t *testing.T) {
	e := Endpoints{
		Upload: "https://up.example/b",
		Object: "https://obj.example/b",
		Batch:  "https://batch.example/batch",
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			"initiate escapes the object name",
			e.InitiateUploadURL("bkt", "dir/file name::x"),
			"https://up.example/b/bkt/o?uploadType=resumable&name=dir%2Ffile+name%3A%3Ax",
		},
		{
			"object URL",
			e.ObjectURL("bkt", "a/b"),
			"https://obj.example/b/bkt/o/a%2Fb",
		},
		{
			"media URL",
			e.MediaURL("bkt", "key"),
			"https://obj.example/b/bkt/o/key?alt=media",
		},
		{
			"list URL",
			e.ListURL("bkt"),
			"https://obj.example/b/bkt/o",
		},
		{
			"bucket URL",
			e.BucketURL("bkt"),
			"https://obj.example/b/bkt",
		},
		{
			"insert bucket URL",
			e.InsertBucketURL("proj-1"),
			"https://obj.example/b?project=proj-1",
		},
		{
			"copy URL",
			e.CopyURL("src-b", "src/o", "dst-b", "dst/o"),
			"https://obj.example/b/src-b/o/src%2Fo/copyTo/b/dst-b/o/dst%2Fo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got  %s\nwant %s", tt.got, tt.want)
			}
		})
	}
}
