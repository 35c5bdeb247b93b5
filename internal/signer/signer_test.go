package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"net/url"
	"strings"
	"testing"
	"time"
)

// testKeyJSON renders an in-memory RSA key as a service-account key file.
func testKeyJSON(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	data, err := json.Marshal(map[string]string{
		"client_email": "signer@test-project.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
	})
	if err != nil {
		t.Fatalf("marshaling key file: %v", err)
	}
	return data
}

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func TestNewParsesPKCS8(t *testing.T) {
	key := newTestKey(t)
	s, err := New(testKeyJSON(t, key))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.email != "signer@test-project.iam.gserviceaccount.com" {
		t.Errorf("email = %q", s.email)
	}
}

func TestNewParsesPKCS1(t *testing.T) {
	key := newTestKey(t)
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	data, _ := json.Marshal(map[string]string{
		"client_email": "old@test.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
	})

	s, err := New(data)
	if err != nil {
		t.Fatalf("New with a PKCS#1 key: %v", err)
	}
	if _, err := s.SignedURL("bkt", "obj", time.Hour); err != nil {
		t.Fatalf("SignedURL with a PKCS#1 key: %v", err)
	}
}

func TestNewRejectsIncompleteKey(t *testing.T) {
	for _, data := range []string{
		`{}`,
		`{"client_email":"x@y"}`,
		`{"client_email":"x@y","private_key":"not pem"}`,
		`not json`,
	} {
		if _, err := New([]byte(data)); err == nil {
			t.Errorf("New(%q) succeeded, want error", data)
		}
	}
}

func TestSignedURLShape(t *testing.T) {
	key := newTestKey(t)
	s, err := New(testKeyJSON(t, key))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	signed, err := s.SignedURL("bkt", "dir/report 1.pdf", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parsing signed URL: %v", err)
	}
	if u.Scheme != "https" {
		t.Errorf("scheme = %q", u.Scheme)
	}
	if u.Host != "storage.googleapis.com" {
		t.Errorf("host = %q", u.Host)
	}
	if u.EscapedPath() != "/bkt/dir/report%201.pdf" {
		t.Errorf("path = %q", u.EscapedPath())
	}

	q := u.Query()
	if q.Get("X-Goog-Algorithm") != "GOOG4-RSA-SHA256" {
		t.Errorf("algorithm = %q", q.Get("X-Goog-Algorithm"))
	}
	if q.Get("X-Goog-Expires") != "3600" {
		t.Errorf("expires = %q", q.Get("X-Goog-Expires"))
	}
	cred := q.Get("X-Goog-Credential")
	if !strings.HasPrefix(cred, "signer@test-project.iam.gserviceaccount.com/") {
		t.Errorf("credential = %q, want test account prefix", cred)
	}
	if !strings.HasSuffix(cred, "/auto/storage/goog4_request") {
		t.Errorf("credential = %q, want goog4_request scope", cred)
	}
	if q.Get("X-Goog-SignedHeaders") != "host" {
		t.Errorf("signed headers = %q", q.Get("X-Goog-SignedHeaders"))
	}

	// A 2048-bit RSA signature is 256 bytes of hex.
	sig, err := hex.DecodeString(q.Get("X-Goog-Signature"))
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	if len(sig) != 256 {
		t.Errorf("signature length = %d, want 256", len(sig))
	}
}

func TestSignedURLExpiryBounds(t *testing.T) {
	s, err := New(testKeyJSON(t, newTestKey(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, expiry := range []time.Duration{0, -time.Hour, 8 * 24 * time.Hour} {
		if _, err := s.SignedURL("bkt", "obj", expiry); err == nil {
			t.Errorf("SignedURL with expiry %v succeeded, want error", expiry)
		}
	}
	if _, err := s.SignedURL("bkt", "obj", 7*24*time.Hour); err != nil {
		t.Errorf("SignedURL at the 7-day cap: %v", err)
	}
}

func TestSignedURLsDifferPerObject(t *testing.T) {
	s, err := New(testKeyJSON(t, newTestKey(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := s.SignedURL("bkt", "a", time.Hour)
	b, _ := s.SignedURL("bkt", "b", time.Hour)
	if a == b {
		t.Error("signed URLs for different objects should differ")
	}
}
