// Package signer generates V4 signed download URLs from a service-account
// key, letting callers hand out time-bounded read access without a bearer
// token.
package signer

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
)

// maxExpiry is the maximum signed URL lifetime (7 days).
const maxExpiry = 7 * 24 * time.Hour

// URLSigner signs download URLs with a service account's RSA key.
type URLSigner struct {
	email string
	key   []byte
}

// keyFile is the subset of a service-account JSON key the signer needs.
type keyFile struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// New creates a URLSigner from service-account JSON key data.
func New(keyJSON []byte) (*URLSigner, error) {
	var kf keyFile
	if err := json.Unmarshal(keyJSON, &kf); err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}
	if kf.ClientEmail == "" || kf.PrivateKey == "" {
		return nil, fmt.Errorf("service account key is missing client_email or private_key")
	}
	if block, _ := pem.Decode([]byte(kf.PrivateKey)); block == nil {
		return nil, fmt.Errorf("service account private_key is not PEM")
	}
	return &URLSigner{email: kf.ClientEmail, key: []byte(kf.PrivateKey)}, nil
}

// SignedURL returns a V4 signed GET URL for bucket/object valid for expiry
// from now.
func (s *URLSigner) SignedURL(bucket, object string, expiry time.Duration) (string, error) {
	if expiry <= 0 || expiry > maxExpiry {
		return "", fmt.Errorf("signed URL expiry must be in (0, %s], got %s", maxExpiry, expiry)
	}

	signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		GoogleAccessID: s.email,
		PrivateKey:     s.key,
		Expires:        time.Now().Add(expiry),
	})
	if err != nil {
		return "", fmt.Errorf("signing url for %s: %w", object, err)
	}
	return signed, nil
}
