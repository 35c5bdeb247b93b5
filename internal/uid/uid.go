// Package uid provides unique identifier generation for BlobCourier.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CompoundSeparator separates the stable prefix from the random suffix in
// compound object keys. Delete-by-prefix relies on this marker to find every
// generation of an upload slot.
const CompoundSeparator = "::"

// New generates a 32-character hex string suitable for use as a unique
// identifier (upload file ids, object names) using crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Compound builds a compound object key of the form "prefix::random".
// Successive uploads to the same logical slot share the prefix, letting
// delete-by-prefix clean up superseded generations.
func Compound(prefix string) string {
	return prefix + CompoundSeparator + New()
}

// CompoundPrefix returns the stable prefix of a compound key and whether the
// key carries the compound marker at all.
func CompoundPrefix(key string) (string, bool) {
	prefix, _, ok := strings.Cut(key, CompoundSeparator)
	return prefix, ok
}
