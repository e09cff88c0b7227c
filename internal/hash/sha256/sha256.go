// Package sha256 derives cache keys from normalized URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements audit.Hasher. The namespace is mixed into every digest so
// that bumping it (for example after the site's markup changes) orphans all
// previously cached scores at once.
type Hasher struct {
	namespace string
}

// New returns a hasher for namespace. An empty namespace hashes data as is.
func New(namespace string) *Hasher {
	return &Hasher{namespace: namespace}
}

// Hash returns the hex SHA-256 of namespace + "\x00" + data.
func (h *Hasher) Hash(data []byte) (string, error) {
	d := sha256.New()
	if h.namespace != "" {
		d.Write([]byte(h.namespace))
		d.Write([]byte{0})
	}
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil)), nil
}
