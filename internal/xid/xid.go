// Package xid mints prefixed row identifiers (txn, loc, job, ...) for
// records created locally rather than pulled from the upstream provider.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns "<prefix>-<unix nanos>-<random hex>". The timestamp keeps ids
// roughly ordered by creation time; the random tail separates ids minted in
// the same nanosecond. If the system random source fails, the id degrades to
// the timestamp alone.
func New(prefix string) string {
	now := time.Now().UnixNano()
	tail := make([]byte, 8)
	if _, err := rand.Read(tail); err != nil {
		return fmt.Sprintf("%s-%d", prefix, now)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now, hex.EncodeToString(tail))
}
