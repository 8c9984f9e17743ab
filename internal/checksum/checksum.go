// Package checksum computes the content hash shared with the remote service.
package checksum

import (
	"crypto/md5" //nolint:gosec // the remote protocol identifies bodies by MD5
	"encoding/hex"
)

// Sum returns the hex-encoded MD5 digest of data.
func Sum(data []byte) string {
	h := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(h[:])
}

// String is Sum for text content.
func String(s string) string {
	return Sum([]byte(s))
}
