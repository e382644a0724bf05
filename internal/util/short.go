// Package util provides shared utility functions.
package util

// ShortID truncates an opaque peer id for log output. Peer ids are long
// base58/uuid strings; the first 8 characters are enough to tell peers apart
// in a small mesh.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "…"
}
