// Package util provides shared utility functions.
package util

import (
	"github.com/cespare/xxhash/v2"
)

// Hash computes a 64-bit xxHash digest over parts. Each part is terminated
// by a zero byte so that ("ab", "c") and ("a", "bc") hash differently.
// The digest is used for identification only.
func Hash(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
