// Package eventid builds event keys which keep the events of one scope
// adjacent in the key order.
package eventid

import (
	"github.com/minio/sha256-simd"

	"github.com/spacemeshos/go-recon/recon/types"
)

const (
	// ScopeSize is the size of the scope prefix of an event id.
	ScopeSize = 8
	// Size is the size of an event id.
	Size = ScopeSize + sha256.Size
)

func scopePrefix(scope string) []byte {
	h := sha256.Sum256([]byte(scope))
	return h[:ScopeSize]
}

// New returns the id of the event with the given content within the scope.
func New(scope string, content []byte) types.KeyBytes {
	id := make(types.KeyBytes, 0, Size)
	id = append(id, scopePrefix(scope)...)
	h := sha256.Sum256(content)
	return append(id, h[:]...)
}

// Scope returns the scope prefix of the event id, or nil if it's too short.
func Scope(id types.KeyBytes) []byte {
	if len(id) < ScopeSize {
		return nil
	}
	return id[:ScopeSize]
}

// ScopeRange returns the range holding all the event ids of the scope.
func ScopeRange(scope string) types.Range {
	prefix := types.KeyBytes(scopePrefix(scope))
	return types.NewRange(prefix, prefix.Successor())
}
