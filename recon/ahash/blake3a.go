package ahash

import (
	"sync"

	"github.com/zeebo/blake3"
)

// hasherPool amortizes allocations of blake3 hashers.
var hasherPool = &sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

// Blake3a is the sum modulo 2^256 of the BLAKE3 digests of the keys.
type Blake3a hash256

func (h Blake3a) Combine(other Blake3a) Blake3a {
	return Blake3a(hash256(h).add(hash256(other)))
}

func (Blake3a) Digest(k []byte) Blake3a {
	hasher := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	hasher.Write(k)
	var r Blake3a
	hasher.Sum(r[:0])
	return r
}

func (h Blake3a) Bytes() []byte {
	return h[:]
}

func (Blake3a) FromBytes(b []byte) (Blake3a, error) {
	h, err := parse256(b)
	return Blake3a(h), err
}

func (h Blake3a) IsZero() bool {
	return hash256(h).isZero()
}

func (h Blake3a) String() string {
	return hash256(h).String()
}
