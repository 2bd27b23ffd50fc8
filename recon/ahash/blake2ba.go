package ahash

import "github.com/minio/blake2b-simd"

// Blake2ba is the sum modulo 2^256 of the BLAKE2b-256 digests of the keys.
type Blake2ba hash256

func (h Blake2ba) Combine(other Blake2ba) Blake2ba {
	return Blake2ba(hash256(h).add(hash256(other)))
}

func (Blake2ba) Digest(k []byte) Blake2ba {
	return Blake2ba(blake2b.Sum256(k))
}

func (h Blake2ba) Bytes() []byte {
	return h[:]
}

func (Blake2ba) FromBytes(b []byte) (Blake2ba, error) {
	h, err := parse256(b)
	return Blake2ba(h), err
}

func (h Blake2ba) IsZero() bool {
	return hash256(h).isZero()
}

func (h Blake2ba) String() string {
	return hash256(h).String()
}
