package ahash

import "github.com/minio/sha256-simd"

// Sha256a is the sum modulo 2^256 of the SHA-256 digests of the keys.
type Sha256a hash256

func (h Sha256a) Combine(other Sha256a) Sha256a {
	return Sha256a(hash256(h).add(hash256(other)))
}

func (Sha256a) Digest(k []byte) Sha256a {
	return Sha256a(sha256.Sum256(k))
}

func (h Sha256a) Bytes() []byte {
	return h[:]
}

func (Sha256a) FromBytes(b []byte) (Sha256a, error) {
	h, err := parse256(b)
	return Sha256a(h), err
}

func (h Sha256a) IsZero() bool {
	return hash256(h).isZero()
}

func (h Sha256a) String() string {
	return hash256(h).String()
}
