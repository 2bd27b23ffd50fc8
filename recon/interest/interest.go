// Package interest narrows reconciliation to the parts of the key space a peer
// cares about.
package interest

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/multiformats/go-varint"

	"github.com/spacemeshos/go-recon/recon/types"
)

// ErrMalformedKey is returned when an interest key can't be decoded.
var ErrMalformedKey = errors.New("malformed interest key")

// ErrEmptyInterest is returned for the interests covering no keys.
var ErrEmptyInterest = errors.New("empty interest range")

// maxFieldSize limits the size of each field of an encoded interest.
const maxFieldSize = 1024

// Provider decides which parts of a range are of interest.
type Provider interface {
	// IsOfInterest returns the ordered, disjoint sub-ranges of r which are of
	// interest. An empty result means that nothing in r is of interest.
	IsOfInterest(ctx context.Context, r types.Range) ([]types.Range, error)
}

// FullInterests is a Provider for which every key is of interest.
type FullInterests struct{}

var _ Provider = FullInterests{}

func (FullInterests) IsOfInterest(_ context.Context, r types.Range) ([]types.Range, error) {
	if r.IsEmpty() {
		return nil, nil
	}
	return []types.Range{r}, nil
}

// Ranges is a Provider with a fixed set of ranges of interest.
type Ranges []types.Range

var _ Provider = Ranges{}

func (rs Ranges) IsOfInterest(_ context.Context, r types.Range) ([]types.Range, error) {
	return Intersect(Merge(rs), []types.Range{r}), nil
}

// Interest is a declaration that a peer cares about the keys in [Low, High)
// within the scope. A nil High means no upper bound.
type Interest struct {
	Scope string
	Peer  string
	Low   types.KeyBytes
	High  types.KeyBytes
}

// Range returns the key range of the interest.
func (i Interest) Range() types.Range {
	return types.NewRange(i.Low, i.High)
}

func appendField(b, field []byte) []byte {
	b = append(b, varint.ToUvarint(uint64(len(field)))...)
	return append(b, field...)
}

func scopePrefix(scope, peer string) types.KeyBytes {
	b := appendField(nil, []byte(scope))
	return appendField(b, []byte(peer))
}

// Key encodes the interest so that the keys of the same scope and peer are
// adjacent in the key order. An unbounded High is encoded as an empty field.
func (i Interest) Key() types.KeyBytes {
	b := scopePrefix(i.Scope, i.Peer)
	b = appendField(b, i.Low)
	return appendField(b, i.High)
}

// Validate checks that the interest covers at least one key. The encoding
// doesn't distinguish an empty High from an unbounded one, so an empty High is
// rejected too.
func (i Interest) Validate() error {
	if i.Range().IsEmpty() {
		return fmt.Errorf("%w: %s", ErrEmptyInterest, i)
	}
	return nil
}

func (i Interest) String() string {
	return fmt.Sprintf("%s/%s%s", i.Scope, i.Peer, i.Range())
}

func readField(b []byte) (field, rest []byte, err error) {
	n, l, err := varint.FromUvarint(b)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	if n > maxFieldSize || uint64(len(b)-l) < n {
		return nil, nil, fmt.Errorf("%w: bad field length %d", ErrMalformedKey, n)
	}
	return b[l : l+int(n)], b[l+int(n):], nil
}

// ParseKey decodes an interest key.
func ParseKey(k types.KeyBytes) (Interest, error) {
	var fields [4][]byte
	rest := []byte(k)
	for n := range fields {
		var err error
		if fields[n], rest, err = readField(rest); err != nil {
			return Interest{}, err
		}
	}
	if len(rest) != 0 {
		return Interest{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedKey, len(rest))
	}
	i := Interest{
		Scope: string(fields[0]),
		Peer:  string(fields[1]),
		Low:   types.KeyBytes(fields[2]).Clone(),
	}
	if len(fields[3]) != 0 {
		i.High = types.KeyBytes(fields[3]).Clone()
	}
	return i, nil
}

// ScopeRange returns the range of the interest keys of the peer within the scope.
func ScopeRange(scope, peer string) types.Range {
	prefix := scopePrefix(scope, peer)
	return types.NewRange(prefix, prefix.Successor())
}

func lowLess(a, b types.Range) int {
	return a.Low.Compare(b.Low)
}

// highLess compares upper bounds, nil being the greatest.
func highLess(a, b types.KeyBytes) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Compare(b)
	}
}

// Merge returns the sorted list of disjoint, non-adjacent ranges covering the
// same keys as rs.
func Merge(rs []types.Range) []types.Range {
	sorted := make([]types.Range, 0, len(rs))
	for _, r := range rs {
		if !r.IsEmpty() {
			sorted = append(sorted, r)
		}
	}
	slices.SortFunc(sorted, lowLess)
	var merged []types.Range
	for _, r := range sorted {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.High == nil || r.Low.Compare(last.High) <= 0 {
				if highLess(r.High, last.High) > 0 {
					last.High = r.High
				}
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

// Intersect returns the intersection of two sorted lists of disjoint ranges.
func Intersect(a, b []types.Range) []types.Range {
	var res []types.Range
	for i, j := 0, 0; i < len(a) && j < len(b); {
		if x, ok := a[i].Intersect(b[j]); ok {
			res = append(res, x)
		}
		// advance the range that ends first
		if highLess(a[i].High, b[j].High) < 0 {
			i++
		} else {
			j++
		}
	}
	return res
}

// KeyReader provides read access to interest keys.
type KeyReader interface {
	RangeKeys(ctx context.Context, r types.Range, limit int) ([]types.KeyBytes, error)
}

// StoreProvider is a Provider reading the interests of a peer within a scope
// from the keys reconciled on the interest topic.
type StoreProvider struct {
	reader KeyReader
	scope  string
	peer   string
}

var _ Provider = &StoreProvider{}

// NewStoreProvider creates a StoreProvider.
func NewStoreProvider(reader KeyReader, scope, peer string) *StoreProvider {
	return &StoreProvider{reader: reader, scope: scope, peer: peer}
}

// Interests returns the merged interest ranges.
func (p *StoreProvider) Interests(ctx context.Context) ([]types.Range, error) {
	keys, err := p.reader.RangeKeys(ctx, ScopeRange(p.scope, p.peer), -1)
	if err != nil {
		return nil, fmt.Errorf("read interests of %s/%s: %w", p.scope, p.peer, err)
	}
	rs := make([]types.Range, 0, len(keys))
	for _, k := range keys {
		i, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		rs = append(rs, i.Range())
	}
	return Merge(rs), nil
}

func (p *StoreProvider) IsOfInterest(ctx context.Context, r types.Range) ([]types.Range, error) {
	rs, err := p.Interests(ctx)
	if err != nil {
		return nil, err
	}
	return Intersect(rs, []types.Range{r}), nil
}
