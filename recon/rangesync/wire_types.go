package rangesync

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-recon/recon/types"
)

const (
	// MaxKeySize is the maximum size of a key sent over the wire.
	MaxKeySize = 1024
	// HashSize is the size of the associative hashes sent over the wire.
	HashSize = 32
	// MaxTopicSize is the maximum size of a topic name.
	MaxTopicSize = 256
	// MaxRanges is the maximum number of interest ranges in a message.
	MaxRanges = 1024
	// MaxSplitParts is the maximum number of parts in a Split message.
	MaxSplitParts = 64
	// MaxKeysPerMessage is the maximum number of keys in a Keys message.
	MaxKeysPerMessage = 4096
)

// ErrBadMessage is returned when a message can't be decoded.
var ErrBadMessage = errors.New("bad message")

// MessageType specifies the type of a sync message.
type MessageType byte

const (
	// Done message is sent to indicate the completion of the whole sync run.
	MessageTypeDone MessageType = iota
	// EndRoundMessage is sent to indicate the completion of a single round.
	MessageTypeEndRound
	// InterestRequest carries the initiator's topic and interest ranges.
	MessageTypeInterestRequest
	// InterestResponse carries the ranges of interest to both peers.
	MessageTypeInterestResponse
	// RangeRequest carries the sender's summary of a range.
	MessageTypeRangeRequest
	// RangeResponse tells that the summary of the range matches.
	MessageTypeRangeResponse
	// Split carries the sender's summaries of the parts of a range.
	MessageTypeSplit
	// Keys carries the sender's keys in a range.
	MessageTypeKeys
)

// String implements Stringer.
func (mtype MessageType) String() string {
	switch mtype {
	case MessageTypeDone:
		return "done"
	case MessageTypeEndRound:
		return "endRound"
	case MessageTypeInterestRequest:
		return "interestRequest"
	case MessageTypeInterestResponse:
		return "interestResponse"
	case MessageTypeRangeRequest:
		return "rangeRequest"
	case MessageTypeRangeResponse:
		return "rangeResponse"
	case MessageTypeSplit:
		return "split"
	case MessageTypeKeys:
		return "keys"
	}
	return fmt.Sprintf("<unknown %02x>", int(mtype))
}

// SyncMessage is a message that is a part of the sync protocol.
type SyncMessage interface {
	scale.Encodable
	scale.Decodable
	// Type returns the type of the message.
	Type() MessageType
	// NeedsReply returns true if the peer must respond to the message.
	NeedsReply() bool
}

// Hash is an associative hash on the wire.
type Hash [HashSize]byte

// EncodeScale implements scale.Encodable.
func (h *Hash) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, h[:])
}

// DecodeScale implements scale.Decodable.
func (h *Hash) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, h[:])
}

type encodeFunc func(e *scale.Encoder) (int, error)

func encodeAll(e *scale.Encoder, fns ...encodeFunc) (int, error) {
	total := 0
	for _, fn := range fns {
		n, err := fn(e)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type decodeFunc func(d *scale.Decoder) (int, error)

func decodeAll(d *scale.Decoder, fns ...decodeFunc) (int, error) {
	total := 0
	for _, fn := range fns {
		n, err := fn(d)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func encodeKey(k types.KeyBytes) encodeFunc {
	return func(e *scale.Encoder) (int, error) {
		return scale.EncodeByteSliceWithLimit(e, k, MaxKeySize)
	}
}

func decodeKey(k *types.KeyBytes) decodeFunc {
	return func(d *scale.Decoder) (int, error) {
		b, n, err := scale.DecodeByteSliceWithLimit(d, MaxKeySize)
		if err != nil {
			return n, err
		}
		*k = types.KeyBytes(b)
		if *k == nil {
			*k = types.KeyBytes{}
		}
		return n, nil
	}
}

func encodeUint(v int) encodeFunc {
	return func(e *scale.Encoder) (int, error) {
		return scale.EncodeCompact32(e, uint32(v))
	}
}

func decodeUint(v *int, limit int) decodeFunc {
	return func(d *scale.Decoder) (int, error) {
		x, n, err := scale.DecodeCompact32(d)
		if err != nil {
			return n, err
		}
		if limit > 0 && int64(x) > int64(limit) {
			return n, fmt.Errorf("%w: value %d exceeds %d", ErrBadMessage, x, limit)
		}
		*v = int(x)
		return n, nil
	}
}

func encodeFlag(f bool) encodeFunc {
	return func(e *scale.Encoder) (int, error) {
		var b uint8
		if f {
			b = 1
		}
		return scale.EncodeCompact8(e, b)
	}
}

func decodeFlag(f *bool) decodeFunc {
	return func(d *scale.Decoder) (int, error) {
		b, n, err := scale.DecodeCompact8(d)
		if err != nil {
			return n, err
		}
		if b > 1 {
			return n, fmt.Errorf("%w: bad flag %d", ErrBadMessage, b)
		}
		*f = b == 1
		return n, nil
	}
}

// encodeRange encodes the lower bound, a flag telling whether the range is
// bounded and the upper bound if it is.
func encodeRange(r types.Range) encodeFunc {
	return func(e *scale.Encoder) (int, error) {
		fns := []encodeFunc{encodeKey(r.Low), encodeFlag(r.High != nil)}
		if r.High != nil {
			fns = append(fns, encodeKey(r.High))
		}
		return encodeAll(e, fns...)
	}
}

func decodeRange(r *types.Range) decodeFunc {
	return func(d *scale.Decoder) (int, error) {
		var bounded bool
		total, err := decodeAll(d, decodeKey(&r.Low), decodeFlag(&bounded))
		if err != nil || !bounded {
			r.High = nil
			return total, err
		}
		n, err := decodeKey(&r.High)(d)
		return total + n, err
	}
}

func encodeRanges(rs []types.Range) encodeFunc {
	return func(e *scale.Encoder) (int, error) {
		fns := []encodeFunc{encodeUint(len(rs))}
		for _, r := range rs {
			fns = append(fns, encodeRange(r))
		}
		return encodeAll(e, fns...)
	}
}

func decodeRanges(rs *[]types.Range) decodeFunc {
	return func(d *scale.Decoder) (int, error) {
		var count int
		total, err := decodeUint(&count, MaxRanges)(d)
		if err != nil {
			return total, err
		}
		*rs = make([]types.Range, count)
		for i := range *rs {
			n, err := decodeRange(&(*rs)[i])(d)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}
}

// Marker is embedded in the messages without a body.
type Marker struct{}

func (*Marker) EncodeScale(*scale.Encoder) (int, error) { return 0, nil }
func (*Marker) DecodeScale(*scale.Decoder) (int, error) { return 0, nil }
func (*Marker) NeedsReply() bool                        { return false }

// DoneMessage is a SyncMessage that denotes the end of the synchronization.
// The peer should stop any further processing after receiving this message.
type DoneMessage struct{ Marker }

var _ SyncMessage = &DoneMessage{}

func (*DoneMessage) Type() MessageType { return MessageTypeDone }

// EndRoundMessage is a SyncMessage that denotes the end of the sync round.
type EndRoundMessage struct{ Marker }

var _ SyncMessage = &EndRoundMessage{}

func (*EndRoundMessage) Type() MessageType { return MessageTypeEndRound }

// InterestRequestMessage opens the sync session. It names the topic and lists
// the initiator's ranges of interest.
type InterestRequestMessage struct {
	Topic  string
	Ranges []types.Range
}

var _ SyncMessage = &InterestRequestMessage{}

func (*InterestRequestMessage) Type() MessageType { return MessageTypeInterestRequest }
func (*InterestRequestMessage) NeedsReply() bool  { return true }

func (m *InterestRequestMessage) EncodeScale(e *scale.Encoder) (int, error) {
	return encodeAll(e,
		func(e *scale.Encoder) (int, error) {
			return scale.EncodeByteSliceWithLimit(e, []byte(m.Topic), MaxTopicSize)
		},
		encodeRanges(m.Ranges))
}

func (m *InterestRequestMessage) DecodeScale(d *scale.Decoder) (int, error) {
	return decodeAll(d,
		func(d *scale.Decoder) (int, error) {
			b, n, err := scale.DecodeByteSliceWithLimit(d, MaxTopicSize)
			m.Topic = string(b)
			return n, err
		},
		decodeRanges(&m.Ranges))
}

// InterestResponseMessage carries the ranges of interest to both peers which
// make up the session scope.
type InterestResponseMessage struct {
	UnknownTopic bool
	Ranges       []types.Range
}

var _ SyncMessage = &InterestResponseMessage{}

func (*InterestResponseMessage) Type() MessageType { return MessageTypeInterestResponse }

func (m *InterestResponseMessage) NeedsReply() bool { return len(m.Ranges) != 0 }

func (m *InterestResponseMessage) EncodeScale(e *scale.Encoder) (int, error) {
	return encodeAll(e, encodeFlag(m.UnknownTopic), encodeRanges(m.Ranges))
}

func (m *InterestResponseMessage) DecodeScale(d *scale.Decoder) (int, error) {
	return decodeAll(d, decodeFlag(&m.UnknownTopic), decodeRanges(&m.Ranges))
}

// RangeSummary is the summary of a range on the wire.
type RangeSummary struct {
	Range types.Range
	Hash  Hash
	Count int
}

func (s *RangeSummary) EncodeScale(e *scale.Encoder) (int, error) {
	return encodeAll(e, encodeRange(s.Range), s.Hash.EncodeScale, encodeUint(s.Count))
}

func (s *RangeSummary) DecodeScale(d *scale.Decoder) (int, error) {
	return decodeAll(d, decodeRange(&s.Range), s.Hash.DecodeScale, decodeUint(&s.Count, 0))
}

func (s *RangeSummary) String() string {
	return fmt.Sprintf("%s count=%d hash=%x", s.Range, s.Count, s.Hash[:4])
}

// RangeRequestMessage carries the sender's summary of a range in the session
// scope.
type RangeRequestMessage struct{ RangeSummary }

var _ SyncMessage = &RangeRequestMessage{}

func (*RangeRequestMessage) Type() MessageType { return MessageTypeRangeRequest }
func (*RangeRequestMessage) NeedsReply() bool  { return true }

// RangeResponseMessage tells the peer that its summary of the range matches
// the local one, so the range is in sync.
type RangeResponseMessage struct{ RangeSummary }

var _ SyncMessage = &RangeResponseMessage{}

func (*RangeResponseMessage) Type() MessageType { return MessageTypeRangeResponse }
func (*RangeResponseMessage) NeedsReply() bool  { return false }

// SplitMessage is sent in reply to a mismatched range summary. It carries the
// sender's summaries of the parts of the range, which tile it in order.
type SplitMessage struct {
	Range types.Range
	Parts []RangeSummary
}

var _ SyncMessage = &SplitMessage{}

func (*SplitMessage) Type() MessageType { return MessageTypeSplit }
func (*SplitMessage) NeedsReply() bool  { return true }

func (m *SplitMessage) EncodeScale(e *scale.Encoder) (int, error) {
	fns := []encodeFunc{encodeRange(m.Range), encodeUint(len(m.Parts))}
	for i := range m.Parts {
		fns = append(fns, m.Parts[i].EncodeScale)
	}
	return encodeAll(e, fns...)
}

func (m *SplitMessage) DecodeScale(d *scale.Decoder) (int, error) {
	var count int
	total, err := decodeAll(d, decodeRange(&m.Range), decodeUint(&count, MaxSplitParts))
	if err != nil {
		return total, err
	}
	m.Parts = make([]RangeSummary, count)
	for i := range m.Parts {
		n, err := m.Parts[i].DecodeScale(d)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// KeysMessage carries the sender's keys in a range.
// If Final is false, the keys are all of the sender's keys in the range and
// the peer must reply with the keys the sender lacks. If More is true, more
// Keys messages for the same range follow.
type KeysMessage struct {
	Range types.Range
	Keys  []types.KeyBytes
	Final bool
	More  bool
}

var _ SyncMessage = &KeysMessage{}

func (*KeysMessage) Type() MessageType  { return MessageTypeKeys }
func (m *KeysMessage) NeedsReply() bool { return !m.Final }

func (m *KeysMessage) EncodeScale(e *scale.Encoder) (int, error) {
	fns := []encodeFunc{encodeRange(m.Range), encodeFlag(m.Final), encodeFlag(m.More), encodeUint(len(m.Keys))}
	for _, k := range m.Keys {
		fns = append(fns, encodeKey(k))
	}
	return encodeAll(e, fns...)
}

func (m *KeysMessage) DecodeScale(d *scale.Decoder) (int, error) {
	var count int
	total, err := decodeAll(d,
		decodeRange(&m.Range),
		decodeFlag(&m.Final),
		decodeFlag(&m.More),
		decodeUint(&count, MaxKeysPerMessage))
	if err != nil {
		return total, err
	}
	m.Keys = make([]types.KeyBytes, count)
	for i := range m.Keys {
		n, err := decodeKey(&m.Keys[i])(d)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newMessage(mtype MessageType) (SyncMessage, error) {
	switch mtype {
	case MessageTypeDone:
		return &DoneMessage{}, nil
	case MessageTypeEndRound:
		return &EndRoundMessage{}, nil
	case MessageTypeInterestRequest:
		return &InterestRequestMessage{}, nil
	case MessageTypeInterestResponse:
		return &InterestResponseMessage{}, nil
	case MessageTypeRangeRequest:
		return &RangeRequestMessage{}, nil
	case MessageTypeRangeResponse:
		return &RangeResponseMessage{}, nil
	case MessageTypeSplit:
		return &SplitMessage{}, nil
	case MessageTypeKeys:
		return &KeysMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: invalid message code %02x", ErrBadMessage, byte(mtype))
	}
}
