package rangesync

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-recon/codec"
)

// Conduit handles receiving and sending peer messages.
type Conduit interface {
	// NextMessage returns the next SyncMessage, or nil if there are no more
	// SyncMessages for this session.
	NextMessage() (SyncMessage, error)
	// Send sends a SyncMessage to the peer.
	Send(SyncMessage) error
	// Flush makes sure the sent messages reach the peer.
	Flush() error
}

type wireConduit struct {
	r *bufio.Reader
	w *bufio.Writer
}

var _ Conduit = &wireConduit{}

func newWireConduit(stream io.ReadWriter) *wireConduit {
	return &wireConduit{
		r: bufio.NewReader(stream),
		w: bufio.NewWriter(stream),
	}
}

func decodeMessage(r io.Reader) (SyncMessage, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, nil
	}
	m, err := newMessage(MessageType(b[0]))
	if err != nil {
		return nil, err
	}
	if _, err := m.DecodeScale(scale.NewDecoder(r)); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrBadMessage, m.Type(), err)
	}
	return m, nil
}

func (c *wireConduit) NextMessage() (SyncMessage, error) {
	return decodeMessage(c.r)
}

func encodeMessage(w io.Writer, m SyncMessage) error {
	if _, err := w.Write([]byte{byte(m.Type())}); err != nil {
		return err
	}
	_, err := codec.EncodeTo(w, m)
	return err
}

func (c *wireConduit) Send(m SyncMessage) error {
	return encodeMessage(c.w, m)
}

func (c *wireConduit) Flush() error {
	return c.w.Flush()
}

// EncodeInitialRequest encodes the message opening the session so that it can
// be passed as the initial request of a stream.
func EncodeInitialRequest(m *InterestRequestMessage) ([]byte, error) {
	var b bytes.Buffer
	if err := encodeMessage(&b, m); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeInitialRequest decodes the message opening the session.
func DecodeInitialRequest(req []byte) (*InterestRequestMessage, error) {
	m, err := decodeMessage(bytes.NewReader(req))
	switch {
	case err != nil:
		return nil, err
	case m == nil:
		return nil, fmt.Errorf("%w: empty initial request", ErrBadMessage)
	}
	ir, ok := m.(*InterestRequestMessage)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected initial request %s", ErrBadMessage, m.Type())
	}
	return ir, nil
}
