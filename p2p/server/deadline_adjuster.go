package server

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultChunkSize = 4096

type peerStream interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
}

// deadlineAdjuster moves the stream deadline forward as the data is read or
// written, in chunks of at most chunkSize bytes. The deadline never goes past
// the hard deadline set when the adjuster is created. Streams that don't
// support deadlines, such as the in-memory ones, are used without them.
type deadlineAdjuster struct {
	peerStream
	logger       *zap.Logger
	clock        clockwork.Clock
	chunkSize    int
	timeout      time.Duration
	hardTimeout  time.Duration
	hardDeadline time.Time
	deadline     time.Time
	totalRead    int
	totalWritten int
	noDeadline   bool
}

func newDeadlineAdjuster(
	stream peerStream,
	logger *zap.Logger,
	timeout, hardTimeout time.Duration,
) *deadlineAdjuster {
	return &deadlineAdjuster{
		peerStream:  stream,
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		chunkSize:   defaultChunkSize,
		timeout:     timeout,
		hardTimeout: hardTimeout,
	}
}

func (dadj *deadlineAdjuster) augmentError(what string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	return fmt.Errorf("%s: %w (%d bytes read, %d bytes written, timeout %v)",
		what, err, dadj.totalRead, dadj.totalWritten, dadj.timeout)
}

// adjust moves the deadline forward if it has been extended by at least a
// quarter of the timeout since it was last set.
func (dadj *deadlineAdjuster) adjust() {
	if dadj.noDeadline {
		return
	}
	now := dadj.clock.Now()
	if dadj.hardDeadline.IsZero() {
		dadj.hardDeadline = now.Add(dadj.hardTimeout)
	}
	deadline := now.Add(dadj.timeout)
	if deadline.After(dadj.hardDeadline) {
		deadline = dadj.hardDeadline
	}
	if !dadj.deadline.IsZero() && deadline.Sub(dadj.deadline) < dadj.timeout/4 {
		return
	}
	dadj.deadline = deadline
	if err := dadj.peerStream.SetDeadline(deadline); err != nil {
		dadj.logger.Debug("stream deadlines disabled", zap.Error(err))
		dadj.noDeadline = true
	}
}

func (dadj *deadlineAdjuster) Read(b []byte) (int, error) {
	var n int
	for n < len(b) {
		dadj.adjust()
		to := min(len(b), n+dadj.chunkSize)
		nCur, err := dadj.peerStream.Read(b[n:to])
		n += nCur
		dadj.totalRead += nCur
		if err != nil {
			return n, dadj.augmentError("read", err)
		}
		if n < to {
			// short read
			break
		}
	}
	return n, nil
}

func (dadj *deadlineAdjuster) Write(b []byte) (int, error) {
	var n int
	for n < len(b) {
		dadj.adjust()
		to := min(len(b), n+dadj.chunkSize)
		nCur, err := dadj.peerStream.Write(b[n:to])
		n += nCur
		dadj.totalWritten += nCur
		if err != nil {
			return n, dadj.augmentError("write", err)
		}
	}
	return n, nil
}
