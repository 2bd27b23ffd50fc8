package rangesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/interest"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
)

// SyncResult contains the stats of a sync session. Message counts include
// the messages in both directions.
type SyncResult struct {
	// Rounds is the number of message batches sent.
	Rounds           int
	MessagesSent     int
	MessagesReceived int
	RangeRequests    int
	RangeResponses   int
	Splits           int
	// LeafExchanges is the number of ranges reconciled by sending the
	// complete key list.
	LeafExchanges  int
	KeysSent       int
	KeysReceived   int
	KeysInserted   int
	ProtocolErrors int
	// Unresolved is the number of ranges the peer didn't reply to.
	Unresolved int
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r SyncResult) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("rounds", r.Rounds)
	enc.AddInt("sent", r.MessagesSent)
	enc.AddInt("received", r.MessagesReceived)
	enc.AddInt("rangeRequests", r.RangeRequests)
	enc.AddInt("rangeResponses", r.RangeResponses)
	enc.AddInt("splits", r.Splits)
	enc.AddInt("leafExchanges", r.LeafExchanges)
	enc.AddInt("keysSent", r.KeysSent)
	enc.AddInt("keysReceived", r.KeysReceived)
	enc.AddInt("keysInserted", r.KeysInserted)
	enc.AddInt("protocolErrors", r.ProtocolErrors)
	enc.AddInt("unresolved", r.Unresolved)
	return nil
}

// pendingRange is a range awaiting a reply from the peer.
type pendingRange struct {
	rng types.Range
	// keysSent is true if the complete key list was sent for the range,
	// in which case only the keys the sender lacks are a valid reply.
	keysSent bool
}

type session[H ahash.AssociativeHash[H]] struct {
	r       *Recon[H]
	role    string
	c       Conduit
	logger  *zap.Logger
	scope   []types.Range
	pending map[string]pendingRange
	out     []SyncMessage
	result  SyncResult
}

func (s *session[H]) logResult(err error) {
	s.result.Unresolved = len(s.pending)
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Debug("sync session canceled", zap.Object("result", s.result))
	case err != nil:
		s.logger.Debug("sync session failed", zap.Object("result", s.result), zap.Error(err))
	default:
		s.logger.Debug("sync session done", zap.Object("result", s.result))
	}
}

func (s *session[H]) send(m SyncMessage) {
	s.out = append(s.out, m)
}

// finishRound sends the queued messages followed by EndRound, or by Done if
// none of them needs a reply. It returns true if the session is over.
func (s *session[H]) finishRound() (bool, error) {
	needsReply := false
	for _, m := range s.out {
		if err := s.c.Send(m); err != nil {
			return false, fmt.Errorf("send %s: %w", m.Type(), err)
		}
		s.r.tracker.sent(m)
		s.result.MessagesSent++
		needsReply = needsReply || m.NeedsReply()
	}
	s.out = s.out[:0]
	var end SyncMessage = &EndRoundMessage{}
	if !needsReply {
		end = &DoneMessage{}
	}
	if err := s.c.Send(end); err != nil {
		return false, fmt.Errorf("send %s: %w", end.Type(), err)
	}
	s.r.tracker.sent(end)
	s.result.MessagesSent++
	if err := s.c.Flush(); err != nil {
		return false, fmt.Errorf("flush: %w", err)
	}
	s.result.Rounds++
	return !needsReply, nil
}

// receiveBatch receives the messages of the peer's round. The second return
// value is true if the peer has finished the session.
func (s *session[H]) receiveBatch(ctx context.Context) ([]SyncMessage, bool, error) {
	var msgs []SyncMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		m, err := s.c.NextMessage()
		switch {
		case err != nil:
			return nil, false, fmt.Errorf("receive message: %w", err)
		case m == nil:
			return nil, false, fmt.Errorf("%w: stream closed before the end of round", ErrUnexpectedMessage)
		}
		s.r.tracker.received(m)
		s.result.MessagesReceived++
		switch m.Type() {
		case MessageTypeDone:
			return msgs, true, nil
		case MessageTypeEndRound:
			return msgs, false, nil
		}
		msgs = append(msgs, m)
	}
}

func (s *session[H]) receiveInterestRequest(ctx context.Context) (*InterestRequestMessage, error) {
	msgs, done, err := s.receiveBatch(ctx)
	if err != nil {
		return nil, err
	}
	if done || len(msgs) != 1 {
		return nil, fmt.Errorf("%w: expected a single interest request", ErrUnexpectedMessage)
	}
	req, ok := msgs[0].(*InterestRequestMessage)
	if !ok {
		return nil, fmt.Errorf("%w: expected interest request, got %s", ErrUnexpectedMessage, msgs[0].Type())
	}
	return req, nil
}

// loop sends the queued messages and processes the peer's replies until
// either side finishes the session.
func (s *session[H]) loop(ctx context.Context) error {
	for {
		done, err := s.finishRound()
		if err != nil || done {
			return err
		}
		if s.result.Rounds >= s.r.cfg.maxRounds {
			return fmt.Errorf("%w: %d", ErrTooManyRounds, s.result.Rounds)
		}
		msgs, peerDone, err := s.receiveBatch(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := s.handle(ctx, m); err != nil {
				return err
			}
		}
		if peerDone {
			if len(s.out) != 0 {
				s.logger.Debug("peer is done, dropping messages", zap.Int("count", len(s.out)))
			}
			return nil
		}
	}
}

func (s *session[H]) runInitiator(ctx context.Context, interests []types.Range) error {
	msgs, done, err := s.receiveBatch(ctx)
	if err != nil {
		return err
	}
	if len(msgs) != 1 {
		return fmt.Errorf("%w: expected a single interest response", ErrUnexpectedMessage)
	}
	resp, ok := msgs[0].(*InterestResponseMessage)
	switch {
	case !ok:
		return fmt.Errorf("%w: expected interest response, got %s", ErrUnexpectedMessage, msgs[0].Type())
	case resp.UnknownTopic:
		return fmt.Errorf("%w: %q", ErrUnknownTopic, s.r.topic)
	}
	s.scope = interest.Intersect(interest.Merge(interests), interest.Merge(resp.Ranges))
	if done {
		return nil
	}
	for _, rng := range s.scope {
		local, err := s.r.Summary(ctx, rng)
		if err != nil {
			return fmt.Errorf("summary of %s: %w", rng, err)
		}
		s.send(&RangeRequestMessage{wireSummary(rng, local)})
		s.addPending(rng, false)
		s.result.RangeRequests++
	}
	return s.loop(ctx)
}

func (s *session[H]) runResponder(ctx context.Context, req *InterestRequestMessage) error {
	if req.Topic != s.r.topic {
		s.send(&InterestResponseMessage{UnknownTopic: true})
		if _, err := s.finishRound(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %q", ErrUnknownTopic, req.Topic)
	}
	own, err := s.r.interests.IsOfInterest(ctx, types.FullRange())
	if err != nil {
		return fmt.Errorf("get interests: %w", err)
	}
	s.scope = interest.Intersect(interest.Merge(own), interest.Merge(req.Ranges))
	s.send(&InterestResponseMessage{Ranges: s.scope})
	return s.loop(ctx)
}

func (s *session[H]) protocolError(rng types.Range, format string, args ...any) {
	err := &ProtocolError{Range: rng, Reason: fmt.Sprintf(format, args...)}
	s.logger.Warn("aborting range", zap.Error(err))
	s.result.ProtocolErrors++
	s.r.tracker.protocolErrors.Inc()
}

func (s *session[H]) inScope(rng types.Range) bool {
	for _, sr := range s.scope {
		if sr.Covers(rng) {
			return true
		}
	}
	return false
}

func (s *session[H]) addPending(rng types.Range, keysSent bool) {
	s.pending[rng.ID()] = pendingRange{rng: rng, keysSent: keysSent}
}

func (s *session[H]) handle(ctx context.Context, m SyncMessage) error {
	switch m := m.(type) {
	case *RangeRequestMessage:
		return s.handleRangeRequest(ctx, m)
	case *RangeResponseMessage:
		s.handleRangeResponse(m)
		return nil
	case *SplitMessage:
		return s.handleSplit(ctx, m)
	case *KeysMessage:
		return s.handleKeys(ctx, m)
	default:
		return fmt.Errorf("%w: %s in the middle of the session", ErrUnexpectedMessage, m.Type())
	}
}

func wireSummary[H ahash.AssociativeHash[H]](rng types.Range, sum store.Summary[H]) RangeSummary {
	rs := RangeSummary{Range: rng, Count: sum.Count}
	copy(rs.Hash[:], sum.Hash.Bytes())
	return rs
}

func (s *session[H]) remoteSummary(rs *RangeSummary) (store.Summary[H], error) {
	h, err := ahash.Parse[H](rs.Hash[:])
	if err != nil {
		return store.Summary[H]{}, err
	}
	return store.Summary[H]{Hash: h, Count: rs.Count}, nil
}

func (s *session[H]) handleRangeRequest(ctx context.Context, m *RangeRequestMessage) error {
	s.result.RangeRequests++
	if m.Range.IsEmpty() || !s.inScope(m.Range) {
		s.protocolError(m.Range, "range request outside the session scope")
		return nil
	}
	return s.compare(ctx, &m.RangeSummary)
}

func (s *session[H]) handleRangeResponse(m *RangeResponseMessage) {
	s.result.RangeResponses++
	p, found := s.pending[m.Range.ID()]
	if !found || p.keysSent {
		s.protocolError(m.Range, "unexpected range response")
		return
	}
	delete(s.pending, m.Range.ID())
	s.logger.Debug("range synced", zap.Object("range", m.Range), zap.Int("count", m.Count))
}

// compare compares the peer's summary of the range with the local one and
// replies accordingly.
func (s *session[H]) compare(ctx context.Context, rs *RangeSummary) error {
	remote, err := s.remoteSummary(rs)
	if err != nil {
		s.protocolError(rs.Range, "bad hash: %v", err)
		return nil
	}
	local, err := s.r.Summary(ctx, rs.Range)
	if err != nil {
		return fmt.Errorf("summary of %s: %w", rs.Range, err)
	}
	if local.Equal(remote) {
		s.send(&RangeResponseMessage{wireSummary(rs.Range, local)})
		s.result.RangeResponses++
		return nil
	}
	switch {
	case remote.Count == 0:
		keys, err := s.r.RangeKeys(ctx, rs.Range, -1)
		if err != nil {
			return fmt.Errorf("keys of %s: %w", rs.Range, err)
		}
		s.sendKeys(rs.Range, keys, true)
	case local.Count <= s.r.cfg.leafThreshold:
		keys, err := s.r.RangeKeys(ctx, rs.Range, s.r.cfg.maxKeysPerMessage)
		if err != nil {
			return fmt.Errorf("keys of %s: %w", rs.Range, err)
		}
		s.sendKeys(rs.Range, keys, false)
		s.addPending(rs.Range, true)
		s.result.LeafExchanges++
	default:
		return s.split(ctx, rs.Range, local.Count)
	}
	return nil
}

func (s *session[H]) split(ctx context.Context, rng types.Range, count int) error {
	bounds, err := s.r.split(ctx, rng, count)
	if err != nil {
		return fmt.Errorf("split %s: %w", rng, err)
	}
	m := &SplitMessage{Range: rng, Parts: make([]RangeSummary, 0, len(bounds)+1)}
	low := rng.Low
	for i := 0; i <= len(bounds); i++ {
		part := types.Range{Low: low, High: rng.High}
		if i < len(bounds) {
			part.High = bounds[i]
			low = bounds[i]
		}
		sum, err := s.r.Summary(ctx, part)
		if err != nil {
			return fmt.Errorf("summary of %s: %w", part, err)
		}
		m.Parts = append(m.Parts, wireSummary(part, sum))
		s.addPending(part, false)
	}
	s.send(m)
	s.result.Splits++
	return nil
}

func (s *session[H]) sendKeys(rng types.Range, keys []types.KeyBytes, final bool) {
	chunkSize := s.r.cfg.maxKeysPerMessage
	for {
		n := min(len(keys), chunkSize)
		s.send(&KeysMessage{
			Range: rng,
			Keys:  keys[:n],
			Final: final,
			More:  n < len(keys),
		})
		s.result.KeysSent += n
		keys = keys[n:]
		if len(keys) == 0 {
			return
		}
	}
}

// tiles returns true if the parts are non-empty and cover the range in order
// without gaps or overlaps.
func tiles(rng types.Range, parts []RangeSummary) bool {
	if len(parts) == 0 {
		return false
	}
	low := rng.Low
	for i, p := range parts {
		if !bytes.Equal(p.Range.Low, low) || p.Range.IsEmpty() {
			return false
		}
		if i == len(parts)-1 {
			return (p.Range.High == nil) == (rng.High == nil) && bytes.Equal(p.Range.High, rng.High)
		}
		if p.Range.High == nil {
			return false
		}
		low = p.Range.High
	}
	return false
}

func (s *session[H]) handleSplit(ctx context.Context, m *SplitMessage) error {
	s.result.Splits++
	p, found := s.pending[m.Range.ID()]
	if !found || p.keysSent {
		s.protocolError(m.Range, "unexpected split")
		return nil
	}
	delete(s.pending, m.Range.ID())
	if !tiles(m.Range, m.Parts) {
		s.protocolError(m.Range, "split parts don't tile the range")
		return nil
	}
	for i := range m.Parts {
		if err := s.compare(ctx, &m.Parts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *session[H]) handleKeys(ctx context.Context, m *KeysMessage) error {
	s.result.KeysReceived += len(m.Keys)
	if !m.Final {
		s.result.LeafExchanges++
	}
	id := m.Range.ID()
	p, found := s.pending[id]
	switch {
	case !found:
		s.protocolError(m.Range, "unexpected keys")
		return nil
	case !m.Final && p.keysSent:
		delete(s.pending, id)
		s.protocolError(m.Range, "expected the final key list")
		return nil
	case !m.Final && m.More:
		delete(s.pending, id)
		s.protocolError(m.Range, "chunked key list")
		return nil
	case !m.More:
		delete(s.pending, id)
	}

	valid := make([]types.KeyBytes, 0, len(m.Keys))
	for _, k := range m.Keys {
		if len(k) != 0 && m.Range.Contains(k) {
			valid = append(valid, k)
		}
	}
	n, err := s.r.insertKeys(ctx, valid)
	s.result.KeysInserted += n
	s.r.tracker.keysInserted.Add(float64(n))
	if err != nil {
		return fmt.Errorf("insert keys: %w", err)
	}
	if len(valid) != len(m.Keys) {
		s.protocolError(m.Range, "%d keys outside the range", len(m.Keys)-len(valid))
		return nil
	}
	if m.Final {
		return nil
	}

	local, err := s.r.RangeKeys(ctx, m.Range, -1)
	if err != nil {
		return fmt.Errorf("keys of %s: %w", m.Range, err)
	}
	received := make(map[string]struct{}, len(m.Keys))
	for _, k := range m.Keys {
		received[string(k)] = struct{}{}
	}
	missing := local[:0]
	for _, k := range local {
		if _, found := received[string(k)]; !found {
			missing = append(missing, k)
		}
	}
	s.sendKeys(m.Range, missing, true)
	return nil
}
