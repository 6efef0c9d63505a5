package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
	"github.com/opd-ai/rpcwire/tl"
	"github.com/opd-ai/rpcwire/tl/mt"
	"github.com/opd-ai/rpcwire/transport"
)

const (
	maxAcksPerMessage = 8192
	futureSaltsWanted = 32
	sendTimeout       = 10 * time.Second
	sendQueue         = 256
)

func (s *Session) run() {
	defer close(s.done)

	tick := s.settings.AckBackoffBase.Duration / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.flushTimer = time.NewTimer(time.Hour)
	s.flushTimer.Stop()
	defer s.flushTimer.Stop()

	// Ask for salts up front when none are known.
	s.housekeeping(s.clock.Now())

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case in := <-s.inbound:
			switch {
			case in.err != nil && in.gen != 0 && in.gen != s.gen:
				// A write from before the last reconnect.
			case in.err != nil:
				s.transportError(in.err)
			default:
				s.handleFrame(in.frame)
			}
		case cmd := <-s.cmds:
			s.handleCommand(cmd)
		case <-s.flushTimer.C:
			s.flushPending = false
			s.flush()
		case <-ticker.C:
			s.housekeeping(s.clock.Now())
		}
		if s.state == StateFailed {
			s.shutdown()
			return
		}
	}
}

func (s *Session) handleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case cmdInvoke:
		c.req.start = s.clock.Now()
		s.enqueue(c.req.msg)
		s.metrics.SetPending(s.countRequests())
	case cmdCancel:
		if !c.req.finished() {
			s.forget(c.req.msg)
			s.finish(c.req, nil, c.err)
		}
	case cmdStats:
		c.reply <- Stats{
			SessionID:   s.id,
			State:       s.state,
			Pending:     s.countRequests(),
			Unacked:     s.countUnacked(),
			Queued:      len(s.queue),
			PendingAcks: len(s.pendingAcks),
			Salts:       s.salts.Len(),
			TimeOffset:  s.ids.Offset(),
			LastMsgID:   s.ids.Last(),
		}
	case cmdInspect:
		ids := make([]int64, 0, len(s.sent))
		for id := range s.sent {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		c.reply <- ids
	case cmdReconnected:
		s.down = false
		s.gen++
		s.log("handleCommand").Info("Transport reconnected, resending unacknowledged messages")
		s.resendAll("reconnect")
	case cmdReconnectFailed:
		s.down = false
		err := fmt.Errorf("reconnect failed: %w: %w: %v", errs.ErrTransportDown, errs.ErrRetriesExhausted, c.err)
		s.failAll(err)
		s.setState(StateFailed, err)
	}
}

func (s *Session) countRequests() int {
	n := 0
	for _, m := range s.queue {
		if m.req != nil && m.msgID == 0 {
			n++
		}
	}
	return n + len(s.pending)
}

func (s *Session) countUnacked() int {
	n := 0
	for _, m := range s.sent {
		if !m.acked {
			n++
		}
	}
	return n
}

func (s *Session) setState(st State, cause error) {
	if s.state == st {
		return
	}
	s.log("setState").WithFields(logrus.Fields{
		"from":  s.state.String(),
		"to":    st.String(),
		"cause": cause,
	}).Info("Session state changed")
	s.state = st
	s.metrics.SetState(st.String())
	if s.onState != nil {
		s.onState(st, cause)
	}
}

// enqueue schedules m for the next flush.
func (s *Session) enqueue(m *outMsg) {
	if m.queued {
		return
	}
	m.queued = true
	s.queue = append(s.queue, m)
	s.scheduleFlush()
}

func (s *Session) enqueueObject(obj tl.Object) *outMsg {
	body, err := tl.Encode(obj)
	if err != nil {
		s.log("enqueueObject").WithError(err).Error("Failed to encode service message")
		return nil
	}
	m := &outMsg{body: body, content: mt.IsContentRelated(obj)}
	s.enqueue(m)
	return m
}

func (s *Session) ack(msgID int64) {
	s.pendingAcks = append(s.pendingAcks, msgID)
	s.scheduleFlush()
}

func (s *Session) scheduleFlush() {
	if s.flushPending {
		return
	}
	s.flushPending = true
	s.flushTimer.Reset(s.settings.FlushInterval.Duration)
}

// nextSeqNo returns 2n+1 for content messages (then n++) and 2n otherwise.
func (s *Session) nextSeqNo(content bool) int32 {
	if content {
		v := s.seq*2 + 1
		s.seq++
		return v
	}
	return s.seq * 2
}

// resendFresh requeues m under a new message id and seqno.
func (s *Session) resendFresh(m *outMsg, reason string) {
	if m.renewals >= s.settings.MaxStateRequests {
		if m.req != nil {
			s.forget(m)
			s.finish(m.req, nil, fmt.Errorf("message renewed %d times (%s): %w", m.renewals, reason, errs.ErrRetriesExhausted))
		} else {
			s.forget(m)
		}
		return
	}
	s.forget(m)
	m.renewals++
	m.msgID, m.seqNo = 0, 0
	m.acked = false
	m.stateReqs = 0
	s.metrics.Retransmission(reason)
	s.enqueue(m)
}

// resendSame requeues m with its original id and seqno.
func (s *Session) resendSame(m *outMsg, reason string) {
	if m.queued {
		return
	}
	s.metrics.Retransmission(reason)
	s.enqueue(m)
}

func (s *Session) resendAll(reason string) {
	ids := make([]int64, 0, len(s.sent))
	for id, m := range s.sent {
		if !m.acked || m.req != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.resendSame(s.sent[id], reason)
	}
	if len(s.pendingAcks) > 0 || len(s.queue) > 0 {
		s.scheduleFlush()
	}
}

// forget drops all bookkeeping for m.
func (s *Session) forget(m *outMsg) {
	if m.msgID != 0 {
		delete(s.sent, m.msgID)
		delete(s.pending, m.msgID)
	}
	if m.queued {
		for i, q := range s.queue {
			if q == m {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		m.queued = false
	}
	if s.saltsReq == m {
		s.saltsReq = nil
	}
}

func (s *Session) finish(req *request, result []byte, err error) {
	if req.finished() {
		return
	}
	req.result, req.err = result, err
	close(req.done)

	status := "ok"
	var rpcErr *errs.RPCError
	switch {
	case err == nil:
	case errors.As(err, &rpcErr):
		status = "rpc_error"
	case errors.Is(err, errs.ErrTimeout):
		status = "timeout"
	case errors.Is(err, errs.ErrCancelled):
		status = "cancelled"
	default:
		status = "failed"
	}
	s.metrics.ObserveRPC(status, s.clock.Since(req.start))
	s.metrics.SetPending(len(s.pending))
}

func (s *Session) failAll(err error) {
	for _, m := range s.queue {
		m.queued = false
		if m.req != nil {
			s.finish(m.req, nil, err)
		}
	}
	s.queue = nil
	for id, req := range s.pending {
		delete(s.pending, id)
		s.finish(req, nil, err)
	}
	s.sent = make(map[int64]*outMsg)
	s.saltsReq = nil
}

// flush sends everything queued, packing messages into containers within
// the count and size bounds.
func (s *Session) flush() {
	if s.down || (len(s.queue) == 0 && len(s.pendingAcks) == 0) {
		return
	}
	now := s.clock.Now()

	var msgs []*outMsg
	for len(s.pendingAcks) > 0 {
		n := len(s.pendingAcks)
		if n > maxAcksPerMessage {
			n = maxAcksPerMessage
		}
		body, err := tl.Encode(&mt.MsgsAck{MsgIDs: s.pendingAcks[:n]})
		s.pendingAcks = s.pendingAcks[n:]
		if err != nil {
			s.log("flush").WithError(err).Error("Failed to encode acknowledgements")
			continue
		}
		msgs = append(msgs, &outMsg{body: body})
	}
	s.pendingAcks = nil
	msgs = append(msgs, s.queue...)
	s.queue = nil

	for _, m := range msgs {
		m.queued = false
		if m.msgID == 0 {
			m.msgID = s.ids.Next()
			m.seqNo = s.nextSeqNo(m.content)
		}
		if m.req != nil {
			s.pending[m.msgID] = m.req
		}
		if m.content {
			s.sent[m.msgID] = m
			m.sentAt = now
			m.backoff = s.settings.AckBackoffBase.Duration
			m.nextCheck = now.Add(m.backoff)
		}
		if m.asked != nil {
			s.queries.Set(m.msgID, m.asked)
		}
	}

	salt, ok := s.salts.Current(s.ids.ServerNow())
	if !ok {
		s.log("flush").Debug("No valid salt known, sending with zero salt")
	}

	for len(msgs) > 0 {
		n, size := 0, 8
		for n < len(msgs) && n < limits.MaxContainerMessages {
			if n > 0 && size+msgs[n].size() > limits.MaxContainerBytes {
				break
			}
			size += msgs[n].size()
			n++
		}
		batch := msgs[:n]
		msgs = msgs[n:]
		if len(batch) == 1 {
			m := batch[0]
			s.send(salt, m.msgID, m.seqNo, m.body)
			continue
		}
		c := &mt.MsgContainer{Messages: make([]mt.Message, len(batch))}
		inner := make([]int64, len(batch))
		for i, m := range batch {
			c.Messages[i] = mt.Message{MsgID: m.msgID, SeqNo: m.seqNo, Body: m.body}
			inner[i] = m.msgID
		}
		body, err := tl.Encode(c)
		if err != nil {
			s.log("flush").WithError(err).Error("Failed to encode container")
			continue
		}
		cid := s.ids.Next()
		s.containers.Set(cid, inner)
		s.send(salt, cid, s.nextSeqNo(false), body)
	}
}

func (m *outMsg) size() int { return mt.MessageHeader + len(m.body) }

// send encrypts one message and hands it to the writer. A full write
// queue means the connection stalled and is treated as lost.
func (s *Session) send(salt, msgID int64, seqNo int32, body []byte) {
	if s.down {
		return
	}
	env := &crypto.Envelope{Salt: salt, SessionID: s.id, MsgID: msgID, SeqNo: seqNo, Body: body}
	frame, err := crypto.EncryptMessage(env, s.key, crypto.FromClient, s.random)
	if err != nil {
		s.log("send").WithError(err).WithField("msg_id", msgID).Error("Failed to encrypt message")
		return
	}
	select {
	case s.frames <- outFrame{data: frame, gen: s.gen}:
	default:
		s.transportError(fmt.Errorf("%d frames waiting to be written: %w", len(s.frames), errs.ErrTransportDown))
		return
	}
	s.lastSent = s.clock.Now()
	s.log("send").WithFields(logrus.Fields{
		"msg_id": msgID,
		"seqno":  seqNo,
		"bytes":  len(frame),
	}).Debug("Queued message")
}

// write owns tr.Send so a slow connection never blocks the actor. Failures
// go back to the actor as inbound errors.
func (s *Session) write() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.frames:
			ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
			err := s.tr.Send(ctx, f.data)
			cancel()
			if err == nil {
				s.metrics.FrameSent(len(f.data))
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			select {
			case s.inbound <- inbound{err: err, gen: f.gen}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// transportError reacts to a failed send or a broken connection.
func (s *Session) transportError(err error) {
	if errors.Is(err, errs.ErrUnknownAuthKey) {
		err = fmt.Errorf("server rejected auth key: %w", err)
		s.failAll(err)
		s.setState(StateFailed, err)
		return
	}
	if errors.Is(err, errs.ErrClosed) {
		s.failAll(err)
		s.setState(StateFailed, err)
		return
	}
	if s.down {
		return
	}
	s.down = true
	s.setState(StateDegraded, err)
	go s.reconnect()
}

func (s *Session) reconnect() {
	backoff := s.settings.AckBackoffBase.Duration
	var last error
	for attempt := 1; attempt <= s.settings.MaxStateRequests; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, s.settings.RPCTimeout.Duration)
		err := s.tr.Reconnect(ctx)
		cancel()
		if err == nil {
			s.post(cmdReconnected{})
			return
		}
		last = err
		if s.ctx.Err() != nil || errors.Is(err, errs.ErrClosed) {
			break
		}
		s.log("reconnect").WithError(err).WithField("attempt", attempt).Warn("Reconnect failed")
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		if backoff *= 2; backoff > s.settings.AckBackoffMax.Duration {
			backoff = s.settings.AckBackoffMax.Duration
		}
	}
	s.post(cmdReconnectFailed{err: last})
}

func (s *Session) post(cmd interface{}) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

// housekeeping runs the periodic checks: delivery state queries, salts,
// keepalive and persistence.
func (s *Session) housekeeping(now time.Time) {
	s.checkUnanswered(now)

	serverNow := s.ids.ServerNow()
	if s.salts.Prune(serverNow) {
		s.persistSalts()
	}
	if s.saltsReq != nil && s.saltsReq.msgID != 0 && now.Sub(s.saltsReq.sentAt) > s.settings.RPCTimeout.Duration {
		s.forget(s.saltsReq)
	}
	if s.saltsReq == nil && s.salts.Future(serverNow) < s.settings.FutureSaltsLow {
		s.saltsReq = s.enqueueObject(&mt.GetFutureSalts{Num: futureSaltsWanted})
	}

	if !s.down && now.Sub(s.lastSent) >= s.settings.PingInterval.Duration {
		s.enqueueObject(&mt.PingDelayDisconnect{
			PingID:          now.UnixNano(),
			DisconnectDelay: int32(s.settings.DisconnectDelay.Duration / time.Second),
		})
	}

	if transport.IsPolling(s.tr) && !s.down && (s.pollDue || now.Sub(s.lastPoll) >= s.settings.HTTPWait.Duration) {
		s.pollDue = false
		s.lastPoll = now
		s.enqueueObject(&mt.HTTPWait{
			MaxDelay:  0,
			WaitAfter: 0,
			MaxWait:   int32(s.settings.HTTPWait.Duration / time.Millisecond),
		})
	}

	s.seen.Prune()
	s.containers.Prune()
	s.queries.Prune()

	if hw := s.ids.Last(); s.store != nil && hw > s.savedHW {
		if err := s.store.SaveHighWater(s.endpoint, hw); err != nil {
			s.log("housekeeping").WithError(err).Warn("Failed to persist message id high-water mark")
		} else {
			s.savedHW = hw
		}
	}
}

// checkUnanswered sends msgs_state_req for content messages that are not
// acknowledged and for requests without an answer, backing off per message.
func (s *Session) checkUnanswered(now time.Time) {
	if s.down {
		return
	}
	var ids []int64
	for id, m := range s.sent {
		if (m.acked && m.req == nil) || m.queued || now.Before(m.nextCheck) {
			continue
		}
		if m.stateReqs >= s.settings.MaxStateRequests {
			s.forget(m)
			if m.req != nil {
				s.finish(m.req, nil, fmt.Errorf("message %d unanswered after %d state requests: %w: %w",
					id, m.stateReqs, errs.ErrTransportDown, errs.ErrRetriesExhausted))
			}
			continue
		}
		m.stateReqs++
		if m.backoff *= 2; m.backoff > s.settings.AckBackoffMax.Duration {
			m.backoff = s.settings.AckBackoffMax.Duration
		}
		m.nextCheck = now.Add(m.backoff)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if q := s.enqueueObject(&mt.MsgsStateReq{MsgIDs: ids}); q != nil {
		q.asked = ids
	}
}

func (s *Session) persistSalts() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSalts(s.endpoint, s.salts.Records()); err != nil {
		s.log("persistSalts").WithError(err).Warn("Failed to persist salts")
	}
}

func (s *Session) shutdown() {
	err := errs.ErrClosed
	if s.state == StateFailed {
		err = fmt.Errorf("session failed: %w", errs.ErrClosed)
	}
	s.failAll(err)
	s.cancelF()
	<-s.writerDone
	s.persistSalts()
	if hw := s.ids.Last(); s.store != nil && hw > s.savedHW {
		_ = s.store.SaveHighWater(s.endpoint, hw)
	}
	s.seen.Stop()
	s.containers.Stop()
	s.queries.Stop()
}
