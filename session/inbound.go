package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/tl"
	"github.com/opd-ai/rpcwire/tl/mt"
)

func (s *Session) handleFrame(frame []byte) {
	s.metrics.FrameReceived(len(frame))
	env, err := crypto.DecryptMessage(frame, s.key, crypto.FromServer)
	if err != nil {
		s.integrityFailure(err)
		return
	}
	if env.SessionID != s.id {
		s.metrics.Malformed()
		s.log("handleFrame").WithField("frame_session", fmt.Sprintf("%016x", uint64(env.SessionID))).
			Warn("Dropping frame for another session")
		return
	}
	if env.MsgID&1 == 0 {
		s.metrics.Malformed()
		s.log("handleFrame").WithField("msg_id", env.MsgID).Warn("Dropping server message with an even id")
		return
	}
	if s.state != StateReady {
		s.setState(StateReady, nil)
	}
	s.handleMessage(env.MsgID, env.SeqNo, env.Body, true)
}

// handleMessage processes one server message. Containers recurse once.
func (s *Session) handleMessage(msgID int64, seqNo int32, body []byte, top bool) {
	content := seqNo&1 == 1
	if !s.seen.CheckAndStore(msgID, struct{}{}) {
		if content {
			s.ack(msgID)
		}
		s.log("handleMessage").WithField("msg_id", msgID).Debug("Ignoring duplicate message")
		return
	}
	if content {
		s.ack(msgID)
		s.trackServerSeqNo(seqNo)
	}

	obj, err := mt.DecodeService(body)
	if errors.Is(err, mt.ErrNotService) {
		data, uerr := tl.Unpack(body)
		if uerr != nil {
			data = body
		}
		s.emit(Event{Kind: EventUpdate, MsgID: msgID, Body: data})
		return
	}
	if err != nil {
		s.metrics.Malformed()
		s.log("handleMessage").WithError(err).WithField("msg_id", msgID).Warn("Dropping malformed message")
		return
	}

	switch m := obj.(type) {
	case *mt.MsgContainer:
		if !top {
			s.metrics.Malformed()
			s.log("handleMessage").WithField("msg_id", msgID).Warn("Dropping nested container")
			return
		}
		for _, inner := range m.Messages {
			s.handleMessage(inner.MsgID, inner.SeqNo, inner.Body, false)
		}
	case *mt.RPCResult:
		s.handleResult(m)
	case *mt.MsgsAck:
		for _, id := range m.MsgIDs {
			s.markAcked(id)
		}
	case *mt.BadServerSalt:
		s.salts.Adopt(m.NewServerSalt, s.ids.ServerNow())
		s.persistSalts()
		for _, out := range s.resolve(m.BadMsgID) {
			s.resendFresh(out, "bad_server_salt")
		}
	case *mt.BadMsgNotification:
		s.handleBadMsg(msgID, m)
	case *mt.NewSessionCreated:
		s.handleNewSession(msgID, m, body)
	case *mt.FutureSalts:
		s.handleFutureSalts(m)
	case *mt.Pong:
		s.handlePong(m, body)
	case *mt.MsgsStateInfo:
		asked, ok := s.queries.Get(m.ReqMsgID)
		if !ok {
			return
		}
		s.queries.Delete(m.ReqMsgID)
		s.markAcked(m.ReqMsgID)
		s.applyStates(asked, m.Info)
	case *mt.MsgsAllInfo:
		s.applyStates(m.MsgIDs, m.Info)
	case *mt.MsgDetailedInfo:
		s.markAcked(m.MsgID)
		s.requestAnswer(m.AnswerMsgID)
	case *mt.MsgNewDetailedInfo:
		s.requestAnswer(m.AnswerMsgID)
	case *mt.MsgResendReq:
		for _, id := range m.MsgIDs {
			if out, ok := s.sent[id]; ok {
				s.resendSame(out, "resend_req")
			}
		}
	case *mt.Ping:
		s.enqueueObject(&mt.Pong{MsgID: msgID, PingID: m.PingID})
	case *mt.MsgsStateReq:
		info := make([]byte, len(m.MsgIDs))
		for i, id := range m.MsgIDs {
			if _, ok := s.seen.Get(id); ok {
				info[i] = mt.StateReceived
			} else {
				info[i] = mt.StateNotReceived
			}
		}
		s.enqueueObject(&mt.MsgsStateInfo{ReqMsgID: msgID, Info: info})
	default:
		s.emit(Event{Kind: EventUpdate, MsgID: msgID, Body: body})
	}
}

func (s *Session) emit(ev Event) {
	if s.onEvent == nil {
		s.log("emit").WithField("msg_id", ev.MsgID).Debug("Dropping event, no sink installed")
		return
	}
	s.onEvent(ev)
}

// trackServerSeqNo notices gaps in the server's content seqnos and brings
// the delivery state checks forward.
func (s *Session) trackServerSeqNo(seqNo int32) {
	if s.lastServer >= 0 && seqNo > s.lastServer+2 {
		s.log("trackServerSeqNo").WithFields(logrus.Fields{
			"expected": s.lastServer + 2,
			"got":      seqNo,
		}).Debug("Server seqno gap")
		now := s.clock.Now()
		for _, m := range s.sent {
			if !m.acked || m.req != nil {
				m.nextCheck = now
			}
		}
	}
	if seqNo > s.lastServer {
		s.lastServer = seqNo
	}
}

func (s *Session) handleResult(m *mt.RPCResult) {
	out := s.sent[m.ReqMsgID]
	req := s.pending[m.ReqMsgID]
	delete(s.sent, m.ReqMsgID)
	delete(s.pending, m.ReqMsgID)

	data, err := tl.Unpack(m.Result)
	if err != nil {
		s.metrics.Malformed()
		if req != nil {
			s.finish(req, nil, fmt.Errorf("rpc result: %w", err))
		}
		return
	}

	if req == nil {
		// Answers to the session's own queries may arrive wrapped.
		if obj, derr := mt.DecodeService(data); derr == nil {
			switch v := obj.(type) {
			case *mt.FutureSalts:
				s.handleFutureSalts(v)
			case *mt.Pong:
				s.handlePong(v, data)
			}
		}
		if out != nil && s.saltsReq == out {
			s.saltsReq = nil
		}
		return
	}

	b := tl.NewBuffer(data)
	if id, _ := b.PeekID(); id == mt.RPCErrorID {
		var rpcErr mt.RPCError
		if err := tl.DecodeExact(data, &rpcErr); err != nil {
			s.finish(req, nil, fmt.Errorf("rpc error: %w", err))
			return
		}
		s.finish(req, nil, &errs.RPCError{Code: rpcErr.Code, Message: rpcErr.Message})
		return
	}
	s.finish(req, data, nil)
}

// resolve maps a client message id, which may name a container, to the
// tracked messages it carried.
func (s *Session) resolve(id int64) []*outMsg {
	if inner, ok := s.containers.Get(id); ok {
		var out []*outMsg
		for _, iid := range inner {
			if m, ok := s.sent[iid]; ok {
				out = append(out, m)
			}
		}
		return out
	}
	if m, ok := s.sent[id]; ok {
		return []*outMsg{m}
	}
	return nil
}

func (s *Session) markAcked(id int64) {
	if inner, ok := s.containers.Get(id); ok {
		for _, iid := range inner {
			s.markAcked(iid)
		}
		return
	}
	m, ok := s.sent[id]
	if !ok {
		return
	}
	m.acked = true
	if m.req == nil && m != s.saltsReq {
		delete(s.sent, id)
	}
}

func (s *Session) handleBadMsg(notifyID int64, m *mt.BadMsgNotification) {
	targets := s.resolve(m.BadMsgID)
	log := s.log("handleBadMsg").WithFields(logrus.Fields{
		"bad_msg_id": m.BadMsgID,
		"code":       m.ErrorCode,
		"messages":   len(targets),
	})
	switch m.ErrorCode {
	case mt.BadMsgIDTooLow, mt.BadMsgIDTooHigh:
		s.ids.SyncFromServerID(notifyID)
		log.WithField("offset", s.ids.Offset()).Info("Resynchronized server time")
	case mt.BadMsgSeqNoTooHigh:
		s.seq = 0
	case mt.BadMsgSeqNoTooLow:
		s.seq = m.BadMsgSeqNo/2 + int32(len(s.sent)) + 1
	case mt.BadMsgSalt:
		if cur, ok := s.salts.Current(s.ids.ServerNow()); ok {
			s.salts.Drop(cur)
			s.persistSalts()
		}
	default:
		log.Warn("Server rejected message")
		for _, out := range targets {
			s.forget(out)
			if out.req != nil {
				s.finish(out.req, nil, fmt.Errorf("bad_msg_notification code %d: %w", m.ErrorCode, errs.ErrMalformedPayload))
			}
		}
		return
	}
	for _, out := range targets {
		s.resendFresh(out, "bad_msg")
	}
}

func (s *Session) handleNewSession(msgID int64, m *mt.NewSessionCreated, body []byte) {
	s.salts.Adopt(m.ServerSalt, s.ids.ServerNow())
	s.persistSalts()

	var stale []*outMsg
	for id, out := range s.sent {
		if id < m.FirstMsgID {
			stale = append(stale, out)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].msgID < stale[j].msgID })
	for _, out := range stale {
		s.resendFresh(out, "new_session")
	}
	s.log("handleNewSession").WithFields(logrus.Fields{
		"first_msg_id": m.FirstMsgID,
		"resent":       len(stale),
	}).Info("Server created a new session")
	s.emit(Event{Kind: EventNewSession, MsgID: msgID, Body: body})
}

func (s *Session) handleFutureSalts(m *mt.FutureSalts) {
	salts := make([]Salt, 0, len(m.Salts))
	for _, fs := range m.Salts {
		salts = append(salts, Salt{
			ValidSince: time.Unix(int64(fs.ValidSince), 0),
			ValidUntil: time.Unix(int64(fs.ValidUntil), 0),
			Value:      fs.Salt,
		})
	}
	s.salts.Add(salts...)
	if out, ok := s.sent[m.ReqMsgID]; ok {
		s.forget(out)
	}
	if s.saltsReq != nil && s.saltsReq.msgID == m.ReqMsgID {
		s.saltsReq = nil
	}
	s.persistSalts()
	s.log("handleFutureSalts").WithField("count", len(salts)).Debug("Stored future salts")
}

func (s *Session) handlePong(m *mt.Pong, body []byte) {
	out, ok := s.sent[m.MsgID]
	if !ok {
		return
	}
	s.forget(out)
	if out.req != nil {
		s.finish(out.req, body, nil)
	}
}

// applyStates acts on msgs_state_info style answers for ids we sent. A
// request the server answered is sent again under its id so the server
// repeats the answer.
func (s *Session) applyStates(ids []int64, info []byte) {
	for i, id := range ids {
		if i >= len(info) {
			break
		}
		out, ok := s.sent[id]
		if !ok {
			continue
		}
		switch info[i] & mt.StateBaseMask {
		case mt.StateUnknown, mt.StateNotReceived, mt.StateNotReceivedHigh:
			s.resendSame(out, "state_info")
		case mt.StateReceived:
			s.markAcked(id)
			if out.req == nil {
				continue
			}
			if info[i]&mt.StateResponded != 0 {
				s.resendSame(out, "answer_lost")
				continue
			}
			// Still being processed.
			out.stateReqs = 0
		}
	}
}

// requestAnswer acknowledges an answer we already hold or asks for it again.
func (s *Session) requestAnswer(answerID int64) {
	if _, ok := s.seen.Get(answerID); ok {
		s.ack(answerID)
		return
	}
	s.enqueueObject(&mt.MsgResendReq{MsgIDs: []int64{answerID}})
}

// integrityFailure discards a frame that failed decryption. Requests
// awaiting a reply cannot tell whether it was theirs, so they are retried
// when allowed and failed otherwise.
func (s *Session) integrityFailure(err error) {
	s.metrics.IntegrityFailure()
	s.log("integrityFailure").WithError(err).Warn("Discarding frame that failed integrity checks")

	var waiting []*outMsg
	for _, out := range s.sent {
		if out.req != nil {
			waiting = append(waiting, out)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].msgID < waiting[j].msgID })
	for _, out := range waiting {
		if out.req.retries > 0 {
			out.req.retries--
			s.resendFresh(out, "integrity")
			continue
		}
		s.forget(out)
		s.finish(out.req, nil, fmt.Errorf("reply may have been discarded: %w", errs.ErrIntegrity))
	}
	s.enqueueObject(&mt.Ping{PingID: s.clock.Now().UnixNano()})
	s.setState(StateDegraded, err)
}
