package testserver

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/tl"
	"github.com/opd-ai/rpcwire/tl/mt"
	"github.com/opd-ai/rpcwire/transport"
)

func (s *Server) sessionLocked(frame []byte) {
	key, ok := s.keys[binary.LittleEndian.Uint64(frame[:8])]
	if !ok {
		s.reply(transport.StatusFrame(-404))
		return
	}
	env, err := crypto.DecryptMessage(frame, key, crypto.FromClient)
	if err != nil {
		s.log("sessionLocked").WithError(err).Debug("Dropping undecryptable frame")
		return
	}
	p, ok := s.sessions[env.SessionID]
	if !ok {
		p = &peer{key: key, seen: make(map[int64]bool), answered: make(map[int64][]byte)}
		s.sessions[env.SessionID] = p
		if s.opts.AnnounceSessions {
			body, _ := tl.Encode(&mt.NewSessionCreated{
				FirstMsgID: env.MsgID,
				UniqueID:   int64(binary.LittleEndian.Uint64(randomBytes(8))),
				ServerSalt: s.salts[0],
			})
			s.sendLocked(p, env.SessionID, body, true, false)
		}
	}
	if !s.validSaltLocked(env.Salt) {
		body, _ := tl.Encode(&mt.BadServerSalt{
			BadMsgID:      env.MsgID,
			BadMsgSeqNo:   env.SeqNo,
			ErrorCode:     mt.BadMsgSalt,
			NewServerSalt: s.salts[0],
		})
		s.sendLocked(p, env.SessionID, body, false, true)
		return
	}
	s.messageLocked(p, env.SessionID, env.MsgID, env.SeqNo, env.Body, 0)
}

func (s *Server) validSaltLocked(salt int64) bool {
	for _, v := range s.salts {
		if v == salt {
			return true
		}
	}
	return false
}

func (s *Server) messageLocked(p *peer, sessionID, msgID int64, seqNo int32, body []byte, container int64) {
	s.received = append(s.received, Received{
		SessionID:   sessionID,
		MsgID:       msgID,
		SeqNo:       seqNo,
		Body:        append([]byte(nil), body...),
		ContainerID: container,
	})

	obj, err := mt.DecodeService(body)
	if errors.Is(err, mt.ErrNotService) {
		s.rpcLocked(p, sessionID, msgID, body)
		return
	}
	if err != nil {
		s.log("messageLocked").WithError(err).Debug("Dropping malformed client message")
		return
	}
	p.seen[msgID] = true

	switch m := obj.(type) {
	case *mt.MsgContainer:
		for _, inner := range m.Messages {
			s.messageLocked(p, sessionID, inner.MsgID, inner.SeqNo, inner.Body, msgID)
		}
	case *mt.Ping:
		out, _ := tl.Encode(&mt.Pong{MsgID: msgID, PingID: m.PingID})
		s.sendLocked(p, sessionID, out, true, true)
	case *mt.PingDelayDisconnect:
		out, _ := tl.Encode(&mt.Pong{MsgID: msgID, PingID: m.PingID})
		s.sendLocked(p, sessionID, out, true, true)
	case *mt.GetFutureSalts:
		s.futureSaltsLocked(p, sessionID, msgID, m.Num)
	case *mt.MsgsStateReq:
		var info []byte
		if s.stateInfo != nil {
			info = s.stateInfo(m.MsgIDs)
		} else {
			info = make([]byte, len(m.MsgIDs))
			for i, id := range m.MsgIDs {
				if p.seen[id] {
					info[i] = mt.StateReceived
					if _, ok := p.answered[id]; ok {
						info[i] |= mt.StateResponded
					}
				} else {
					info[i] = mt.StateNotReceived
				}
			}
		}
		out, _ := tl.Encode(&mt.MsgsStateInfo{ReqMsgID: msgID, Info: info})
		s.sendLocked(p, sessionID, out, false, true)
	}
}

func (s *Server) rpcLocked(p *peer, sessionID, msgID int64, body []byte) {
	if answer, ok := p.answered[msgID]; ok {
		s.sendLocked(p, sessionID, answer, true, true)
		return
	}
	if s.silent {
		return
	}
	p.seen[msgID] = true

	result, rpcErr := s.opts.Handler(body)
	var payload []byte
	if rpcErr != nil {
		payload, _ = tl.Encode(rpcErr)
	} else {
		payload = result
	}
	out, err := tl.Encode(&mt.RPCResult{ReqMsgID: msgID, Result: payload})
	if err != nil {
		s.log("rpcLocked").WithError(err).Debug("Failed to encode result")
		return
	}
	p.answered[msgID] = out
	s.sendLocked(p, sessionID, out, true, true)
}

func (s *Server) futureSaltsLocked(p *peer, sessionID, msgID int64, num int32) {
	now := int32(s.clock.Now().Unix())
	answer := &mt.FutureSalts{ReqMsgID: msgID, Now: now}
	for i := int32(0); i < num; i++ {
		var salt int64
		if i == 0 {
			salt = s.salts[0]
		} else {
			var raw [8]byte
			if _, err := rand.Read(raw[:]); err != nil {
				return
			}
			salt = int64(binary.LittleEndian.Uint64(raw[:]))
			s.salts = append(s.salts, salt)
		}
		answer.Salts = append(answer.Salts, mt.FutureSalt{
			ValidSince: now - 60 + i*3600,
			ValidUntil: now - 60 + (i+1)*3600,
			Salt:       salt,
		})
	}
	out, err := tl.Encode(&mt.RPCResult{ReqMsgID: msgID, Result: mustEncode(answer)})
	if err != nil {
		return
	}
	s.sendLocked(p, sessionID, out, true, true)
}

func mustEncode(obj tl.Encoder) []byte {
	out, err := tl.Encode(obj)
	if err != nil {
		panic(err)
	}
	return out
}

func (s *Server) sendLocked(p *peer, sessionID int64, body []byte, content, response bool) {
	seq := p.seq * 2
	if content {
		seq++
		p.seq++
	}
	env := &crypto.Envelope{
		Salt:      s.salts[0],
		SessionID: sessionID,
		MsgID:     s.nextIDLocked(response),
		SeqNo:     seq,
		Body:      body,
	}
	frame, err := crypto.EncryptMessage(env, p.key, crypto.FromServer, rand.Reader)
	if err != nil {
		s.log("sendLocked").WithError(err).Debug("Failed to encrypt reply")
		return
	}
	s.reply(frame)
}
