package mt

import (
	"github.com/opd-ai/rpcwire/tl"
)

// RPCResult answers the request whose message id is ReqMsgID. Result holds
// the raw boxed answer: an rpc_error, a gzip_packed wrapper or a value of the
// method's result type.
type RPCResult struct {
	ReqMsgID int64
	Result   []byte
}

func (*RPCResult) TypeID() uint32 { return RPCResultID }

func (m *RPCResult) Encode(b *tl.Buffer) error {
	b.PutID(RPCResultID)
	b.PutLong(m.ReqMsgID)
	b.Put(m.Result)
	return nil
}

// Decode consumes the rest of the buffer as the result.
func (m *RPCResult) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(RPCResultID); err != nil {
		return err
	}
	if m.ReqMsgID, err = b.Long(); err != nil {
		return err
	}
	m.Result, err = b.Next(b.Len())
	if err == nil {
		m.Result = append([]byte(nil), m.Result...)
	}
	return err
}

// RPCError is a server-reported application error.
type RPCError struct {
	Code    int32
	Message string
}

func (*RPCError) TypeID() uint32 { return RPCErrorID }

func (m *RPCError) Encode(b *tl.Buffer) error {
	b.PutID(RPCErrorID)
	b.PutInt32(m.Code)
	b.PutString(m.Message)
	return nil
}

func (m *RPCError) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(RPCErrorID); err != nil {
		return err
	}
	if m.Code, err = b.Int32(); err != nil {
		return err
	}
	m.Message, err = b.String()
	return err
}

// MsgsAck acknowledges receipt of content messages.
type MsgsAck struct {
	MsgIDs []int64
}

func (*MsgsAck) TypeID() uint32 { return MsgsAckID }

func (m *MsgsAck) Encode(b *tl.Buffer) error {
	b.PutID(MsgsAckID)
	putLongVector(b, m.MsgIDs)
	return nil
}

func (m *MsgsAck) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgsAckID); err != nil {
		return err
	}
	m.MsgIDs, err = longVector(b)
	return err
}

// Bad message error codes.
const (
	BadMsgIDTooLow        = 16
	BadMsgIDTooHigh       = 17
	BadMsgIDLowBits       = 18
	BadMsgIDDuplicate     = 19
	BadMsgTooOld          = 20
	BadMsgSeqNoTooLow     = 32
	BadMsgSeqNoTooHigh    = 33
	BadMsgSeqNoEvenWanted = 34
	BadMsgSeqNoOddWanted  = 35
	BadMsgSalt            = 48
	BadMsgContainer       = 64
)

// BadMsgNotification rejects a message the client sent.
type BadMsgNotification struct {
	BadMsgID    int64
	BadMsgSeqNo int32
	ErrorCode   int32
}

func (*BadMsgNotification) TypeID() uint32 { return BadMsgNotificationID }

func (m *BadMsgNotification) Encode(b *tl.Buffer) error {
	b.PutID(BadMsgNotificationID)
	b.PutLong(m.BadMsgID)
	b.PutInt32(m.BadMsgSeqNo)
	b.PutInt32(m.ErrorCode)
	return nil
}

func (m *BadMsgNotification) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(BadMsgNotificationID); err != nil {
		return err
	}
	if m.BadMsgID, err = b.Long(); err != nil {
		return err
	}
	if m.BadMsgSeqNo, err = b.Int32(); err != nil {
		return err
	}
	m.ErrorCode, err = b.Int32()
	return err
}

// BadServerSalt rejects a message sent with a stale salt and supplies the
// salt to use instead.
type BadServerSalt struct {
	BadMsgID      int64
	BadMsgSeqNo   int32
	ErrorCode     int32
	NewServerSalt int64
}

func (*BadServerSalt) TypeID() uint32 { return BadServerSaltID }

func (m *BadServerSalt) Encode(b *tl.Buffer) error {
	b.PutID(BadServerSaltID)
	b.PutLong(m.BadMsgID)
	b.PutInt32(m.BadMsgSeqNo)
	b.PutInt32(m.ErrorCode)
	b.PutLong(m.NewServerSalt)
	return nil
}

func (m *BadServerSalt) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(BadServerSaltID); err != nil {
		return err
	}
	if m.BadMsgID, err = b.Long(); err != nil {
		return err
	}
	if m.BadMsgSeqNo, err = b.Int32(); err != nil {
		return err
	}
	if m.ErrorCode, err = b.Int32(); err != nil {
		return err
	}
	m.NewServerSalt, err = b.Long()
	return err
}

// MsgsStateReq asks the other side about the delivery state of messages.
type MsgsStateReq struct {
	MsgIDs []int64
}

func (*MsgsStateReq) TypeID() uint32 { return MsgsStateReqID }

func (m *MsgsStateReq) Encode(b *tl.Buffer) error {
	b.PutID(MsgsStateReqID)
	putLongVector(b, m.MsgIDs)
	return nil
}

func (m *MsgsStateReq) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgsStateReqID); err != nil {
		return err
	}
	m.MsgIDs, err = longVector(b)
	return err
}

// Message states reported in msgs_state_info, one byte per queried id. The
// low three bits hold the base state; the rest are flags.
const (
	StateUnknown         byte = 1
	StateNotReceived     byte = 2
	StateNotReceivedHigh byte = 3
	StateReceived        byte = 4
	StateBaseMask        byte = 0x07

	StateAcked      byte = 8
	StateNeedsNoAck byte = 16
	StateRPCPending byte = 32
	StateResponded  byte = 64
	StateKnown      byte = 128
)

// MsgsStateInfo answers a msgs_state_req with one state byte per id.
type MsgsStateInfo struct {
	ReqMsgID int64
	Info     []byte
}

func (*MsgsStateInfo) TypeID() uint32 { return MsgsStateInfoID }

func (m *MsgsStateInfo) Encode(b *tl.Buffer) error {
	b.PutID(MsgsStateInfoID)
	b.PutLong(m.ReqMsgID)
	b.PutBytes(m.Info)
	return nil
}

func (m *MsgsStateInfo) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgsStateInfoID); err != nil {
		return err
	}
	if m.ReqMsgID, err = b.Long(); err != nil {
		return err
	}
	m.Info, err = b.Bytes()
	return err
}

// MsgsAllInfo is a voluntary report of message states.
type MsgsAllInfo struct {
	MsgIDs []int64
	Info   []byte
}

func (*MsgsAllInfo) TypeID() uint32 { return MsgsAllInfoID }

func (m *MsgsAllInfo) Encode(b *tl.Buffer) error {
	b.PutID(MsgsAllInfoID)
	putLongVector(b, m.MsgIDs)
	b.PutBytes(m.Info)
	return nil
}

func (m *MsgsAllInfo) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgsAllInfoID); err != nil {
		return err
	}
	if m.MsgIDs, err = longVector(b); err != nil {
		return err
	}
	m.Info, err = b.Bytes()
	return err
}

// MsgDetailedInfo tells the client that MsgID was answered by AnswerMsgID.
type MsgDetailedInfo struct {
	MsgID       int64
	AnswerMsgID int64
	Bytes       int32
	Status      int32
}

func (*MsgDetailedInfo) TypeID() uint32 { return MsgDetailedInfoID }

func (m *MsgDetailedInfo) Encode(b *tl.Buffer) error {
	b.PutID(MsgDetailedInfoID)
	b.PutLong(m.MsgID)
	b.PutLong(m.AnswerMsgID)
	b.PutInt32(m.Bytes)
	b.PutInt32(m.Status)
	return nil
}

func (m *MsgDetailedInfo) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgDetailedInfoID); err != nil {
		return err
	}
	if m.MsgID, err = b.Long(); err != nil {
		return err
	}
	if m.AnswerMsgID, err = b.Long(); err != nil {
		return err
	}
	if m.Bytes, err = b.Int32(); err != nil {
		return err
	}
	m.Status, err = b.Int32()
	return err
}

// MsgNewDetailedInfo announces an answer the client may not have seen.
type MsgNewDetailedInfo struct {
	AnswerMsgID int64
	Bytes       int32
	Status      int32
}

func (*MsgNewDetailedInfo) TypeID() uint32 { return MsgNewDetailedInfoID }

func (m *MsgNewDetailedInfo) Encode(b *tl.Buffer) error {
	b.PutID(MsgNewDetailedInfoID)
	b.PutLong(m.AnswerMsgID)
	b.PutInt32(m.Bytes)
	b.PutInt32(m.Status)
	return nil
}

func (m *MsgNewDetailedInfo) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgNewDetailedInfoID); err != nil {
		return err
	}
	if m.AnswerMsgID, err = b.Long(); err != nil {
		return err
	}
	if m.Bytes, err = b.Int32(); err != nil {
		return err
	}
	m.Status, err = b.Int32()
	return err
}

// MsgResendReq asks for messages to be sent again.
type MsgResendReq struct {
	MsgIDs []int64
}

func (*MsgResendReq) TypeID() uint32 { return MsgResendReqID }

func (m *MsgResendReq) Encode(b *tl.Buffer) error {
	b.PutID(MsgResendReqID)
	putLongVector(b, m.MsgIDs)
	return nil
}

func (m *MsgResendReq) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgResendReqID); err != nil {
		return err
	}
	m.MsgIDs, err = longVector(b)
	return err
}

// NewSessionCreated tells the client the server started a new session.
// Messages with ids below FirstMsgID were not seen by it.
type NewSessionCreated struct {
	FirstMsgID int64
	UniqueID   int64
	ServerSalt int64
}

func (*NewSessionCreated) TypeID() uint32 { return NewSessionCreatedID }

func (m *NewSessionCreated) Encode(b *tl.Buffer) error {
	b.PutID(NewSessionCreatedID)
	b.PutLong(m.FirstMsgID)
	b.PutLong(m.UniqueID)
	b.PutLong(m.ServerSalt)
	return nil
}

func (m *NewSessionCreated) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(NewSessionCreatedID); err != nil {
		return err
	}
	if m.FirstMsgID, err = b.Long(); err != nil {
		return err
	}
	if m.UniqueID, err = b.Long(); err != nil {
		return err
	}
	m.ServerSalt, err = b.Long()
	return err
}

// Ping asks for a pong.
type Ping struct {
	PingID int64
}

func (*Ping) TypeID() uint32 { return PingID }

func (m *Ping) Encode(b *tl.Buffer) error {
	b.PutID(PingID)
	b.PutLong(m.PingID)
	return nil
}

func (m *Ping) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(PingID); err != nil {
		return err
	}
	m.PingID, err = b.Long()
	return err
}

// Pong answers a ping; MsgID is the id of the ping message.
type Pong struct {
	MsgID  int64
	PingID int64
}

func (*Pong) TypeID() uint32 { return PongID }

func (m *Pong) Encode(b *tl.Buffer) error {
	b.PutID(PongID)
	b.PutLong(m.MsgID)
	b.PutLong(m.PingID)
	return nil
}

func (m *Pong) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(PongID); err != nil {
		return err
	}
	if m.MsgID, err = b.Long(); err != nil {
		return err
	}
	m.PingID, err = b.Long()
	return err
}

// PingDelayDisconnect is a ping that also asks the server to close the
// connection if nothing else arrives within DisconnectDelay seconds.
type PingDelayDisconnect struct {
	PingID          int64
	DisconnectDelay int32
}

func (*PingDelayDisconnect) TypeID() uint32 { return PingDelayDisconnectID }

func (m *PingDelayDisconnect) Encode(b *tl.Buffer) error {
	b.PutID(PingDelayDisconnectID)
	b.PutLong(m.PingID)
	b.PutInt32(m.DisconnectDelay)
	return nil
}

func (m *PingDelayDisconnect) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(PingDelayDisconnectID); err != nil {
		return err
	}
	if m.PingID, err = b.Long(); err != nil {
		return err
	}
	m.DisconnectDelay, err = b.Int32()
	return err
}

// GetFutureSalts requests up to Num upcoming salts.
type GetFutureSalts struct {
	Num int32
}

func (*GetFutureSalts) TypeID() uint32 { return GetFutureSaltsID }

func (m *GetFutureSalts) Encode(b *tl.Buffer) error {
	b.PutID(GetFutureSaltsID)
	b.PutInt32(m.Num)
	return nil
}

func (m *GetFutureSalts) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(GetFutureSaltsID); err != nil {
		return err
	}
	m.Num, err = b.Int32()
	return err
}

// FutureSalt is one bare future_salt entry.
type FutureSalt struct {
	ValidSince int32
	ValidUntil int32
	Salt       int64
}

// FutureSalts answers get_future_salts. Salts is a bare vector of bare
// future_salt values.
type FutureSalts struct {
	ReqMsgID int64
	Now      int32
	Salts    []FutureSalt
}

func (*FutureSalts) TypeID() uint32 { return FutureSaltsID }

func (m *FutureSalts) Encode(b *tl.Buffer) error {
	b.PutID(FutureSaltsID)
	b.PutLong(m.ReqMsgID)
	b.PutInt32(m.Now)
	b.PutInt(len(m.Salts))
	for _, s := range m.Salts {
		b.PutInt32(s.ValidSince)
		b.PutInt32(s.ValidUntil)
		b.PutLong(s.Salt)
	}
	return nil
}

func (m *FutureSalts) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(FutureSaltsID); err != nil {
		return err
	}
	if m.ReqMsgID, err = b.Long(); err != nil {
		return err
	}
	if m.Now, err = b.Int32(); err != nil {
		return err
	}
	n, err := b.BareVectorHeader(16)
	if err != nil {
		return err
	}
	m.Salts = make([]FutureSalt, n)
	for i := range m.Salts {
		s := &m.Salts[i]
		if s.ValidSince, err = b.Int32(); err != nil {
			return err
		}
		if s.ValidUntil, err = b.Int32(); err != nil {
			return err
		}
		if s.Salt, err = b.Long(); err != nil {
			return err
		}
	}
	return nil
}

// DestroySession asks the server to drop state for another session.
type DestroySession struct {
	SessionID int64
}

func (*DestroySession) TypeID() uint32 { return DestroySessionID }

func (m *DestroySession) Encode(b *tl.Buffer) error {
	b.PutID(DestroySessionID)
	b.PutLong(m.SessionID)
	return nil
}

func (m *DestroySession) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(DestroySessionID); err != nil {
		return err
	}
	m.SessionID, err = b.Long()
	return err
}

// HTTPWait holds an HTTP poll open until a message is available or MaxWait
// milliseconds pass.
type HTTPWait struct {
	MaxDelay  int32
	WaitAfter int32
	MaxWait   int32
}

func (*HTTPWait) TypeID() uint32 { return HTTPWaitID }

func (m *HTTPWait) Encode(b *tl.Buffer) error {
	b.PutID(HTTPWaitID)
	b.PutInt32(m.MaxDelay)
	b.PutInt32(m.WaitAfter)
	b.PutInt32(m.MaxWait)
	return nil
}

func (m *HTTPWait) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(HTTPWaitID); err != nil {
		return err
	}
	if m.MaxDelay, err = b.Int32(); err != nil {
		return err
	}
	if m.WaitAfter, err = b.Int32(); err != nil {
		return err
	}
	m.MaxWait, err = b.Int32()
	return err
}
