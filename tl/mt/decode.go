package mt

import (
	"errors"
	"fmt"

	"github.com/opd-ai/rpcwire/tl"
)

// ErrNotService reports a constructor that is not a service message. The
// session hands such bodies to the application schema instead.
var ErrNotService = errors.New("not a service message")

// DecodeService decodes one message body into its service type. Bodies with
// other constructor ids return ErrNotService. gzip_packed bodies are unpacked
// first. The whole body must be consumed.
func DecodeService(body []byte) (tl.Object, error) {
	data, err := tl.Unpack(body)
	if err != nil {
		return nil, err
	}
	b := tl.NewBuffer(data)
	id, err := b.PeekID()
	if err != nil {
		return nil, err
	}

	var obj tl.Object
	switch id {
	case RPCResultID:
		obj = &RPCResult{}
	case RPCErrorID:
		obj = &RPCError{}
	case MsgsAckID:
		obj = &MsgsAck{}
	case BadMsgNotificationID:
		obj = &BadMsgNotification{}
	case BadServerSaltID:
		obj = &BadServerSalt{}
	case MsgsStateReqID:
		obj = &MsgsStateReq{}
	case MsgsStateInfoID:
		obj = &MsgsStateInfo{}
	case MsgsAllInfoID:
		obj = &MsgsAllInfo{}
	case MsgDetailedInfoID:
		obj = &MsgDetailedInfo{}
	case MsgNewDetailedInfoID:
		obj = &MsgNewDetailedInfo{}
	case MsgResendReqID:
		obj = &MsgResendReq{}
	case NewSessionCreatedID:
		obj = &NewSessionCreated{}
	case MsgContainerID:
		obj = &MsgContainer{}
	case PingID:
		obj = &Ping{}
	case PongID:
		obj = &Pong{}
	case PingDelayDisconnectID:
		obj = &PingDelayDisconnect{}
	case GetFutureSaltsID:
		obj = &GetFutureSalts{}
	case FutureSaltsID:
		obj = &FutureSalts{}
	case DestroySessionID:
		obj = &DestroySession{}
	case HTTPWaitID:
		obj = &HTTPWait{}
	default:
		return nil, fmt.Errorf("constructor %#08x: %w", id, ErrNotService)
	}
	if err := obj.Decode(b); err != nil {
		return nil, err
	}
	if err := b.ExpectEnd(); err != nil {
		return nil, err
	}
	return obj, nil
}

// IsContentRelated reports whether a message with this body needs a
// content seqno (odd) and an acknowledgement. Acks, containers, pings
// without answers and state queries are service messages.
func IsContentRelated(obj tl.Object) bool {
	switch obj.(type) {
	case *MsgsAck, *MsgContainer, *MsgsStateReq, *MsgsStateInfo, *MsgResendReq,
		*MsgsAllInfo, *HTTPWait, *MsgDetailedInfo, *MsgNewDetailedInfo:
		return false
	default:
		return true
	}
}
