package mt

import (
	"github.com/opd-ai/rpcwire/limits"
	"github.com/opd-ai/rpcwire/tl"
)

// MessageHeader is msg_id + seqno + bytes in front of every message inside a
// container.
const MessageHeader = 8 + 4 + 4

// Message is one bare message inside a container.
type Message struct {
	MsgID int64
	SeqNo int32
	Body  []byte
}

// Size returns the encoded size of m inside a container.
func (m *Message) Size() int { return MessageHeader + len(m.Body) }

// MsgContainer batches several messages into one encrypted frame.
type MsgContainer struct {
	Messages []Message
}

func (*MsgContainer) TypeID() uint32 { return MsgContainerID }

func (m *MsgContainer) Encode(b *tl.Buffer) error {
	if len(m.Messages) > limits.MaxContainerMessages {
		return malformedf("container holds %d messages, limit %d", len(m.Messages), limits.MaxContainerMessages)
	}
	b.PutID(MsgContainerID)
	b.PutInt(len(m.Messages))
	for _, msg := range m.Messages {
		if len(msg.Body)%tl.Word != 0 {
			return malformedf("message %d body of %d bytes is not word aligned", msg.MsgID, len(msg.Body))
		}
		b.PutLong(msg.MsgID)
		b.PutInt32(msg.SeqNo)
		b.PutInt(len(msg.Body))
		b.Put(msg.Body)
	}
	return nil
}

func (m *MsgContainer) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(MsgContainerID); err != nil {
		return err
	}
	n, err := b.BareVectorHeader(MessageHeader)
	if err != nil {
		return err
	}
	if n > limits.MaxContainerMessages {
		return malformedf("container holds %d messages, limit %d", n, limits.MaxContainerMessages)
	}
	m.Messages = make([]Message, n)
	for i := range m.Messages {
		msg := &m.Messages[i]
		if msg.MsgID, err = b.Long(); err != nil {
			return err
		}
		if msg.SeqNo, err = b.Int32(); err != nil {
			return err
		}
		size, err := b.Int()
		if err != nil {
			return err
		}
		if size < 0 || size%tl.Word != 0 {
			return malformedf("message %d has bad length %d", msg.MsgID, size)
		}
		body, err := b.Next(size)
		if err != nil {
			return err
		}
		msg.Body = append([]byte(nil), body...)
	}
	return nil
}
