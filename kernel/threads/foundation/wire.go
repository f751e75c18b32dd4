package foundation

import (
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// WIRE_MESSAGE_SIZE is the size of one record in a ring slot or link frame.
const WIRE_MESSAGE_SIZE = sab.WIRE_RECORD_SIZE

// WireMessage is the on-transport form of a message.
type WireMessage struct {
	Session Session
	Opcode  Opcode
	Length  uint32
	// Address is a pool-relative offset, sab.NullOffset or the bad-address marker.
	Address uint32
	Ret     uint32
}

func (w WireMessage) Src() Half      { return w.Session.Src() }
func (w WireMessage) Dst() Half      { return w.Session.Dst() }
func (w WireMessage) Status() Status { return Status(int32(w.Ret)) }

// WithStatus returns a copy carrying s in ret.
func (w WireMessage) WithStatus(s Status) WireMessage {
	w.Ret = uint32(int32(s))
	return w
}

// Encode writes the little-endian record into b, which must hold WIRE_MESSAGE_SIZE bytes.
func (w WireMessage) Encode(b []byte) {
	_ = b[WIRE_MESSAGE_SIZE-1]
	binary.LittleEndian.PutUint32(b[0:], uint32(w.Session))
	binary.LittleEndian.PutUint32(b[4:], uint32(w.Opcode))
	binary.LittleEndian.PutUint32(b[8:], w.Length)
	binary.LittleEndian.PutUint32(b[12:], w.Address)
	binary.LittleEndian.PutUint32(b[16:], w.Ret)
}

// DecodeWireMessage reads a record written by Encode.
func DecodeWireMessage(b []byte) WireMessage {
	_ = b[WIRE_MESSAGE_SIZE-1]
	return WireMessage{
		Session: Session(binary.LittleEndian.Uint32(b[0:])),
		Opcode:  Opcode(binary.LittleEndian.Uint32(b[4:])),
		Length:  binary.LittleEndian.Uint32(b[8:]),
		Address: binary.LittleEndian.Uint32(b[12:]),
		Ret:     binary.LittleEndian.Uint32(b[16:]),
	}
}

func (w WireMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, WIRE_MESSAGE_SIZE)
	w.Encode(b)
	return b, nil
}

func (w *WireMessage) UnmarshalBinary(b []byte) error {
	if len(b) != WIRE_MESSAGE_SIZE {
		return fmt.Errorf("wire message: %d bytes, want %d", len(b), WIRE_MESSAGE_SIZE)
	}
	*w = DecodeWireMessage(b)
	return nil
}

func (w WireMessage) String() string {
	return fmt.Sprintf("%s %s len=%d addr=%#x ret=%d", w.Session, w.Opcode, w.Length, w.Address, int32(w.Ret))
}
