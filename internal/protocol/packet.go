package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout, bit exact:
//
//	offset 0: magic 'I','M'          (2 bytes)
//	offset 2: version = 1            (1 byte)
//	offset 3: cmd_id                 (2 bytes, big-endian)
//	offset 5: body_length            (4 bytes, big-endian)
//	offset 9: body
const (
	Magic0  = 'I'
	Magic1  = 'M'
	Version = 1

	HeaderSize = 9

	// MaxBodySize caps a single frame body. Anything larger is a
	// protocol violation and the session is dropped.
	MaxBodySize = 1 << 20
)

// Command IDs. Every *_REQ has a paired *_RESP; MSG_PUSH_NOTIFY is
// server-initiated and has no request.
const (
	CmdLoginReq      uint16 = 0x1001
	CmdLoginResp     uint16 = 0x1002
	CmdHeartbeatReq  uint16 = 0x1003
	CmdHeartbeatResp uint16 = 0x1004
	CmdLogoutReq     uint16 = 0x1005
	CmdLogoutResp    uint16 = 0x1006

	CmdMsgSendReq    uint16 = 0x2001
	CmdMsgSendResp   uint16 = 0x2002
	CmdMsgPushNotify uint16 = 0x2003
	CmdMsgSyncReq    uint16 = 0x2004
	CmdMsgSyncResp   uint16 = 0x2005

	CmdFriendApplyReq   uint16 = 0x3001
	CmdFriendApplyResp  uint16 = 0x3002
	CmdFriendAcceptReq  uint16 = 0x3003
	CmdFriendAcceptResp uint16 = 0x3004
	CmdFriendListReq    uint16 = 0x3005
	CmdFriendListResp   uint16 = 0x3006

	CmdGroupCreateReq   uint16 = 0x4001
	CmdGroupCreateResp  uint16 = 0x4002
	CmdGroupJoinReq     uint16 = 0x4003
	CmdGroupJoinResp    uint16 = 0x4004
	CmdGroupListReq     uint16 = 0x4005
	CmdGroupListResp    uint16 = 0x4006
	CmdGroupApplyReq    uint16 = 0x4007
	CmdGroupApplyResp   uint16 = 0x4008
	CmdGroupAcceptReq   uint16 = 0x4009
	CmdGroupAcceptResp  uint16 = 0x4010
)

var (
	ErrBadMagic = errors.New("protocol: bad magic")
	ErrOversize = fmt.Errorf("protocol: body exceeds %d bytes", MaxBodySize)
)

// Packet is one decoded frame.
type Packet struct {
	Cmd  uint16
	Body []byte
}

// Encode builds a complete wire frame for cmd with the given body.
func Encode(cmd uint16, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = Magic0
	buf[1] = Magic1
	buf[2] = Version
	binary.BigEndian.PutUint16(buf[3:5], cmd)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

// Decoder extracts frames from a byte stream. Short reads keep their
// bytes buffered for the next round; frame boundaries need not align
// with transport message boundaries.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes to the internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) when more bytes
// are needed. ErrBadMagic and ErrOversize are fatal: the caller must
// drop the session.
func (d *Decoder) Next() (*Packet, error) {
	if len(d.buf) < HeaderSize {
		return nil, nil
	}
	if d.buf[0] != Magic0 || d.buf[1] != Magic1 {
		return nil, ErrBadMagic
	}
	bodyLen := binary.BigEndian.Uint32(d.buf[5:9])
	if bodyLen > MaxBodySize {
		return nil, ErrOversize
	}
	total := HeaderSize + int(bodyLen)
	if len(d.buf) < total {
		return nil, nil
	}
	pkt := &Packet{
		Cmd:  binary.BigEndian.Uint16(d.buf[3:5]),
		Body: append([]byte(nil), d.buf[HeaderSize:total]...),
	}
	d.buf = d.buf[total:]
	return pkt, nil
}

// Buffered reports bytes waiting in the decoder, for diagnostics.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
