package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize guards against a hostile or corrupt length prefix
// (spec §4.6: malformed frames are dropped, never fatal).
const maxFrameSize = 10 * 1024 * 1024

// Encode serializes one of the eight message structs into a
// length-prefixed frame: 4-byte big-endian length followed by JSON.
func Encode(msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// ReadFrame reads one length-prefixed frame from r. It returns io.EOF
// (or a wrapped variant) once the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame size %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: short frame body: %w", err)
	}
	return body, nil
}

// Decode inspects the header embedded in a JSON frame body and unmarshals
// it into the concrete struct its Type names, returning it as `any` for
// the driver's tagged-union dispatch (spec §9).
func Decode(body []byte) (any, error) {
	var hdr Header
	if err := json.Unmarshal(body, &hdr); err != nil {
		return nil, fmt.Errorf("wire: malformed header: %w", err)
	}
	if hdr.Term > MaxTerm {
		return nil, fmt.Errorf("wire: term %d exceeds cap", hdr.Term)
	}

	var (
		out any
		err error
	)
	switch hdr.Type {
	case AppendEntriesType:
		var m AppendEntries
		err = json.Unmarshal(body, &m)
		out = &m
	case AppendEntriesReplyType:
		var m AppendEntriesReply
		err = json.Unmarshal(body, &m)
		out = &m
	case RequestVoteType:
		var m RequestVote
		err = json.Unmarshal(body, &m)
		out = &m
	case RequestVoteReplyType:
		var m RequestVoteReply
		err = json.Unmarshal(body, &m)
		out = &m
	case SubLeaderAssignType:
		var m SubLeaderAssign
		err = json.Unmarshal(body, &m)
		out = &m
	case SubLeaderRevokeType:
		var m SubLeaderRevoke
		err = json.Unmarshal(body, &m)
		out = &m
	case PromoteLeaderType:
		var m PromoteLeader
		err = json.Unmarshal(body, &m)
		out = &m
	case PromoteAckType:
		var m PromoteAck
		err = json.Unmarshal(body, &m)
		out = &m
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", hdr.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", hdr.Type, err)
	}
	return out, nil
}

// HeaderOf extracts the shared header from any decoded message.
func HeaderOf(msg any) Header {
	switch m := msg.(type) {
	case *AppendEntries:
		return m.Header
	case *AppendEntriesReply:
		return m.Header
	case *RequestVote:
		return m.Header
	case *RequestVoteReply:
		return m.Header
	case *SubLeaderAssign:
		return m.Header
	case *SubLeaderRevoke:
		return m.Header
	case *PromoteLeader:
		return m.Header
	case *PromoteAck:
		return m.Header
	default:
		return Header{}
	}
}
