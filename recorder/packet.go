package recorder

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
)

// Wire protocol constants. Every frame carries a fixed 16-byte big-endian
// header followed by packetLength-headerLength bytes of payload.
const (
	headerSize = 16

	OpHeartbeat      = 2 // outbound, empty body
	OpHeartbeatReply = 3 // inbound, body = u32 watcher count
	OpMessage        = 5 // inbound, JSON command body
	OpAuth           = 7 // outbound, JSON auth body
	OpAuthSuccess    = 8 // inbound, empty body

	protoPlain   = 0
	protoLiteral = 1
	protoZlib    = 2
	protoBrotli  = 3
)

// Frame is one decoded protocol unit. Body holds the raw payload; for
// OpMessage frames it is a JSON document.
type Frame struct {
	Op   uint32
	Body []byte
}

// EncodeFrame builds an outbound frame. Payloads are small (auth JSON,
// empty heartbeat) so no compression is applied on the way out.
func EncodeFrame(op uint32, body []byte) []byte {
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(headerSize+len(body)))
	binary.BigEndian.PutUint16(buf[4:6], headerSize)
	binary.BigEndian.PutUint16(buf[6:8], protoLiteral)
	binary.BigEndian.PutUint32(buf[8:12], op)
	binary.BigEndian.PutUint32(buf[12:16], 1)
	copy(buf[headerSize:], body)
	return buf
}

// EncodeJSONFrame marshals v and wraps it in a frame.
func EncodeJSONFrame(op uint32, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(op, body), nil
}

// DecodeFrames walks a buffer of concatenated frames and returns the flat
// frame list. Compressed payloads (zlib for protocol version 2, brotli for 3)
// are inflated and recursively re-decoded; recursion terminates at literal
// frames. A payload that fails to decompress is skipped, not fatal: the
// upstream occasionally emits garbage and the stream must keep flowing.
func DecodeFrames(buf []byte) []Frame {
	var frames []Frame
	offset := 0
	for offset+headerSize <= len(buf) {
		packetLen := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
		headerLen := int(binary.BigEndian.Uint16(buf[offset+4 : offset+6]))
		protoVer := binary.BigEndian.Uint16(buf[offset+6 : offset+8])
		op := binary.BigEndian.Uint32(buf[offset+8 : offset+12])

		if packetLen < headerLen || offset+packetLen > len(buf) || headerLen < headerSize {
			slog.Warn("malformed frame header; dropping remainder of buffer",
				slog.Int("packet_len", packetLen), slog.Int("header_len", headerLen))
			break
		}
		body := buf[offset+headerLen : offset+packetLen]

		switch protoVer {
		case protoZlib:
			if inner, err := inflateZlib(body); err != nil {
				slog.Warn("zlib payload decode failed", slog.Any("err", err))
			} else {
				frames = append(frames, DecodeFrames(inner)...)
			}
		case protoBrotli:
			if inner, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body))); err != nil {
				slog.Warn("brotli payload decode failed", slog.Any("err", err))
			} else {
				frames = append(frames, DecodeFrames(inner)...)
			}
		default:
			frames = append(frames, Frame{Op: op, Body: bytes.Clone(body)})
		}

		offset += packetLen
	}
	return frames
}

// HeartbeatReplyCount extracts the watcher count from a heartbeat-reply body.
func HeartbeatReplyCount(body []byte) uint32 {
	if len(body) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(body[:4])
}

func inflateZlib(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
