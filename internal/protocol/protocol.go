package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout constants
const (
	// HeaderSize is 1 + 1 + 1 + 2 + 2 bytes
	HeaderSize = 7

	// MaxPayloadSize is bounded by the 16-bit payloadLength field
	MaxPayloadSize = 0xFFFF

	// AudioMetaSize is the optional downlink START payload: rate u32 + channels u16
	AudioMetaSize = 6

	// SampleWidth is the byte width of one int16 PCM sample
	SampleWidth = 2
)

// Kind identifies what a frame carries.
type Kind uint8

const (
	KindUplinkPCM     Kind = 1 // device -> service, PCM16LE
	KindDownlinkAudio Kind = 2 // service -> device, PCM16LE
	KindStateCommand  Kind = 3 // service -> device, one-byte state id
	KindWakeWordEvent Kind = 4 // device -> service
	KindStateEvent    Kind = 5 // device -> service, one-byte state id
	KindSpeakDone     Kind = 6 // device -> service
)

// Phase marks the position of a frame inside a directional session.
type Phase uint8

const (
	PhaseStart Phase = 1
	PhaseData  Phase = 2
	PhaseEnd   Phase = 3
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrLengthMismatch   = errors.New("payload length mismatch")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrInvalidStateBody = errors.New("invalid state body")
)

// Header is the fixed frame header.
// Layout: [Kind:1][Phase:1][Reserved:1][Sequence:2 LE][PayloadLength:2 LE]
type Header struct {
	Kind          Kind
	Phase         Phase
	Reserved      uint8
	Sequence      uint16
	PayloadLength uint16
}

// AudioMeta describes the PCM format of a downlink session.
type AudioMeta struct {
	SampleRate int
	Channels   int
}

// Encode builds a frame from its parts. The reserved byte is always zero.
func Encode(kind Kind, phase Phase, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (maximum %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = byte(kind)
	frame[1] = byte(phase)
	frame[2] = 0
	binary.LittleEndian.PutUint16(frame[3:5], seq)
	binary.LittleEndian.PutUint16(frame[5:7], uint16(len(payload)))
	copy(frame[HeaderSize:], payload)

	return frame, nil
}

// Decode splits a frame into header and payload. The returned payload
// aliases data.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrFrameTooShort, HeaderSize, len(data))
	}

	h := Header{
		Kind:          Kind(data[0]),
		Phase:         Phase(data[1]),
		Reserved:      data[2],
		Sequence:      binary.LittleEndian.Uint16(data[3:5]),
		PayloadLength: binary.LittleEndian.Uint16(data[5:7]),
	}

	payload := data[HeaderSize:]
	if int(h.PayloadLength) != len(payload) {
		return Header{}, nil, fmt.Errorf("%w: header says %d bytes, got %d", ErrLengthMismatch, h.PayloadLength, len(payload))
	}

	return h, payload, nil
}

// EncodeStateCommand builds a StateCommand frame for the given state id.
func EncodeStateCommand(seq uint16, state uint8) ([]byte, error) {
	return Encode(KindStateCommand, PhaseData, seq, []byte{state})
}

// EncodeEvent builds a device event frame. body may be nil.
func EncodeEvent(kind Kind, seq uint16, body []byte) ([]byte, error) {
	return Encode(kind, PhaseData, seq, body)
}

// ParseStateBody extracts the one-byte state id of a StateCommand or StateEvent.
func ParseStateBody(payload []byte) (uint8, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: empty body", ErrInvalidStateBody)
	}
	return payload[0], nil
}

// EncodeAudioMeta builds the optional downlink START payload.
func EncodeAudioMeta(meta AudioMeta) []byte {
	buf := make([]byte, AudioMetaSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(meta.SampleRate))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(meta.Channels))
	return buf
}

// ParseAudioMeta reads START metadata. Missing or zero fields keep the
// fallback values.
func ParseAudioMeta(payload []byte, fallback AudioMeta) AudioMeta {
	meta := fallback
	if len(payload) < AudioMetaSize {
		return meta
	}

	if rate := binary.LittleEndian.Uint32(payload[0:4]); rate > 0 {
		meta.SampleRate = int(rate)
	}
	if ch := binary.LittleEndian.Uint16(payload[4:6]); ch > 0 {
		meta.Channels = int(ch)
	}

	return meta
}

// IsValidKind reports whether kind is one of the known frame kinds.
func IsValidKind(kind Kind) bool {
	return kind >= KindUplinkPCM && kind <= KindSpeakDone
}

// IsValidPhase reports whether phase is one of START, DATA or END.
func IsValidPhase(phase Phase) bool {
	return phase >= PhaseStart && phase <= PhaseEnd
}

// String returns the kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindUplinkPCM:
		return "uplink_pcm"
	case KindDownlinkAudio:
		return "downlink_audio"
	case KindStateCommand:
		return "state_command"
	case KindWakeWordEvent:
		return "wakeword_event"
	case KindStateEvent:
		return "state_event"
	case KindSpeakDone:
		return "speak_done"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(k))
	}
}

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "START"
	case PhaseData:
		return "DATA"
	case PhaseEnd:
		return "END"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(p))
	}
}

// String returns a human-readable representation of the header
func (h Header) String() string {
	return fmt.Sprintf("Header{Kind:%s, Phase:%s, Seq:%d, Len:%d}",
		h.Kind, h.Phase, h.Sequence, h.PayloadLength)
}
