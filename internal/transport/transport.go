package transport

import "errors"

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("transport not connected")

// Transport delivers whole frames in both directions. Send must be bounded
// in time; Inbound is drained by the session loop.
type Transport interface {
	Connected() bool
	Send(frame []byte) error
	Inbound() <-chan []byte
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Connected      bool   `json:"connected"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
	SendErrors     uint64 `json:"send_errors"`
	Connects       uint64 `json:"connects"`
}
