package transport

import (
	"fmt"

	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
)

// Sender encodes frames and writes them to a Transport, counting the
// outcome in metrics.
type Sender struct {
	transport Transport
	metrics   *metrics.Metrics
}

// NewSender wraps t. m may be nil.
func NewSender(t Transport, m *metrics.Metrics) *Sender {
	return &Sender{transport: t, metrics: m}
}

// Connected reports the underlying transport state.
func (s *Sender) Connected() bool {
	return s.transport.Connected()
}

// Send encodes and writes one frame.
func (s *Sender) Send(kind protocol.Kind, phase protocol.Phase, seq uint16, payload []byte) error {
	frame, err := protocol.Encode(kind, phase, seq, payload)
	if err != nil {
		s.metrics.RecordSendFailure(kind.String())
		return fmt.Errorf("encode %s %s: %w", kind, phase, err)
	}

	if err := s.transport.Send(frame); err != nil {
		s.metrics.RecordSendFailure(kind.String())
		return fmt.Errorf("send %s %s seq %d: %w", kind, phase, seq, err)
	}

	s.metrics.RecordFrameSent(kind.String(), phase.String())
	return nil
}
