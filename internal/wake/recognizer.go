package wake

import (
	"fmt"
	"time"
)

// EventType is the kind of recognizer event.
type EventType int

const (
	WakeDetected EventType = iota + 1
	CommandDetected
	Timeout
)

func (t EventType) String() string {
	switch t {
	case WakeDetected:
		return "wake_detected"
	case CommandDetected:
		return "command_detected"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is posted by a recognizer from its own goroutine.
type Event struct {
	Type      EventType
	CommandID int
	PhraseID  int
	Time      time.Time
}

// Recognizer is an asynchronous keyword spotter. emit may be called from
// any goroutine. Pause suspends detection and Resume re-arms it in
// wake-word mode.
type Recognizer interface {
	Start(emit func(Event)) error
	Feed(samples []int16)
	Pause()
	Resume()
	Close() error
}
