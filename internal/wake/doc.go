// Package wake bridges an asynchronous keyword recognizer to the session
// state machine. Recognizer callbacks only enqueue events; the engine loop
// drains them and performs the resulting transitions.
package wake
