// Package state implements the device session state machine: a closed set
// of states with ordered entry and exit callbacks per state.
package state
