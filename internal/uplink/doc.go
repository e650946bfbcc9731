// Package uplink streams captured microphone audio to the remote service as
// START, DATA and END frames, ending the session on sustained silence.
package uplink
