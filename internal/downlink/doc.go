// Package downlink reassembles synthesized reply audio received as START,
// DATA and END frames and hands complete utterances to the speaker.
package downlink
