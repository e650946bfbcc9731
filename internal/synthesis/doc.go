// Package synthesis turns reply text into PCM through a VOICEVOX-style
// engine: an audio_query request builds the synthesis parameters and a
// synthesis request renders them to WAV. The client retries transient
// failures with exponential backoff and bounds concurrent requests.
package synthesis
