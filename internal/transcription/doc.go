// Package transcription implements the HTTP client that sends recorded
// utterances to a speech-to-text endpoint as multipart WAV uploads, with
// retry, exponential backoff and a concurrency limit. It also provides a
// canned handler used by the local stub server.
package transcription
