package stream

import (
	"context"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/synthesis"
)

// Reply is audio to speak back to the device.
type Reply struct {
	Samples []int16
	Format  audio.Format
	Text    string
}

// Responder produces the reply to an utterance. A nil or empty reply ends
// the conversation; an error is reported to the device and the
// conversation listens again.
type Responder interface {
	Respond(ctx context.Context, utt *Utterance) (*Reply, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, utt *Utterance) (*Reply, error)

func (f ResponderFunc) Respond(ctx context.Context, utt *Utterance) (*Reply, error) {
	return f(ctx, utt)
}

// EchoResponder plays the recording back.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, utt *Utterance) (*Reply, error) {
	return &Reply{Samples: utt.Samples, Format: utt.Format, Text: utt.Text}, nil
}

// Synthesizer renders text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*synthesis.Result, error)
}

// SpeechResponder says the transcript back through a synthesizer.
// Utterances without text get no reply.
type SpeechResponder struct {
	Synthesizer Synthesizer
}

func (r SpeechResponder) Respond(ctx context.Context, utt *Utterance) (*Reply, error) {
	if utt.Text == "" {
		return nil, nil
	}
	res, err := r.Synthesizer.Synthesize(ctx, utt.Text)
	if err != nil {
		return nil, err
	}
	return &Reply{Samples: res.Samples, Format: res.Format, Text: utt.Text}, nil
}
