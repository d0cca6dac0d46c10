// Package speech voices text through an OpenAI-compatible TTS endpoint and
// plays the resulting PCM frames onto the message bus.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MikeSquared-Agency/loom/internal/genjob"
)

// The speech endpoint's pcm format: 24 kHz, mono, signed 16-bit little endian.
const (
	SampleRate    = 24000
	Channels      = 1
	FrameDuration = 20 // milliseconds

	bytesPerSample  = 2
	samplesPerFrame = SampleRate * FrameDuration / 1000
	frameBytes      = samplesPerFrame * Channels * bytesPerSample
	pcmFormat       = "pcm"
)

const (
	DefaultTTSModel = "tts-1"
	DefaultTTSVoice = "alloy"
)

var _ genjob.Synthesizer = (*OpenAISynthesizer)(nil)

type OpenAISynthesizer struct {
	client openai.Client
	model  string
	voice  string
	logger *slog.Logger
}

func NewOpenAISynthesizer(apiKey, baseURL, model, voice string, logger *slog.Logger, extra ...option.RequestOption) *OpenAISynthesizer {
	if model == "" {
		model = DefaultTTSModel
	}
	if voice == "" {
		voice = DefaultTTSVoice
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)
	return &OpenAISynthesizer{
		client: openai.NewClient(opts...),
		model:  model,
		voice:  voice,
		logger: logger,
	}
}

// WithVoice returns a copy that speaks with voice. An empty voice keeps the
// current one.
func (s *OpenAISynthesizer) WithVoice(voice string) *OpenAISynthesizer {
	if voice == "" {
		return s
	}
	cp := *s
	cp.voice = voice
	return &cp
}

func (s *OpenAISynthesizer) Voice() string { return s.voice }

// Synthesize requests speech for text and sends it as 20ms frames. The last
// frame may be shorter.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string, frames chan<- genjob.AudioFrame) error {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(pcmFormat),
	})
	if err != nil {
		return fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	sent := 0
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			n -= n % (bytesPerSample * Channels)
			frame := genjob.AudioFrame{
				Data:              buf[:n],
				SampleRate:        SampleRate,
				Channels:          Channels,
				SamplesPerChannel: n / (bytesPerSample * Channels),
			}
			select {
			case frames <- frame:
				sent++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Debug("speech synthesized", "chars", len(text), "frames", sent)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read speech: %w", err)
		}
	}
}
