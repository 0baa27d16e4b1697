package tts

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// openAIPCMRate is the fixed sample rate of OpenAI's raw pcm format.
const openAIPCMRate = 24000

const defaultOpenAIVoice = openai.VoiceAlloy

type openAIProvider struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
	speed  float64
}

func newOpenAIProvider(apiKey string, opts Options) *openAIProvider {
	config := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	p := &openAIProvider{
		client: openai.NewClientWithConfig(config),
		model:  openai.TTSModel1,
		voice:  defaultOpenAIVoice,
		speed:  opts.Rate,
	}
	if opts.Model != "" {
		p.model = openai.SpeechModel(opts.Model)
	}
	if opts.Voice != "" {
		p.voice = openai.SpeechVoice(opts.Voice)
	}
	return p
}

func (p *openAIProvider) Synthesize(ctx context.Context, text string) (Audio, error) {
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          p.model,
		Input:          text,
		Voice:          p.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
		Speed:          clampSpeed(p.speed, 0.25, 4.0),
	})
	if err != nil {
		return Audio{}, fmt.Errorf("openai speech: %w", err)
	}
	return Audio{PCM: resp, SampleRate: openAIPCMRate}, nil
}

func clampSpeed(v, lo, hi float64) float64 {
	if v <= 0 {
		return 1.0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
