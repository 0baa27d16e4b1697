package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsPCMRate      = 16000
)

type elevenLabsProvider struct {
	apiKey  string
	voice   string
	model   string
	speed   float64
	baseURL string
	http    *http.Client
}

func newElevenLabsProvider(apiKey string, opts Options, client *http.Client) *elevenLabsProvider {
	if client == nil {
		client = &http.Client{}
	}
	p := &elevenLabsProvider{
		apiKey:  apiKey,
		voice:   elevenLabsDefaultVoice,
		model:   elevenLabsDefaultModel,
		speed:   opts.Rate,
		baseURL: elevenLabsBaseURL,
		http:    client,
	}
	// OpenAI voice names are not valid ElevenLabs voice ids.
	if opts.Voice != "" && opts.Voice != string(defaultOpenAIVoice) {
		p.voice = opts.Voice
	}
	if opts.Model != "" && !strings.HasPrefix(opts.Model, "tts-") {
		p.model = opts.Model
	}
	if opts.BaseURL != "" {
		p.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return p
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

func (p *elevenLabsProvider) Synthesize(ctx context.Context, text string) (Audio, error) {
	u, err := url.Parse(p.baseURL + "/v1/text-to-speech/" + url.PathEscape(p.voice) + "/stream")
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs url: %w", err)
	}
	q := u.Query()
	q.Set("output_format", fmt.Sprintf("pcm_%d", elevenLabsPCMRate))
	u.RawQuery = q.Encode()

	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: p.model,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.4,
			SimilarityBoost: 0.7,
			Speed:           clampSpeed(p.speed, 0.7, 1.2),
		},
	})
	if err != nil {
		return Audio{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs speech: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Audio{}, fmt.Errorf("elevenlabs speech: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return Audio{PCM: resp.Body, SampleRate: elevenLabsPCMRate}, nil
}
