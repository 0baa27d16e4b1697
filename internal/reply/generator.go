package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/ghost-voice/internal/llm"
)

type ClientFactory func(provider, model string) (llm.Client, error)

type Options struct {
	// Model is "provider/model_name".
	Model       string
	Temperature float32
	MaxTokens   int
	// Attempts is the total number of calls made for one reply.
	Attempts int
}

// Generator turns a transcript into a spoken reply through a chat
// completion API.
type Generator struct {
	opts    Options
	factory ClientFactory
	sleep   func(time.Duration)
	backoff []time.Duration

	mu     sync.Mutex
	client llm.Client
}

func New(opts Options, factory ClientFactory) *Generator {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &Generator{
		opts:    opts,
		factory: factory,
		sleep:   time.Sleep,
		backoff: []time.Duration{500 * time.Millisecond, 2 * time.Second, 4 * time.Second},
	}
}

func (g *Generator) Generate(ctx context.Context, systemPrompt, transcript string) (string, error) {
	client, err := g.getClient()
	if err != nil {
		return "", err
	}

	req := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: transcript},
		},
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	}

	var lastErr *Error
	for attempt := 0; attempt < g.opts.Attempts; attempt++ {
		result, err := client.Complete(ctx, req)
		if err == nil {
			if strings.TrimSpace(result) == "" {
				return "", &Error{Kind: KindAPI, Err: errors.New("empty reply")}
			}
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		lastErr = classify(err)
		if !lastErr.retryable() || attempt == g.opts.Attempts-1 {
			break
		}
		g.sleep(g.delay(attempt))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
	}
	return "", fmt.Errorf("generate reply: %w", lastErr)
}

func (g *Generator) delay(attempt int) time.Duration {
	if attempt < len(g.backoff) {
		return g.backoff[attempt]
	}
	return g.backoff[len(g.backoff)-1]
}

func (g *Generator) getClient() (llm.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	provider, model, err := llm.ParseModel(g.opts.Model)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}
	if g.factory == nil {
		return nil, &Error{Kind: KindConfig, Err: ErrNotConfigured}
	}
	client, err := g.factory(provider, model)
	if err != nil {
		if errors.Is(err, llm.ErrMissingAPIKey) {
			return nil, &Error{Kind: KindConfig, Err: fmt.Errorf("%w: %w", ErrNotConfigured, err)}
		}
		return nil, &Error{Kind: KindConfig, Err: fmt.Errorf("create llm client: %w", err)}
	}
	g.client = client
	return client, nil
}

func classify(err error) *Error {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindAPI, StatusCode: apiErr.StatusCode, Err: err, provider: apiErr}
	}
	if isNetworkError(err) {
		return &Error{Kind: KindNetwork, Err: err}
	}
	return &Error{Kind: KindAPI, Err: err}
}
