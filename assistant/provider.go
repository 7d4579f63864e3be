package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/sony/gobreaker"
)

var ErrNotConfigured = errors.New("assistant upstream not configured")

// HTTPSettings configures an HTTPProvider.
type HTTPSettings struct {
	// BaseURL of an OpenAI-compatible API, e.g. https://api.openai.com/v1.
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// HTTPProvider asks an OpenAI-compatible chat completion endpoint. Calls go
// through a circuit breaker so a failing upstream is not hammered.
type HTTPProvider struct {
	settings HTTPSettings
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewHTTPProvider(settings HTTPSettings) *HTTPProvider {
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.MaxTokens == 0 {
		settings.MaxTokens = 500
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "assistant-upstream",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			glog.Warningf("assistant: breaker %s %s -> %s", name, from, to)
		},
	})
	return &HTTPProvider{
		settings: settings,
		client:   &http.Client{Timeout: settings.Timeout},
		breaker:  breaker,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *HTTPProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p.settings.BaseURL == "" || p.settings.Model == "" {
		return "", ErrNotConfigured
	}
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.complete(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (p *HTTPProvider) complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: SystemPrompt(req)})
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue
		}
		msgs = append(msgs, m)
	}
	body, err := json.Marshal(chatRequest{
		Model:       p.settings.Model,
		Messages:    msgs,
		MaxTokens:   p.settings.MaxTokens,
		Temperature: p.settings.Temperature,
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(p.settings.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.settings.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.settings.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("upstream: read body: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("upstream: status %d: decode: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if cr.Error != nil && cr.Error.Message != "" {
			msg = cr.Error.Message
		}
		return "", fmt.Errorf("upstream: status %d: %s", resp.StatusCode, msg)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("upstream: empty completion")
	}
	return cr.Choices[0].Message.Content, nil
}
