// Package advisory calls a chat-completions style text service to turn a
// weather snapshot into short commentary. It is strictly best-effort:
// callers substitute a placeholder on any error.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logx "skycast/pkg/logx"
)

const defaultSystemPrompt = "You are a pragmatic weather assistant. Given current " +
	"conditions, give concise clothing advice, say whether an umbrella is needed, " +
	"and mention anything else worth noting. Answer in a few short sentences."

type Config struct {
	APIURL  string
	APIKey  string
	Model   string
	Prompt  string // system prompt override
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = defaultSystemPrompt
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate returns commentary for the prompt, or an error the caller is
// expected to degrade on.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.cfg.APIURL) == "" {
		return "", errors.New("advisory api_url not configured")
	}

	body, err := json.Marshal(chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.Prompt},
			{Role: "user", Content: prompt},
		},
		Model:       c.cfg.Model,
		Stream:      false,
		Temperature: 0.5,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("advisory service returned http %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode advisory response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("advisory response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
