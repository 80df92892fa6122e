// Package ollama provides a client for the local Ollama endpoint. Both call
// styles are supported: /api/generate for single-prompt strict-JSON work
// (classification) and /api/chat for system+user prompts (summaries,
// metadata). Responses are never streamed.
package ollama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a local Ollama instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for the given base URL with a per-request
// timeout. The pipeline uses 60s for classification and 180s for the longer
// summary prompts.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// ChatOptions are the model options passed through to Ollama.
type ChatOptions map[string]any

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ChatOptions   `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Chat sends a system+user conversation to /api/chat and returns the
// trimmed message content.
func (c *Client) Chat(model, system, user string, opts ChatOptions) (string, error) {
	if opts == nil {
		opts = ChatOptions{}
	}
	if _, ok := opts["temperature"]; !ok {
		opts["temperature"] = 0.2
	}
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:  false,
		Options: opts,
	}

	var resp chatResponse
	if err := c.post("/api/chat", req, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

type generateRequest struct {
	Model   string      `json:"model"`
	Prompt  string      `json:"prompt"`
	Stream  bool        `json:"stream"`
	Options ChatOptions `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends a single prompt to /api/generate at temperature 0 and
// returns the trimmed response text.
func (c *Client) Generate(model, prompt string) (string, error) {
	req := generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: ChatOptions{"temperature": 0},
	}
	var resp generateResponse
	if err := c.post("/api/generate", req, &resp); err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Response)
	if out == "" {
		return "", fmt.Errorf("ollama empty response url=%s", c.baseURL+"/api/generate")
	}
	return out, nil
}

func (c *Client) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	url := c.baseURL + path
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ollama http failed url=%s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned %d url=%s body=%s", resp.StatusCode, url, Truncate(string(raw), 800))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ollama bad json url=%s: %w body=%s", url, err, Truncate(string(raw), 800))
	}
	return nil
}

// Truncate caps s for log and error messages.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...<truncated>"
}
