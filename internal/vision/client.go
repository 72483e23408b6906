package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const endpoint = "https://api.openai.com/v1/chat/completions"

// Errors callers can branch on.
var (
	ErrMissingKey    = fmt.Errorf("vision: api key missing")
	ErrEmptyImage    = fmt.Errorf("vision: image payload is empty")
	ErrEmptyResponse = fmt.Errorf("vision: empty choices in response")
)

// StatusError reports a non-success response status with the body captured.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vision: status=%d body=%s", e.Code, e.Body)
}

// Mode selects an analysis prompt framing; ModeNone passes the prompt
// through untouched.
type Mode string

const (
	ModeNone            Mode = ""
	ModeSceneUnderstand Mode = "scene_understanding"
	ModeObjectDetection Mode = "object_detection"
	ModeTextExtraction  Mode = "text_extraction"
)

var modePrefixes = map[Mode]string{
	ModeSceneUnderstand: "Describe the scene in this image, focusing on what the user is looking at.",
	ModeObjectDetection: "List the distinct objects visible in this image.",
	ModeTextExtraction:  "Extract any readable text from this image verbatim.",
}

// Client is the stateless request/response channel for image-grounded
// queries. It is independent of the streaming connection's lifecycle.
type Client struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	MaxTokens  int
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type visionMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type visionRequest struct {
	Model     string          `json:"model"`
	Messages  []visionMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type visionChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type visionResponse struct {
	Choices []visionChoice `json:"choices"`
}

// NewClient constructs a vision client with a bounded request timeout.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = "gpt-4o"
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		MaxTokens:  4096,
	}
}

// Analyze issues a single stateless request carrying the prompt and the image
// as a base64 data URI, and returns the completed answer. Failures surface as
// typed errors, never partial data.
func (c *Client) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	return c.AnalyzeWithMode(ctx, image, prompt, ModeNone)
}

// AnalyzeWithMode prefixes the prompt with a mode-specific framing.
func (c *Client) AnalyzeWithMode(ctx context.Context, image []byte, prompt string, mode Mode) (string, error) {
	if c.APIKey == "" {
		return "", ErrMissingKey
	}
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	if prefix, ok := modePrefixes[mode]; ok {
		prompt = strings.TrimSpace(prefix + " " + prompt)
	}

	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	reqBody, err := json.Marshal(visionRequest{
		Model: c.Model,
		Messages: []visionMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI, Detail: "auto"}},
			},
		}},
		MaxTokens: c.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("vision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	var vr visionResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("vision: decode response: %w", err)
	}
	if len(vr.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(vr.Choices[0].Message.Content), nil
}
