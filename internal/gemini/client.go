// Package gemini is a client for the Generative Language generateContent API.
// It turns model output into models.Signal values and audit/scouting results.
package gemini

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

	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/models"
)

var (
	// ErrNoCandidates means the API answered without any usable candidate.
	ErrNoCandidates = errors.New("gemini: response has no candidates")
	// ErrBlocked means the prompt was rejected by the safety filter.
	ErrBlocked = errors.New("gemini: prompt blocked")
)

// Options configures a Client.
type Options struct {
	APIURL         string
	APIKey         string
	AnalysisModel  string
	FastModel      string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	Grounding      bool
}

// Client calls generateContent with retry.
type Client struct {
	opts       Options
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(opts Options) *Client {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = time.Second
	}
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   any      `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []tool           `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		FinishReason      string  `json:"finishReason"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					Title string `json:"title"`
					URI   string `json:"uri"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// call describes one generateContent request.
type call struct {
	model       string
	system      string
	prompt      string
	temperature *float64
	schema      any
}

// result is the text of the first candidate plus cited web sources.
type result struct {
	text    string
	sources []models.GroundingSource
}

func (c *Client) generate(ctx context.Context, cl call) (result, error) {
	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: cl.prompt}}}},
		GenerationConfig: generationConfig{
			Temperature: cl.temperature,
		},
	}
	if cl.system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: cl.system}}}
	}
	if c.opts.Grounding {
		// Search grounding cannot be combined with a structured response, so
		// the JSON is pulled out of the text instead.
		req.Tools = []tool{{GoogleSearch: &struct{}{}}}
	} else {
		req.GenerationConfig.ResponseMimeType = "application/json"
		req.GenerationConfig.ResponseSchema = cl.schema
	}

	body, err := json.Marshal(req)
	if err != nil {
		return result{}, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(c.opts.APIURL, "/") + "/models/" + cl.model + ":generateContent"
	resp, err := c.doRequest(ctx, url, body)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return result{}, fmt.Errorf("%w: %s", ErrBlocked, gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return result{}, ErrNoCandidates
	}

	cand := gr.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	res := result{text: sb.String()}
	if cand.GroundingMetadata != nil {
		for _, ch := range cand.GroundingMetadata.GroundingChunks {
			if ch.Web != nil {
				res.sources = append(res.sources, models.GroundingSource{Title: ch.Web.Title, URI: ch.Web.URI})
			}
		}
	}
	return res, nil
}

// doRequest performs HTTP request with retry logic. Transport errors, 429
// and 5xx responses are retried with a linearly growing delay.
func (c *Client) doRequest(ctx context.Context, url string, body []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.opts.MaxRetries; i++ {
		if i > 0 {
			delay := c.opts.RetryDelayBase * time.Duration(i)
			logger.Debug("Retrying generateContent in %v (attempt %d/%d): %v", delay, i+1, c.opts.MaxRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("x-goog-api-key", c.opts.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("request rejected: %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// extractJSON strips markdown fences and surrounding prose from model output
// and returns the outermost JSON array or object.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", fmt.Errorf("no JSON found in model output")
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return "", fmt.Errorf("unterminated JSON in model output")
	}
	return s[start : end+1], nil
}

func decodeInto(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to parse model output: %w", err)
	}
	return nil
}
