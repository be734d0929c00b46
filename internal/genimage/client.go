// Package genimage is a thin facade over the Gemini image API used to
// compose a product into a room photo. It exposes only what the render
// controller needs: file-handle uploads with finite lifetimes, and a
// generate call that returns composite bytes plus usage metrics.
package genimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"seeit/internal/domain"
	"seeit/internal/infra"
)

const serviceName = "genimage"

// Options controls how the client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client invokes the generation service over REST.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     infra.Logger
}

// FileHandle is an ephemeral reference to a pre-uploaded image on the
// generation service. It must not be used at or past ExpiresAt.
type FileHandle struct {
	URI       string
	ExpiresAt time.Time
}

// Expired reports whether the handle is unusable at the given instant.
func (h FileHandle) Expired(now time.Time) bool {
	return h.URI == "" || !now.Before(h.ExpiresAt)
}

// Request describes one composite generation call: the resolved placement
// prompt, the pre-uploaded product image handle, and the cleaned room photo
// inlined alongside it.
type Request struct {
	Prompt    string
	FileURI   string
	RoomImage []byte
	RoomMIME  string
	RequestID string
}

// Usage carries the token counts the service reports for one call.
type Usage struct {
	TokensIn  int64
	TokensOut int64
}

// Result is a generated composite image plus its usage metrics.
type Result struct {
	Data  []byte
	MIME  string
	Usage Usage
}

// NewClient constructs a generation client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, &domain.ConfigError{Field: "GEMINI_API_KEY"}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	var logger infra.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

type fileResponse struct {
	File struct {
		URI            string `json:"uri"`
		ExpirationTime string `json:"expirationTime"`
	} `json:"file"`
}

// Upload registers image bytes as a file on the generation service and
// returns the resulting handle.
func (c *Client) Upload(ctx context.Context, name, mime string, data []byte) (FileHandle, error) {
	endpoint := c.baseURL + "/files?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return FileHandle{}, fmt.Errorf("genimage: create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-File-Name", name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FileHandle{}, fmt.Errorf("genimage: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return FileHandle{}, upstreamError(resp)
	}

	var out fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FileHandle{}, fmt.Errorf("genimage: decode upload response: %w", err)
	}
	handle := FileHandle{URI: out.File.URI}
	if out.File.ExpirationTime != "" {
		if exp, err := time.Parse(time.RFC3339, out.File.ExpirationTime); err == nil {
			handle.ExpiresAt = exp
		}
	}
	if handle.ExpiresAt.IsZero() {
		// The service guarantees at least 48h; assume the minimum when the
		// response omits it.
		handle.ExpiresAt = time.Now().Add(48 * time.Hour)
	}

	c.logger.Debug().
		Str("file", name).
		Str("uri", handle.URI).
		Time("expires_at", handle.ExpiresAt).
		Msg("genimage: uploaded file")

	return handle, nil
}

type generateContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []generatePart `json:"parts,omitempty"`
}

type generatePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type generateRequest struct {
	Contents []generateContent `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// Generate submits the placement prompt with the product file handle and the
// inlined room image and returns the first composite candidate.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	parts := []generatePart{{Text: req.Prompt}}
	if req.FileURI != "" {
		parts = append(parts, generatePart{FileData: &fileData{MimeType: "image/png", FileURI: req.FileURI}})
	}
	if len(req.RoomImage) > 0 {
		mime := req.RoomMIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, generatePart{InlineData: &inlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(req.RoomImage),
		}})
	}
	payload := generateRequest{
		Contents: []generateContent{{Role: "user", Parts: parts}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("genimage: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("genimage: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	c.logger.Info().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Bool("file_handle", req.FileURI != "").
		Msg("genimage: generating composite")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("genimage: invoke service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, upstreamError(resp)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("genimage: decode response: %w", err)
	}

	usage := Usage{
		TokensIn:  out.UsageMetadata.PromptTokenCount,
		TokensOut: out.UsageMetadata.CandidatesTokenCount,
	}
	for _, candidate := range out.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("genimage: decode inline data: %w", err)
			}
			mime := part.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			c.logger.Info().
				Str("request_id", req.RequestID).
				Int("bytes", len(data)).
				Int64("tokens_in", usage.TokensIn).
				Int64("tokens_out", usage.TokensOut).
				Msg("genimage: composite ready")
			return &Result{Data: data, MIME: mime, Usage: usage}, nil
		}
	}

	return nil, fmt.Errorf("genimage: no image content returned")
}

func upstreamError(resp *http.Response) error {
	var apiErr apiErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &domain.UpstreamError{Service: serviceName, Status: resp.StatusCode, Body: apiErr.Error.Message}
	}
	return &domain.UpstreamError{Service: serviceName, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
