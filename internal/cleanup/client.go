// Package cleanup invokes the external inpainting service that removes an
// unwanted object from a room photo given a mask.
package cleanup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"seeit/internal/domain"
	"seeit/internal/infra"
)

const serviceName = "cleanup"

// Options configures the cleanup client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client submits image+mask pairs to the cleanup service. It performs no
// retries; the render controller owns retry policy so a retry can first
// re-check whether a cached cleaned image already exists.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     infra.Logger
}

// NewClient constructs a cleanup client. A nil HTTP client gets a reusable
// one with a sensible timeout.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://clipdrop-api.co"
	}
	var logger infra.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Clean removes the masked region from image and returns the reconstructed
// bytes. The mask must share the image's dimensions; white pixels mark
// "remove", black pixels "keep". The request always asks for the
// quality-biased reconstruction mode.
func (c *Client) Clean(ctx context.Context, image, mask []byte, requestID string) ([]byte, error) {
	if c.apiKey == "" {
		c.logger.Error().Str("request_id", requestID).Msg("cleanup: api key missing")
		return nil, &domain.ConfigError{Field: "CLEANUP_API_KEY"}
	}
	c.logger.Debug().Str("request_id", requestID).Msg("cleanup: authenticated")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writeFilePart(writer, "image_file", "image.png", image); err != nil {
		return nil, err
	}
	if err := writeFilePart(writer, "mask_file", "mask.png", mask); err != nil {
		return nil, err
	}
	if err := writer.WriteField("mode", "quality"); err != nil {
		return nil, fmt.Errorf("cleanup: write mode field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("cleanup: finalize payload: %w", err)
	}

	endpoint := c.baseURL + "/cleanup/v1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("cleanup: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.apiKey)

	c.logger.Info().
		Str("request_id", requestID).
		Int("image_bytes", len(image)).
		Int("mask_bytes", len(mask)).
		Msg("cleanup: submitting")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", requestID).Msg("cleanup: request failed")
		return nil, fmt.Errorf("cleanup: invoke service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error().
			Str("request_id", requestID).
			Int("status", resp.StatusCode).
			Msg("cleanup: non-success response")
		return nil, &domain.UpstreamError{
			Service: serviceName,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(detail)),
		}
	}

	cleaned, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cleanup: read response: %w", err)
	}

	c.logger.Info().
		Str("request_id", requestID).
		Int("cleaned_bytes", len(cleaned)).
		Msg("cleanup: completed")

	return cleaned, nil
}

func writeFilePart(writer *multipart.Writer, field, filename string, data []byte) error {
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("cleanup: create %s part: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("cleanup: write %s part: %w", field, err)
	}
	return nil
}
