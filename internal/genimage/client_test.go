package genimage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"seeit/internal/domain"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Options{})
	var ce *domain.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestUploadReturnsHandleWithExpiry(t *testing.T) {
	expires := time.Now().Add(47 * time.Hour).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "prepared-product" {
			t.Fatalf("upload body = %q", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]any{
				"uri":            "files/abc123",
				"expirationTime": expires.Format(time.RFC3339),
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	handle, err := client.Upload(context.Background(), "asset-1.png", "image/png", []byte("prepared-product"))
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if handle.URI != "files/abc123" {
		t.Fatalf("URI = %q", handle.URI)
	}
	if !handle.ExpiresAt.Equal(expires) {
		t.Fatalf("ExpiresAt = %s, want %s", handle.ExpiresAt, expires)
	}
	if handle.Expired(expires.Add(-time.Minute)) {
		t.Fatal("handle should be valid before expiry")
	}
	if !handle.Expired(expires) {
		t.Fatal("handle must be unusable at its expiry instant")
	}
}

func TestGenerateParsesCompositeAndUsage(t *testing.T) {
	composite := []byte{0x89, 'P', 'N', 'G'}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		parts := req.Contents[0].Parts
		if parts[0].Text == "" {
			t.Fatal("expected prompt text part")
		}
		if parts[1].FileData == nil || parts[1].FileData.FileURI != "files/abc123" {
			t.Fatalf("expected file handle part, got %+v", parts[1])
		}
		if parts[2].InlineData == nil {
			t.Fatal("expected inlined room image part")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{
						"inlineData": map[string]any{
							"mimeType": "image/png",
							"data":     base64.StdEncoding.EncodeToString(composite),
						},
					}},
				},
			}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     321,
				"candidatesTokenCount": 1290,
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	result, err := client.Generate(context.Background(), Request{
		Prompt:    "place the lamp",
		FileURI:   "files/abc123",
		RoomImage: []byte("room"),
		RequestID: "job-1",
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if string(result.Data) != string(composite) {
		t.Fatalf("Data = %v", result.Data)
	}
	if result.Usage.TokensIn != 321 || result.Usage.TokensOut != 1290 {
		t.Fatalf("Usage = %+v", result.Usage)
	}
}

func TestGenerateUpstreamErrorCarriesAPIMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 503, "message": "model overloaded"},
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.Generate(context.Background(), Request{Prompt: "p"})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.Status != http.StatusServiceUnavailable || ue.Body != "model overloaded" {
		t.Fatalf("UpstreamError = %+v", ue)
	}
	if !ue.Retryable() {
		t.Fatal("a 503 must be retryable")
	}
}

func TestGenerateNoImageContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": "cannot comply"}},
				},
			}},
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Generate(context.Background(), Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error when no image content is returned")
	}
}
