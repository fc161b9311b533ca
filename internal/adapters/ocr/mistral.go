// Package ocr provides the optical-character-recognition adapter.
// Clean Architecture: Adapter implementing ports.OCRService against a
// Mistral-style OCR HTTP endpoint.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

// ErrTransient marks OCR failures worth retrying at the call site.
var ErrTransient = errors.New("transient ocr error")

// MistralAdapter implements ports.OCRService using the Mistral OCR API.
// The same bytes always yield the same markup, so the call is idempotent
// and safe to retry.
type MistralAdapter struct {
	endpoint   string
	apiKey     string
	model      string
	maxRetries int
	client     *http.Client
	log        *slog.Logger
}

// NewMistralAdapter creates a new OCR adapter.
func NewMistralAdapter(endpoint, apiKey, model string, maxRetries int, log *slog.Logger) *MistralAdapter {
	if endpoint == "" {
		endpoint = "https://api.mistral.ai/v1/ocr"
	}
	if model == "" {
		model = "mistral-ocr-2512"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &MistralAdapter{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: 120 * time.Second},
		log:        log,
	}
}

// ocrResponse is the OCR service response format.
type ocrResponse struct {
	Pages []struct {
		Index      int    `json:"index"`
		Markdown   string `json:"markdown"`
		Dimensions struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"dimensions"`
	} `json:"pages"`
	Error string `json:"error,omitempty"`
}

// Recognize sends the document bytes and returns per-page marked-up text.
// Rate limits and 5xx responses are retried with backoff before the
// failure surfaces to the pipeline.
func (a *MistralAdapter) Recognize(ctx context.Context, data []byte, filename string) (*entities.OCRResult, error) {
	var result *entities.OCRResult
	err := retry.Do(
		func() error {
			var err error
			result, err = a.recognize(ctx, data, filename)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(a.maxRetries)),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTransient) }),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warn("ocr call retrying", "file", filename, "attempt", n+1, "error", err)
		}),
	)
	return result, err
}

func (a *MistralAdapter) recognize(ctx context.Context, data []byte, filename string) (*entities.OCRResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	mw.WriteField("model", a.model)
	mw.WriteField("purpose", "ocr")
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ocr api returned status %d: %s", resp.StatusCode, body)
	}

	var or ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if or.Error != "" {
		return nil, fmt.Errorf("ocr error: %s", or.Error)
	}
	if len(or.Pages) == 0 {
		return nil, fmt.Errorf("ocr returned no pages for %s", filename)
	}

	result := &entities.OCRResult{Model: a.model}
	for _, p := range or.Pages {
		result.Pages = append(result.Pages, entities.OCRPage{
			Number:   p.Index + 1,
			Markdown: p.Markdown,
			Width:    p.Dimensions.Width,
			Height:   p.Dimensions.Height,
		})
	}
	return result, nil
}
