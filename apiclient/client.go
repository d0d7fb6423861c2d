package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client posts processed images back to the collaborator API when a report
// yields no detection and the image must still be registered.
type Client struct {
	baseURL    string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
}

// ProcessedImage is the callback payload. The image travels latin1-encoded,
// matching the queue message encoding.
type ProcessedImage struct {
	Image string `json:"image"`
	ID    string `json:"id"`
}

// NewClient creates a callback client with a bounded retry policy.
func NewClient(baseURL string, maxRetries int, backoff time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		maxRetries: maxRetries,
		backoff:    backoff,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SendProcessedImage delivers the payload, retrying with a fixed backoff.
// Permanent failure after all attempts is logged and returned; callers decide
// whether it blocks the pipeline.
func (c *Client) SendProcessedImage(ctx context.Context, payload ProcessedImage) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.post(ctx, payload); err != nil {
			lastErr = err
			log.Printf("Processed-image callback attempt %d/%d for %s failed: %v",
				attempt, c.maxRetries, payload.ID, err)
			if attempt < c.maxRetries {
				select {
				case <-time.After(c.backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}

	log.Printf("Processed-image callback for %s gave up after %d attempts: %v",
		payload.ID, c.maxRetries, lastErr)
	return fmt.Errorf("processed-image callback failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, payload ProcessedImage) error {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	url := fmt.Sprintf("%s/data/processed_image", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach collaborator API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("collaborator API returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
