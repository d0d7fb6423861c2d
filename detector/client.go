package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrUnsupportedFormat is returned when the classifier rejects the input as an
// unsupported file type. This is a hard stop for the report, not a skip.
var ErrUnsupportedFormat = errors.New("detector: unsupported input format")

// Detection is a single classifier finding.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Client wraps the opaque object-detection model service. The modo
// discriminator selects which trained model is applied ("auto" for the vehicle
// view, anything else for the pedestrian view).
type Client interface {
	Detect(ctx context.Context, image []byte, modo string) ([]Detection, error)
}

// HTTPClient is a Client talking to the model service over HTTP.
type HTTPClient struct {
	baseURL    string
	threshold  float64
	httpClient *http.Client
}

// NewHTTPClient creates a detection client. Labels below threshold are
// filtered out before they reach the pipeline.
func NewHTTPClient(baseURL string, threshold float64, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		threshold: threshold,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type detectRequest struct {
	Image string `json:"image"`
	Modo  string `json:"modo"`
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
	Error      string      `json:"error,omitempty"`
}

// Detect sends the image to the model service and returns findings above the
// confidence threshold. An empty slice means "no defect detected".
func (c *HTTPClient) Detect(ctx context.Context, image []byte, modo string) ([]Detection, error) {
	reqBody := detectRequest{
		Image: base64.StdEncoding.EncodeToString(image),
		Modo:  modo,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detect request: %w", err)
	}

	url := fmt.Sprintf("%s/detect", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach detector service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read detector response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		log.Printf("Detector rejected input (status %d): %s", resp.StatusCode, string(body))
		return nil, ErrUnsupportedFormat
	default:
		return nil, fmt.Errorf("detector service returned status %d", resp.StatusCode)
	}

	var detectResp detectResponse
	if err := json.Unmarshal(body, &detectResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal detector response: %w", err)
	}

	return c.filter(detectResp.Detections), nil
}

func (c *HTTPClient) filter(detections []Detection) []Detection {
	out := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= c.threshold {
			out = append(out, d)
		}
	}
	return out
}

// Labels extracts the label list from a detection set.
func Labels(detections []Detection) []string {
	labels := make([]string, 0, len(detections))
	for _, d := range detections {
		labels = append(labels, d.Label)
	}
	return labels
}
