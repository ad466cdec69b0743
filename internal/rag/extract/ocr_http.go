package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// HTTPOCR calls a single configured OCR endpoint and converts HTML-flavored
// engine output into the lightly-structured markdown §4.1 expects of OCR
// text (tables/headings preserved). Kept behind the OCR interface so the
// concrete engine is swappable without touching Extractor.
type HTTPOCR struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPOCR(endpoint, apiKey string, client *http.Client) *HTTPOCR {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOCR{Endpoint: endpoint, APIKey: apiKey, HTTPClient: client}
}

type ocrRequest struct {
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

type ocrResponse struct {
	Text     string `json:"text"`
	HTML     string `json:"html"`
	MimeType string `json:"mime_type"`
}

func (o *HTTPOCR) Recognize(ctx context.Context, imageBytes []byte, mimeType string) (string, error) {
	if o.Endpoint == "" {
		return "", &Failure{Kind: OCRUnavailable, Retriable: false, Err: fmt.Errorf("no OCR endpoint configured")}
	}
	payload := ocrRequest{ImageBase64: base64.StdEncoding.EncodeToString(imageBytes), MimeType: mimeType}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return "", &Failure{Kind: Timeout, Retriable: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &Failure{Kind: Downstream5xx, Retriable: true, Err: fmt.Errorf("ocr %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &Failure{Kind: OCRUnavailable, Retriable: false, Err: fmt.Errorf("ocr %d: %s", resp.StatusCode, respBody)}
	}
	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.HTML != "" {
		converted, err := md.ConvertString(out.HTML)
		if err == nil {
			return converted, nil
		}
	}
	return out.Text, nil
}
