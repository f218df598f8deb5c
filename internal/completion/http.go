package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of a provider response is read into memory.
const maxResponseBytes = 4 << 20

// postJSON sends body to url and returns the raw response body for 200 responses.
// extractMessage pulls a human-readable message out of an error body.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload any, extractMessage func([]byte) string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Kind: Unknown, Provider: provider, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: Unknown, Provider: provider, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(provider, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(provider, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if extractMessage != nil {
			if m := extractMessage(respBody); m != "" {
				msg = m
			}
		}
		return nil, statusError(provider, resp.StatusCode, msg)
	}
	return respBody, nil
}
