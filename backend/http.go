package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mehadishakil/IELTSpeak-sub001/log"
)

// Client is the HTTP implementation of Service against a
// Supabase-style REST and storage API.
type Client struct {
	endpoint   string
	apiKey     string
	maxPayload int64
	http       *http.Client
}

func NewClient(endpoint, apiKey string, timeout time.Duration, maxPayloadMB int) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		maxPayload: int64(maxPayloadMB) << 20,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.http.Do(req)
}

func drainClose(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
}

func (c *Client) CreateSession(ctx context.Context, templateID string) (*Session, error) {
	payload, _ := json.Marshal(map[string]string{
		"template_id": templateID,
		"status":      "preparation",
	})
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/rest/v1/exam_sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, apiError("creating session", resp)
	}

	var rows []Session
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("creating session: empty response")
	}
	return &rows[0], nil
}

// ObjectName is the storage key for one response recording.
func ObjectName(sessionID string, part, order int) string {
	return fmt.Sprintf("%s_part%d_q%d.flac", sessionID, part, order)
}

func (c *Client) UploadResponse(ctx context.Context, r UploadRequest) error {
	if int64(len(r.Audio)) > c.maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(r.Audio))
	}

	name := ObjectName(r.SessionID, r.Part, r.Order)
	req, err := http.NewRequestWithContext(ctx, "POST",
		c.endpoint+"/storage/v1/object/responses/"+url.PathEscape(name),
		bytes.NewReader(r.Audio))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "audio/flac")
	req.Header.Set("x-upsert", "true")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		defer resp.Body.Close()
		return apiError("uploading "+name, resp)
	}
	drainClose(resp)

	row, _ := json.Marshal(map[string]any{
		"session_id":  r.SessionID,
		"question_id": r.QuestionID,
		"part":        r.Part,
		"ordinal":     r.Order,
		"transcript":  r.Transcript,
		"audio_path":  "responses/" + name,
	})
	req, err = http.NewRequestWithContext(ctx, "POST", c.endpoint+"/rest/v1/responses", bytes.NewReader(row))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates")

	resp, err = c.do(req)
	if err != nil {
		return fmt.Errorf("recording response row for %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return apiError("recording response row for "+name, resp)
	}
	log.Infof("uploaded response %s (%d bytes)", name, len(r.Audio))
	return nil
}

func (c *Client) MarkCompleted(ctx context.Context, sessionID string) error {
	payload := []byte(`{"status":"completed"}`)
	req, err := http.NewRequestWithContext(ctx, "PATCH",
		c.endpoint+"/rest/v1/exam_sessions?id=eq."+url.QueryEscape(sessionID),
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("marking session completed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return apiError("marking session completed", resp)
	}
	return nil
}

func (c *Client) CheckStatus(ctx context.Context, sessionID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.endpoint+"/rest/v1/exam_sessions?select=status&id=eq."+url.QueryEscape(sessionID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("checking session status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError("checking session status", resp)
	}

	var rows []struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return "", fmt.Errorf("decoding session status: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("session %s not found", sessionID)
	}
	return rows[0].Status, nil
}

func (c *Client) GetResults(ctx context.Context, sessionID string) (*Results, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.endpoint+"/rest/v1/exam_results?session_id=eq."+url.QueryEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching results: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("fetching results", resp)
	}

	var rows []Results
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil // scoring still in progress
	}
	return &rows[0], nil
}
