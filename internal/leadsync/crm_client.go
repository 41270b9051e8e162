package leadsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenSource supplies bearer tokens for remote API calls. Satisfied by
// *TokenManager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// CRMRecord is the remote CRM lead projection this engine tracks.
type CRMRecord struct {
	ID          string
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	LeadSource  string
	Description string
	ModifiedAt  time.Time
}

type CRMClientOptions struct {
	BaseURL     string
	TokenSource TokenSource
	HTTPClient  *http.Client
	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// CRMClient talks to the remote CRM's lead endpoints. Transient failures
// (429, 5xx, network) are retried with bounded exponential backoff honoring
// Retry-After; a 401 triggers exactly one token invalidation and retry.
type CRMClient struct {
	baseURL     string
	tokenSource TokenSource
	httpClient  *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewCRMClient(opts CRMClientOptions) *CRMClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &CRMClient{
		baseURL:     baseURL,
		tokenSource: opts.TokenSource,
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// SearchLead finds a remote lead by an exact field match (Email or Phone).
// Returns ErrNotFound when the remote system has no match.
func (c *CRMClient) SearchLead(ctx context.Context, field, value string) (CRMRecord, error) {
	if strings.TrimSpace(value) == "" {
		return CRMRecord{}, ErrNotFound
	}
	criteria := fmt.Sprintf("(%s:equals:%s)", field, value)
	path := "/Leads/search?criteria=" + url.QueryEscape(criteria)
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return CRMRecord{}, err
	}
	if status == http.StatusNoContent {
		return CRMRecord{}, ErrNotFound
	}
	records, err := parseRecords(body)
	if err != nil {
		return CRMRecord{}, err
	}
	if len(records) == 0 {
		return CRMRecord{}, ErrNotFound
	}
	return records[0], nil
}

// GetLead fetches a remote lead by its remote id.
func (c *CRMClient) GetLead(ctx context.Context, id string) (CRMRecord, error) {
	if strings.TrimSpace(id) == "" {
		return CRMRecord{}, ErrInvalidInput
	}
	status, body, err := c.do(ctx, http.MethodGet, "/Leads/"+url.PathEscape(id), nil)
	if err != nil {
		return CRMRecord{}, err
	}
	if status == http.StatusNotFound || status == http.StatusNoContent {
		return CRMRecord{}, ErrNotFound
	}
	records, err := parseRecords(body)
	if err != nil {
		return CRMRecord{}, err
	}
	if len(records) == 0 {
		return CRMRecord{}, ErrNotFound
	}
	return records[0], nil
}

// CreateLead creates a remote lead and returns its remote id.
func (c *CRMClient) CreateLead(ctx context.Context, record CRMRecord) (string, error) {
	payload := map[string]any{"data": []any{recordFields(record)}}
	_, body, err := c.do(ctx, http.MethodPost, "/Leads", payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Data []struct {
			Details struct {
				ID string `json:"id"`
			} `json:"details"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].Details.ID == "" {
		return "", fmt.Errorf("crm create response missing record id")
	}
	return parsed.Data[0].Details.ID, nil
}

// UpdateLead overwrites the given fields on a remote lead.
func (c *CRMClient) UpdateLead(ctx context.Context, id string, record CRMRecord) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	payload := map[string]any{"data": []any{recordFields(record)}}
	_, _, err := c.do(ctx, http.MethodPut, "/Leads/"+url.PathEscape(id), payload)
	return err
}

func (c *CRMClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	if c == nil {
		return 0, nil, fmt.Errorf("crm client is nil")
	}
	if c.tokenSource == nil {
		return 0, nil, fmt.Errorf("crm token source is required")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
	}
	target := c.baseURL + path

	invalidated := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokenSource.Token(ctx)
		if err != nil {
			return 0, nil, err
		}
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, nil, waitErr
				}
				continue
			}
			return 0, nil, fmt.Errorf("%w: %v", ErrTransientRemote, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, readErr
		}

		if resp.StatusCode == http.StatusUnauthorized && !invalidated {
			// One invalidate-and-retry per call, never a loop: the token
			// manager decides whether a fresh credential is obtainable.
			invalidated = true
			c.tokenSource.Invalidate()
			continue
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, nil, waitErr
			}
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resp.StatusCode, respBody, fmt.Errorf("%w: crm returned %d", ErrTransientRemote, resp.StatusCode)
		}
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
			return resp.StatusCode, respBody, crmError(resp.StatusCode, respBody)
		}
		return resp.StatusCode, respBody, nil
	}
}

func crmError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok && code != "" {
			if msg, ok := parsed["message"].(string); ok && strings.TrimSpace(msg) != "" {
				message = msg
			}
			return fmt.Errorf("crm call failed: status=%d code=%s message=%s", status, code, message)
		}
	}
	return fmt.Errorf("crm call failed: status=%d message=%s", status, message)
}

func (c *CRMClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func recordFields(record CRMRecord) map[string]any {
	fields := map[string]any{}
	if record.FirstName != "" {
		fields["First_Name"] = record.FirstName
	}
	if record.LastName != "" {
		fields["Last_Name"] = record.LastName
	}
	if record.Email != "" {
		fields["Email"] = record.Email
	}
	if record.Phone != "" {
		fields["Phone"] = record.Phone
	}
	if record.LeadSource != "" {
		fields["Lead_Source"] = record.LeadSource
	}
	if record.Description != "" {
		fields["Description"] = record.Description
	}
	return fields
}

func parseRecords(body []byte) ([]CRMRecord, error) {
	var parsed struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	records := make([]CRMRecord, 0, len(parsed.Data))
	for _, fields := range parsed.Data {
		record := CRMRecord{
			ID:          stringField(fields, "id"),
			FirstName:   stringField(fields, "First_Name"),
			LastName:    stringField(fields, "Last_Name"),
			Email:       stringField(fields, "Email"),
			Phone:       stringField(fields, "Phone"),
			LeadSource:  stringField(fields, "Lead_Source"),
			Description: stringField(fields, "Description"),
		}
		if raw := stringField(fields, "Modified_Time"); raw != "" {
			if modified, err := time.Parse(time.RFC3339, raw); err == nil {
				record.ModifiedAt = modified
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}
