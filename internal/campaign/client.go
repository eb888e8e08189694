package campaign

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

	"github.com/google/uuid"
)

// RecordStore is the read side the reconciliation engine needs.
type RecordStore interface {
	GetCampaign(ctx context.Context, campaignID string) (Campaign, error)
	ListMessages(ctx context.Context, campaignID string) ([]Message, error)
	ListAssets(ctx context.Context, campaignID string) ([]Asset, error)
}

// ModificationService is the canvas-modification side of the backend.
type ModificationService interface {
	ModifyCanvas(ctx context.Context, campaignID, message string) (ModifyResult, error)
	GetModification(ctx context.Context, campaignID, modificationID string) (ModificationState, error)
}

// DefaultBaseURL is where the backend listens in local development. Its
// routers are mounted at the root, with no /api prefix.
const DefaultBaseURL = "http://localhost:8000"

// RetryPolicy governs how transport errors, 429s and 5xx responses are
// retried. A Retry-After header wins over the exponential delay but is
// still capped by MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	retry      RetryPolicy
}

var (
	_ RecordStore         = (*HTTPClient)(nil)
	_ ModificationService = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		retry:      DefaultRetryPolicy(),
	}
}

// WithRetryPolicy replaces the retry policy. Zero delays fall back to the
// defaults; a negative MaxRetries disables retries.
func (c *HTTPClient) WithRetryPolicy(policy RetryPolicy) *HTTPClient {
	defaults := DefaultRetryPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	c.retry = policy
	return c
}

func (c *HTTPClient) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	err := c.doJSON(ctx, http.MethodGet, "/campaigns", nil, &out)
	return out, err
}

func (c *HTTPClient) GetCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	var out Campaign
	if strings.TrimSpace(campaignID) == "" {
		return out, ErrInvalidInput
	}
	err := c.doJSON(ctx, http.MethodGet, "/campaigns/"+url.PathEscape(campaignID), nil, &out)
	return out, err
}

func (c *HTTPClient) ListMessages(ctx context.Context, campaignID string) ([]Message, error) {
	if strings.TrimSpace(campaignID) == "" {
		return nil, ErrInvalidInput
	}
	var out []Message
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/campaigns/%s/messages", url.PathEscape(campaignID)), nil, &out)
	if out == nil && err == nil {
		out = []Message{}
	}
	return out, err
}

func (c *HTTPClient) GetCanvas(ctx context.Context, campaignID string) (Canvas, error) {
	var out Canvas
	if strings.TrimSpace(campaignID) == "" {
		return out, ErrInvalidInput
	}
	err := c.doJSON(ctx, http.MethodGet, "/canvas/"+url.PathEscape(campaignID), nil, &out)
	return out, err
}

// ListAssets reads the canvas aggregate and flattens it; the backend has no
// plain asset listing route.
func (c *HTTPClient) ListAssets(ctx context.Context, campaignID string) ([]Asset, error) {
	canvas, err := c.GetCanvas(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return canvas.Assets(), nil
}

func (c *HTTPClient) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (Campaign, error) {
	var out Campaign
	if strings.TrimSpace(req.Title) == "" {
		return out, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	err := c.doJSON(ctx, http.MethodPost, "/campaigns", req, &out)
	return out, err
}

func (c *HTTPClient) DeleteCampaign(ctx context.Context, campaignID string) error {
	if strings.TrimSpace(campaignID) == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, "/campaigns/"+url.PathEscape(campaignID), nil, nil)
}

func (c *HTTPClient) SendMessage(ctx context.Context, campaignID, message string) (Message, error) {
	if strings.TrimSpace(campaignID) == "" || strings.TrimSpace(message) == "" {
		return Message{}, ErrInvalidInput
	}
	body := map[string]any{
		"campaign_id": campaignID,
		"message":     message,
	}
	var out ChatResponse
	err := c.doJSON(ctx, http.MethodPost, "/chat/message", body, &out)
	return out.Message, err
}

func (c *HTTPClient) ConfirmExecute(ctx context.Context, campaignID string) (ConfirmExecuteResponse, error) {
	var out ConfirmExecuteResponse
	if strings.TrimSpace(campaignID) == "" {
		return out, ErrInvalidInput
	}
	body := map[string]any{"campaign_id": campaignID}
	err := c.doJSON(ctx, http.MethodPost, "/chat/confirm-execute", body, &out)
	return out, err
}

func (c *HTTPClient) ModifyCanvas(ctx context.Context, campaignID, message string) (ModifyResult, error) {
	if strings.TrimSpace(campaignID) == "" || strings.TrimSpace(message) == "" {
		return ModifyResult{}, ErrInvalidInput
	}
	var raw struct {
		Status         string          `json:"status"`
		ModificationID string          `json:"modification_id"`
		Result         json.RawMessage `json:"result"`
	}
	body := map[string]any{"message": message}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/canvas/%s/modify", url.PathEscape(campaignID)), body, &raw); err != nil {
		return ModifyResult{}, err
	}
	return ModifyResult{
		Status:         NormalizeModificationStatus(raw.Status),
		ModificationID: raw.ModificationID,
		Result:         raw.Result,
	}, nil
}

func (c *HTTPClient) GetModification(ctx context.Context, campaignID, modificationID string) (ModificationState, error) {
	if strings.TrimSpace(campaignID) == "" || strings.TrimSpace(modificationID) == "" {
		return ModificationState{}, ErrInvalidInput
	}
	var raw struct {
		Status          string          `json:"status"`
		AffectedAssetID string          `json:"affected_asset_id"`
		PreviousContent json.RawMessage `json:"previous_content"`
		NewContent      json.RawMessage `json:"new_content"`
	}
	requestPath := fmt.Sprintf("/canvas/%s/modifications/%s", url.PathEscape(campaignID), url.PathEscape(modificationID))
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &raw); err != nil {
		return ModificationState{}, err
	}
	return ModificationState{
		Status:          NormalizeModificationStatus(raw.Status),
		AffectedAssetID: raw.AffectedAssetID,
		PreviousContent: raw.PreviousContent,
		NewContent:      raw.NewContent,
	}, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.tokens.Token())
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.retry.MaxRetries {
				if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, "", time.Now())); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryableStatus(resp.StatusCode) && attempt < c.retry.MaxRetries {
			if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, resp.Header.Get("Retry-After"), time.Now())); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

// decodeHTTPError accepts both the {"code","message"} envelope and the
// {"detail": ...} body the backend framework emits.
func decodeHTTPError(statusCode int, payload []byte) *HTTPError {
	var errPayload struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" && len(errPayload.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(errPayload.Detail, &detail); err == nil {
			message = detail
		} else {
			message = string(errPayload.Detail)
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &HTTPError{
		StatusCode: statusCode,
		Code:       errPayload.Code,
		Message:    message,
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// delay is the wait before retry number attempt (1-based).
func (p RetryPolicy) delay(attempt int, retryAfter string, now time.Time) time.Duration {
	if wait, ok := retryAfterDelay(retryAfter, now); ok {
		return min(wait, p.MaxDelay)
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	return min(delay, p.MaxDelay)
}

// retryAfterDelay reads Retry-After as delta-seconds or an HTTP date.
func retryAfterDelay(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(header)
	if err != nil || !at.After(now) {
		return 0, false
	}
	return at.Sub(now), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
