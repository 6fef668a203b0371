package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetalert/internal/config"
	"fleetalert/internal/domain"
)

// ErrDuplicate marks the server-side uniqueness rejection: an active alert
// of the same (device, type) already exists. Expected, success-equivalent.
var ErrDuplicate = errors.New("history: duplicate active alert")

// Service is the alert history backend consumed by the engine.
// The bearer token scopes every call to one tenant.
type Service interface {
	Create(ctx context.Context, candidate domain.CandidateAlert) (*domain.PersistedAlert, error)
	List(ctx context.Context) ([]domain.PersistedAlert, error)
	UpdateStatus(ctx context.Context, alertID string, status domain.AlertStatus) error
}

// Client calls the HTTP alert history service.
// Params: base URL, bearer token, and request timeout from config.
// Returns: tenant-scoped history client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates an alert history client.
// Params: alert service settings.
// Returns: initialized client.
func NewClient(cfg config.AlertServiceConfig) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// Create submits one candidate alert for persistence.
// Params: context and candidate payload.
// Returns: persisted alert, ErrDuplicate on the uniqueness rejection, or
// transport/HTTP error.
func (c *Client) Create(ctx context.Context, candidate domain.CandidateAlert) (*domain.PersistedAlert, error) {
	body, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/alerts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build alert create request: %w", err)
	}
	c.applyHeaders(request)

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("alert create: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusCreated {
		var persisted domain.PersistedAlert
		if err := json.NewDecoder(response.Body).Decode(&persisted); err != nil {
			return nil, fmt.Errorf("decode persisted alert: %w", err)
		}
		return &persisted, nil
	}

	rawBody, _ := io.ReadAll(response.Body)
	if response.StatusCode == http.StatusInternalServerError && isDuplicateKeyMessage(rawBody) {
		return nil, ErrDuplicate
	}
	return nil, statusError("alert create", response.StatusCode, rawBody)
}

// List fetches all persisted alerts of the caller's tenant.
// Params: context.
// Returns: alert list or transport/HTTP error.
func (c *Client) List(ctx context.Context) ([]domain.PersistedAlert, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/alerts", nil)
	if err != nil {
		return nil, fmt.Errorf("build alert list request: %w", err)
	}
	c.applyHeaders(request)

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("alert list: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		rawBody, _ := io.ReadAll(response.Body)
		return nil, statusError("alert list", response.StatusCode, rawBody)
	}

	var alerts []domain.PersistedAlert
	if err := json.NewDecoder(response.Body).Decode(&alerts); err != nil {
		return nil, fmt.Errorf("decode alert list: %w", err)
	}
	return alerts, nil
}

// UpdateStatus transitions one alert to acknowledged/resolved.
// The engine never calls this itself; the consuming UI layer does,
// through the same schema.
// Params: context, alert identifier, and target status.
// Returns: transport/HTTP error.
func (c *Client) UpdateStatus(ctx context.Context, alertID string, status domain.AlertStatus) error {
	body, err := json.Marshal(map[string]domain.AlertStatus{"status": status})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	url := c.baseURL + "/alerts/" + alertID + "/status"
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	c.applyHeaders(request)

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("alert status update: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNoContent {
		rawBody, _ := io.ReadAll(response.Body)
		return statusError("alert status update", response.StatusCode, rawBody)
	}
	return nil
}

// applyHeaders sets JSON content type and bearer auth.
// Params: outgoing request.
// Returns: request mutated in place.
func (c *Client) applyHeaders(request *http.Request) {
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// isDuplicateKeyMessage matches the uniqueness constraint error body.
// Params: raw response body.
// Returns: true when the body reports a duplicate key violation.
func isDuplicateKeyMessage(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "duplicate key")
}

// statusError formats a non-2xx response with optional body snippet.
// Params: request label, status code, and raw body.
// Returns: status-only or status+body error.
func statusError(prefix string, status int, body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 256 {
		trimmed = trimmed[:256]
	}
	if trimmed == "" {
		return fmt.Errorf("%s status=%d", prefix, status)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, status, trimmed)
}
