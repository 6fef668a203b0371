package vehicles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetalert/internal/config"
	"fleetalert/internal/domain"
)

// Lookup resolves vehicle registration state for device identifiers.
type Lookup interface {
	Check(ctx context.Context, tenant, deviceID string) (domain.RegistrationResult, error)
}

// Client calls the vehicle registry HTTP API.
// Params: base URL, optional bearer token, and timeout from config.
// Returns: registry lookup client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a vehicle registry client.
// Params: registry settings.
// Returns: initialized client.
func NewClient(cfg config.VehicleRegistryConfig) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// checkRequest is the registration lookup request body.
type checkRequest struct {
	TenantID string `json:"tenantId"`
	DeviceID string `json:"deviceId"`
}

// Check resolves the owning vehicle of one device.
// Params: context, tenant, and device identifier.
// Returns: registration result or transport/HTTP error.
func (c *Client) Check(ctx context.Context, tenant, deviceID string) (domain.RegistrationResult, error) {
	body, err := json.Marshal(checkRequest{TenantID: tenant, DeviceID: deviceID})
	if err != nil {
		return domain.RegistrationResult{}, fmt.Errorf("encode registration check: %w", err)
	}
	url := c.baseURL + "/vehicles/check-registration"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.RegistrationResult{}, fmt.Errorf("build registration check request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return domain.RegistrationResult{}, fmt.Errorf("registration check: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		rawBody, _ := io.ReadAll(response.Body)
		trimmed := strings.TrimSpace(string(rawBody))
		if trimmed == "" {
			return domain.RegistrationResult{}, fmt.Errorf("registration check status=%d", response.StatusCode)
		}
		return domain.RegistrationResult{}, fmt.Errorf("registration check status=%d body=%s", response.StatusCode, trimmed)
	}

	var result domain.RegistrationResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return domain.RegistrationResult{}, fmt.Errorf("decode registration result: %w", err)
	}
	return result, nil
}
