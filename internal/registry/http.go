package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/majorcontext/origin/internal/attest"
)

// HTTP is a read-only Registry backed by a registry service exposing
// GET {base}/devices/{DeviceID(public key)}.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTP creates a registry client for the service at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Lookup fetches the identity for pub. A 404 returns ErrDeviceNotFound.
func (h *HTTP) Lookup(ctx context.Context, pub []byte) (*attest.DeviceIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/devices/"+DeviceID(pub), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to registry: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrDeviceNotFound
	default:
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	var id attest.DeviceIdentity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	return &id, nil
}

// IsRegistered reports whether the service knows pub and has not revoked it.
func (h *HTTP) IsRegistered(ctx context.Context, pub []byte) (bool, error) {
	return isRegistered(ctx, pub, h.Lookup)
}
