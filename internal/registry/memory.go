package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/majorcontext/origin/internal/attest"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]attest.DeviceIdentity
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{devices: make(map[string]attest.DeviceIdentity)}
}

// Lookup returns the identity registered for pub, revoked or not.
func (m *Memory) Lookup(_ context.Context, pub []byte) (*attest.DeviceIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.devices[DeviceID(pub)]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &id, nil
}

// IsRegistered reports whether pub has a non-revoked identity.
func (m *Memory) IsRegistered(ctx context.Context, pub []byte) (bool, error) {
	return isRegistered(ctx, pub, m.Lookup)
}

// Register stores id. An existing identity for the same device is kept and
// ErrDeviceAlreadyExists returned.
func (m *Memory) Register(_ context.Context, id attest.DeviceIdentity) error {
	if len(id.DevicePublicKey) == 0 {
		return fmt.Errorf("registering device: empty public key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := DeviceID(id.DevicePublicKey)
	if _, exists := m.devices[k]; exists {
		return ErrDeviceAlreadyExists
	}
	m.devices[k] = id
	return nil
}

// Revoke marks the identity for pub as revoked.
func (m *Memory) Revoke(_ context.Context, pub []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := DeviceID(pub)
	id, ok := m.devices[k]
	if !ok {
		return ErrDeviceNotFound
	}
	id.Revoked = true
	m.devices[k] = id
	return nil
}
