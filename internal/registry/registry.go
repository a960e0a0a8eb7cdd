// Package registry looks up device identities anchored at provisioning time.
package registry

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/sig"
)

var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceAlreadyExists = errors.New("device already exists")
)

// Registry answers whether a device public key belongs to a registered,
// non-revoked identity.
type Registry interface {
	IsRegistered(ctx context.Context, devicePublicKey []byte) (bool, error)
}

// Store is a Registry that also holds the identities.
type Store interface {
	Registry
	// Lookup returns the identity for devicePublicKey or ErrDeviceNotFound.
	Lookup(ctx context.Context, devicePublicKey []byte) (*attest.DeviceIdentity, error)
	// Register anchors a new identity. Identities are never overwritten.
	Register(ctx context.Context, id attest.DeviceIdentity) error
	// Revoke marks an identity as revoked.
	Revoke(ctx context.Context, devicePublicKey []byte) error
}

// DeviceID is the canonical string form of a device public key: the hex of
// its compressed SEC1 encoding, so a device has the same id whichever
// encoding a registration or a packet carries. Keys that do not parse are
// used as given.
func DeviceID(devicePublicKey []byte) string {
	if c, err := sig.CompressPublicKey(devicePublicKey); err == nil {
		return hex.EncodeToString(c)
	}
	return hex.EncodeToString(devicePublicKey)
}

// isRegistered implements IsRegistered on top of a lookup function.
func isRegistered(ctx context.Context, pub []byte, lookup func(context.Context, []byte) (*attest.DeviceIdentity, error)) (bool, error) {
	id, err := lookup(ctx, pub)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !id.Revoked, nil
}
