package cli

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/config"
	"github.com/majorcontext/origin/internal/ui"
	"github.com/majorcontext/origin/internal/verify"
)

func TestExitCode(t *testing.T) {
	infra := &verify.InfrastructureError{Step: verify.StepFetchRecord, Err: errors.New("timeout")}

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errRejected))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("%w: unexpected EOF", attest.ErrMalformedPacket)))
	assert.Equal(t, 2, ExitCode(errors.New("bad flag")))
	assert.Equal(t, 2, ExitCode(infra))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("verifying: %w", infra)))
}

func TestRunVerify_ConfigurationErrorsAreNotVerdicts(t *testing.T) {
	packet := filepath.Join(t.TempDir(), "packet.json")
	require.NoError(t, os.WriteFile(packet, []byte(`{}`), 0o600))

	configured := func() *config.Config {
		c := config.Default()
		c.Cache.Path = ""
		c.Audit.Path = ""
		c.Engine.URL = "http://127.0.0.1:1"
		c.Block.URL = "http://127.0.0.1:1"
		c.Verify.MaxFreshnessWindow = time.Minute
		c.Verify.ExpectedTEEMeasurement = "abcd"
		return c
	}
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"no engine url", func(c *config.Config) { c.Engine.URL = "" }, "engine.url"},
		{"no freshness window", func(c *config.Config) { c.Verify.MaxFreshnessWindow = 0 }, "max_freshness_window"},
		{"bad measurement", func(c *config.Config) { c.Verify.ExpectedTEEMeasurement = "zz" }, "expected_tee_measurement"},
		{"unknown registry", func(c *config.Config) { c.Registry.Kind = "etcd" }, "registry.kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := cfg
			t.Cleanup(func() { cfg = prev })
			cfg = configured()
			tt.mutate(cfg)

			err := runVerify(verifyCmd, []string{packet})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, 2, ExitCode(err))
		})
	}
}

func TestRunVerify_MalformedPacket(t *testing.T) {
	packet := filepath.Join(t.TempDir(), "packet.json")
	require.NoError(t, os.WriteFile(packet, []byte(`{"code_hash": `), 0o600))

	err := runVerify(verifyCmd, []string{packet})
	require.ErrorIs(t, err, attest.ErrMalformedPacket)
	assert.Equal(t, 1, ExitCode(err))
}

func TestReportError(t *testing.T) {
	ui.SetColorEnabled(false)
	var buf bytes.Buffer
	ui.SetWriter(&buf)
	defer ui.SetWriter(nil)

	reportError(nil)
	reportError(errRejected)
	assert.Empty(t, buf.String(), "verdicts are already printed")

	reportError(errors.New("engine.url is not configured"))
	assert.Equal(t, "Error: engine.url is not configured\n", buf.String())
}

func captureChecks(t *testing.T, res *verify.Result, verr error, withRegistry bool) string {
	t.Helper()
	ui.SetColorEnabled(false)
	var buf bytes.Buffer
	ui.SetOutput(&buf)
	t.Cleanup(func() { ui.SetOutput(nil) })
	printChecks(res, verr, withRegistry)
	return buf.String()
}

func TestPrintChecks_Verified(t *testing.T) {
	got := captureChecks(t, &verify.Result{Verified: true}, nil, false)

	assert.NotContains(t, got, "registry")
	assert.NotContains(t, got, "[FAIL]")
	assert.Contains(t, got, "  [ok]   packet\n")
	assert.Contains(t, got, "  [ok]   temporal\n")
}

func TestPrintChecks_Rejected(t *testing.T) {
	res := &verify.Result{
		FailedStep: verify.StepDeviceSignature,
		Reason:     verify.ReasonDeviceSignatureInvalid,
	}
	got := captureChecks(t, res, nil, true)

	want := "" +
		"  [ok]   packet\n" +
		"  [ok]   fetch-record\n" +
		"  [ok]   tee-signature\n" +
		"  [ok]   hashpath\n" +
		"  [ok]   challenge\n" +
		"  [ok]   code-hash\n" +
		"  [ok]   payload\n" +
		"  [FAIL] device-signature (device-signature-invalid)\n" +
		"  -      registry\n" +
		"  -      temporal\n"
	assert.Equal(t, want, got)
}

func TestPrintChecks_Incomplete(t *testing.T) {
	verr := &verify.InfrastructureError{Step: verify.StepHashPath, Err: errors.New("fetching slot 7: timeout")}
	got := captureChecks(t, nil, verr, false)

	assert.Contains(t, got, "  [ok]   tee-signature\n")
	assert.Contains(t, got, "  [??]   hashpath (fetching slot 7: timeout)\n")
	assert.Contains(t, got, "  -      temporal\n")
}

func TestFormatReason(t *testing.T) {
	assert.Equal(t, "code-hash-mismatch", formatReason(&verify.Result{Reason: "code-hash-mismatch"}))

	res := &verify.Result{
		Reason:  "hashpath-invalid",
		Details: map[string]string{"missing_slot": "12", "hashpath_reason": "missing-slot"},
	}
	assert.Equal(t, "hashpath-invalid: hashpath_reason=missing-slot missing_slot=12", formatReason(res))
}

func TestParseSlot(t *testing.T) {
	slot, err := parseSlot("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), slot)

	for _, bad := range []string{"", "-1", "4x", "1.5"} {
		_, err := parseSlot(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, err := parsePublicKey("0x02aabb")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xaa, 0xbb}, pub)

	_, err = parsePublicKey("zz")
	assert.Error(t, err)
	_, err = parsePublicKey("")
	assert.Error(t, err)
}

func TestParseMetadata(t *testing.T) {
	m, err := parseMetadata([]string{"model=TH-1", "device_label=greenhouse=3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"model": "TH-1", "device_label": "greenhouse=3"}, m)

	m, err = parseMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = parseMetadata([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseMetadata([]string{"=x"})
	assert.Error(t, err)
}

func TestParseTrustedKey(t *testing.T) {
	key, err := parseTrustedKey("")
	require.NoError(t, err)
	assert.Nil(t, key)

	hexKey := strings.Repeat("ab", ed25519.PublicKeySize)
	key, err = parseTrustedKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Len(t, key, ed25519.PublicKeySize)

	_, err = parseTrustedKey("abcd")
	assert.ErrorContains(t, err, "expected 32 bytes")
	_, err = parseTrustedKey("zz")
	assert.Error(t, err)
}
