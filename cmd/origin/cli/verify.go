package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/audit"
	"github.com/majorcontext/origin/internal/config"
	"github.com/majorcontext/origin/internal/id"
	"github.com/majorcontext/origin/internal/ingest"
	"github.com/majorcontext/origin/internal/log"
	"github.com/majorcontext/origin/internal/ui"
	"github.com/majorcontext/origin/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <packet.json>",
	Short: "Verify an attestation packet",
	Long: `Verify a signed attestation packet against the attestation engine.

Checks, in order:
  - The challenge record exists and carries a valid TEE signature
  - The record's HashPath matches the engine's message log
  - The packet answers that challenge with the expected code hash
  - The packet's hashes match the data it carries
  - The device signature is valid (and the device is registered,
    when a registry is configured)
  - Challenge, block and reading times are in order and fresh

Use "-" to read the packet from stdin.

Exit status is 0 when the packet verifies, 1 when it is rejected or
malformed and 2 when verification could not be completed, including
missing or invalid configuration.

Example:
  origin verify ./packet.json
  origin verify --json ./packet.json`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0])
	if err != nil {
		return err
	}
	var p attest.Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", attest.ErrMalformedPacket, err)
	}

	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	v, err := e.verifier(cfg)
	if err != nil {
		return err
	}

	res, verr := v.Verify(cmd.Context(), &p)
	if verr == nil {
		recordVerdict(cmd.Context(), &p, res)
	}

	if jsonOut {
		if verr != nil {
			return verr
		}
		if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
			return err
		}
		if !res.Verified {
			return errRejected
		}
		return nil
	}

	printPacket(&p)
	fmt.Println()
	ui.Section("Checks")
	printChecks(res, verr, cfg.Registry.Kind != config.RegistryNone)
	fmt.Println()

	switch {
	case verr != nil:
		fmt.Printf("VERDICT: %s INCOMPLETE - verification could not be completed\n", ui.WarnTag())
		return verr
	case res.Verified:
		fmt.Printf("VERDICT: %s VERIFIED\n", ui.OKTag())
		return nil
	default:
		fmt.Printf("VERDICT: %s REJECTED - %s\n", ui.FailTag(), res.Reason)
		return errRejected
	}
}

func recordVerdict(ctx context.Context, p *attest.Packet, res *verify.Result) {
	ledger := openLedger(cfg)
	if ledger == nil {
		return
	}
	defer ledger.Close()
	verdict := ingest.NewVerdict(id.Generate("vfy"), p, res, time.Now().UTC())
	if err := ledger.Record(ctx, string(audit.EntryVerdict), verdict); err != nil {
		log.Warn("recording verdict", "error", err)
	}
}

func printPacket(p *attest.Packet) {
	ui.Section("Packet")
	ui.Field("process", p.AEProcessID)
	ui.Field("slot", fmt.Sprint(p.AESlot))
	ui.Field("device", p.DevicePublicKey.String())
	ui.Field("code hash", p.CodeHash.String())
	if p.IsBatch() {
		ui.Field("form", fmt.Sprintf("batch (%d readings)", len(p.Readings)))
	} else {
		ui.Field("form", "single reading")
	}
	ui.Field("device time", p.DeviceTime().Format("2006-01-02 15:04:05 MST"))
}

// printChecks prints one line per pipeline step. Steps before the failing
// one passed; steps after it were not run.
func printChecks(res *verify.Result, verr error, withRegistry bool) {
	var failed verify.Step
	var detail string
	switch {
	case verr != nil:
		var ie *verify.InfrastructureError
		if errors.As(verr, &ie) {
			failed = ie.Step
			detail = ie.Err.Error()
		}
	case !res.Verified:
		failed = res.FailedStep
		detail = formatReason(res)
	}

	reached := true
	for _, step := range verify.Steps {
		if step == verify.StepRegistry && !withRegistry {
			continue
		}
		switch {
		case !reached:
			ui.Skipped(string(step))
		case step == failed && verr != nil:
			ui.Incomplete(string(step), detail)
			reached = false
		case step == failed:
			ui.Check(false, string(step), detail)
			reached = false
		default:
			ui.Check(true, string(step), "")
		}
	}
}

func formatReason(res *verify.Result) string {
	if len(res.Details) == 0 {
		return res.Reason
	}
	keys := make([]string, 0, len(res.Details))
	for k := range res.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+res.Details[k])
	}
	return res.Reason + ": " + strings.Join(parts, " ")
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
