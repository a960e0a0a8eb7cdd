package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/challenge"
	"github.com/majorcontext/origin/internal/sig"
	"github.com/majorcontext/origin/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:   "record <process-id> <slot>",
	Short: "Show a challenge record and check its TEE signature",
	Long: `Fetch the challenge record the attestation engine issued at a slot and
check its TEE signature against the configured measurement.

Records are cached locally once fetched; they never change.

Example:
  origin record AE1 42`,
	Args: cobra.ExactArgs(2),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
}

type recordOutput struct {
	Record *attest.ChallengeRecord `json:"record"`
	TEE    *sig.TEEResult          `json:"tee,omitempty"`
}

func runRecord(cmd *cobra.Command, args []string) error {
	processID := args[0]
	slot, err := parseSlot(args[1])
	if err != nil {
		return err
	}

	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	rec, err := e.records.FetchChallengeRecord(cmd.Context(), processID, slot)
	if errors.Is(err, challenge.ErrNotFound) {
		return fmt.Errorf("no challenge record at %s/%d", processID, slot)
	}
	if err != nil {
		return err
	}

	sigs, err := e.signatures(cfg)
	if err != nil {
		return err
	}
	out := recordOutput{Record: rec}
	tee, teeErr := sigs.VerifyTeeAttestation(rec.TEEReport, rec.SignedBytes(), rec.TEESignature)
	if teeErr == nil {
		out.TEE = &tee
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	ui.Section(fmt.Sprintf("Challenge record %s/%d", processID, slot))
	ui.Field("challenge", rec.Challenge.String())
	ui.Field("wallet", rec.WalletAddress)
	ui.Field("code hash", rec.CodeHash.String())
	ui.Field("issued at", rec.IssuedTime().Format("2006-01-02 15:04:05 MST"))
	ui.Field("block height", fmt.Sprint(rec.BlockHeight))
	ui.Field("hashpath", rec.HashPath.String())
	if mh, err := e.hasher.Multihash(rec.HashPath); err == nil {
		ui.Field("multihash", mh)
	}
	fmt.Println()

	switch {
	case errors.Is(teeErr, sig.ErrNoExpectedMeasurement):
		ui.Warn("TEE signature not checked: verify.expected_tee_measurement is not configured")
	case teeErr != nil:
		return teeErr
	case tee.Valid:
		ui.Check(true, "tee-signature", tee.Platform)
	default:
		ui.Check(false, "tee-signature", tee.Reason)
	}
	return nil
}

func parseSlot(s string) (uint64, error) {
	slot, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid slot %q: must be a non-negative integer", s)
	}
	return slot, nil
}
