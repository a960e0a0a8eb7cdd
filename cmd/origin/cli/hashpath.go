package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/hashpath"
	"github.com/majorcontext/origin/internal/ui"
)

var hashpathCmd = &cobra.Command{
	Use:   "hashpath <process-id> <slot> [claimed-hex]",
	Short: "Recompute a HashPath from the engine's message log",
	Long: `Recompute the HashPath of a process up to a slot from the messages the
attestation engine scheduled, and compare it with a claimed value.

Without a claimed value, the HashPath the engine reports for the slot's
challenge record is checked.

Example:
  origin hashpath AE1 42
  origin hashpath AE1 42 9f2c...e1`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runHashPath,
}

func init() {
	rootCmd.AddCommand(hashpathCmd)
}

func runHashPath(cmd *cobra.Command, args []string) error {
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

	var claimed hashing.Digest
	if len(args) == 3 {
		claimed, err = hashing.ParseDigest(args[2])
		if err != nil {
			return fmt.Errorf("claimed hashpath: %w", err)
		}
	} else {
		rec, err := e.records.FetchChallengeRecord(cmd.Context(), processID, slot)
		if err != nil {
			return err
		}
		claimed = rec.HashPath
	}

	res, err := hashpath.Verify(cmd.Context(), processID, slot, claimed, e.client,
		hashpath.WithHasher(e.hasher),
		hashpath.WithConcurrency(cfg.Verify.HashPathConcurrency))
	if err != nil {
		return err
	}

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
			return err
		}
	} else {
		ui.Section(fmt.Sprintf("HashPath %s/%d", processID, slot))
		ui.Field("algorithm", string(e.hasher.Algorithm()))
		ui.Field("claimed", claimed.String())
		if !res.Computed.IsZero() {
			ui.Field("computed", res.Computed.String())
			if mh, err := e.hasher.Multihash(res.Computed); err == nil {
				ui.Field("multihash", mh)
			}
		}
		fmt.Println()
		switch {
		case res.Valid:
			ui.Check(true, "hashpath", fmt.Sprintf("%d messages", slot))
		case res.Reason == hashpath.ReasonMissingSlot:
			ui.Check(false, "hashpath", fmt.Sprintf("%s: slot %d", res.Reason, res.Slot))
		default:
			ui.Check(false, "hashpath", res.Reason)
		}
	}

	if !res.Valid {
		return errRejected
	}
	return nil
}
