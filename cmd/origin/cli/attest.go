package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/aeclient"
	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/sig"
	"github.com/majorcontext/origin/internal/ui"
)

var (
	attestKey      string
	attestFirmware string
	attestProcess  string
	attestSlot     uint64
	attestWallet   string
	attestOut      string
)

var attestCmd = &cobra.Command{
	Use:   "attest <reading-file>...",
	Short: "Sign sensor readings as a simulated device",
	Long: `Produce a signed attestation packet the way a device would.

Each reading file holds one captured sample. One file yields a single
reading packet; several files yield one batch packet.

The packet answers the challenge at --slot. Without --slot, a new
challenge is requested from the attestation engine for --wallet and the
firmware's code hash.

Example:
  origin keygen device.pem
  origin attest --key device.pem --firmware firmware.bin --wallet 0xabc reading.bin > packet.json
  origin verify packet.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAttest,
}

func init() {
	rootCmd.AddCommand(attestCmd)
	attestCmd.Flags().StringVar(&attestKey, "key", "", "device private key (PEM, ECDSA P-256)")
	attestCmd.Flags().StringVar(&attestFirmware, "firmware", "", "program the device runs; its hash is the code hash")
	attestCmd.Flags().StringVar(&attestProcess, "process", "", "attestation engine process id (default engine.process_id)")
	attestCmd.Flags().Uint64Var(&attestSlot, "slot", 0, "answer the challenge issued at this slot instead of requesting one")
	attestCmd.Flags().StringVar(&attestWallet, "wallet", "", "owner wallet address for a new challenge")
	attestCmd.Flags().StringVarP(&attestOut, "output", "o", "", "write the packet to a file instead of stdout")
	_ = attestCmd.MarkFlagRequired("key")
	_ = attestCmd.MarkFlagRequired("firmware")
}

func runAttest(cmd *cobra.Command, args []string) error {
	processID := attestProcess
	if processID == "" {
		processID = cfg.Engine.ProcessID
	}
	if processID == "" {
		return errors.New("no process id: pass --process or set engine.process_id")
	}
	if attestSlot == 0 && attestWallet == "" {
		return errors.New("--wallet is required when requesting a new challenge")
	}

	scheme, err := sig.ParseScheme(cfg.Verify.SignatureScheme)
	if err != nil {
		return err
	}
	if scheme != sig.ECDSAP256 {
		return fmt.Errorf("attest supports %s device keys only, configured scheme is %s", sig.ECDSAP256, scheme)
	}
	key, err := sig.LoadP256Key(attestKey)
	if err != nil {
		return err
	}
	program, err := os.ReadFile(attestFirmware)
	if err != nil {
		return fmt.Errorf("reading firmware: %w", err)
	}

	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	device := attest.NewDevice(sig.NewP256Signer(key, e.hasher), e.hasher, program)

	var rec *attest.ChallengeRecord
	if attestSlot == 0 {
		rec, err = e.client.RequestChallenge(cmd.Context(), processID, aeclient.ChallengeRequest{
			WalletAddress: attestWallet,
			CodeHash:      device.CodeHash(),
		})
		if err != nil {
			return fmt.Errorf("requesting challenge: %w", err)
		}
		ui.Infof("Challenge issued at %s/%d", processID, rec.Slot)
	} else {
		rec, err = e.records.FetchChallengeRecord(cmd.Context(), processID, attestSlot)
		if err != nil {
			return err
		}
	}
	if rec.CodeHash != device.CodeHash() {
		ui.Warnf("challenge was issued for code hash %s, firmware hashes to %s", rec.CodeHash, device.CodeHash())
	}
	ref := attest.ChallengeRef{ProcessID: processID, Slot: rec.Slot, Challenge: rec.Challenge}

	acc := attest.NewBatchAccumulator(e.hasher, len(args))
	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		// The simulator does no processing; the output is the raw sample.
		acc.Capture(raw, raw)
	}

	var p *attest.Packet
	if len(args) == 1 {
		readings, _, err := acc.Seal()
		if err != nil {
			return err
		}
		p, err = device.Attest(readings[0], ref)
		if err != nil {
			return err
		}
	} else {
		p, err = device.AttestBatch(acc, ref)
		if err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling packet: %w", err)
	}
	data = append(data, '\n')
	if attestOut == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(attestOut, data, 0o644); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	ui.Infof("Packet written to %s", attestOut)
	return nil
}
