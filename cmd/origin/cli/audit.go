package cli

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/audit"
	"github.com/majorcontext/origin/internal/config"
	"github.com/majorcontext/origin/internal/log"
	"github.com/majorcontext/origin/internal/ui"
)

var (
	auditExportFile string
	auditTrustedKey string
)

var auditCmd = &cobra.Command{
	Use:   "audit [bundle.json]",
	Short: "Check the integrity of the verdict ledger",
	Long: `Check that no recorded verdict has been edited, removed or reordered.

Every verdict from "origin verify" and "origin serve" is appended to a
hash-chained ledger (audit.path). Without arguments the local ledger is
checked; with a proof bundle file, the bundle is checked offline.

Exported bundles are sealed with the ledger key (audit.key_path), whose
public key is printed on export. Pass it with --trusted-key when checking
a bundle to reject bundles that were rewritten and re-hashed.

Example:
  origin audit
  origin audit --export ./verdicts.proof.json
  origin audit --trusted-key 5f0c... ./verdicts.proof.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVarP(&auditExportFile, "export", "e", "", "export a proof bundle to file (JSON)")
	auditCmd.Flags().StringVar(&auditTrustedKey, "trusted-key", "", "hex Ed25519 key a bundle must be sealed with")
}

func parseTrustedKey(s string) (ed25519.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("--trusted-key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("--trusted-key: expected %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// openLedger opens the verdict ledger, or returns nil when it is disabled.
func openLedger(c *config.Config) *audit.Store {
	if c.Audit.Path == "" {
		return nil
	}
	store, err := audit.OpenStore(c.Audit.Path)
	if err != nil {
		log.Warn("verdict ledger unavailable", "path", c.Audit.Path, "error", err)
		return nil
	}
	return store
}

func runAudit(cmd *cobra.Command, args []string) error {
	var (
		result *audit.Result
		source string
	)
	if len(args) == 1 {
		if auditExportFile != "" {
			return errors.New("--export reads the local ledger; do not pass a bundle file")
		}
		trusted, err := parseTrustedKey(auditTrustedKey)
		if err != nil {
			return err
		}
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		var bundle audit.ProofBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return fmt.Errorf("parsing bundle: %w", err)
		}
		result = bundle.Verify(trusted)
		source = args[0]
	} else {
		if auditTrustedKey != "" {
			return errors.New("--trusted-key checks a bundle file; pass one")
		}
		if cfg.Audit.Path == "" {
			return errors.New("verdict ledger is disabled (audit.path)")
		}
		if _, err := os.Stat(cfg.Audit.Path); err != nil {
			return fmt.Errorf("no verdict ledger at %s", cfg.Audit.Path)
		}
		store, err := audit.OpenStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("opening verdict ledger: %w", err)
		}
		defer store.Close()

		if auditExportFile != "" {
			var signer *audit.Signer
			if cfg.Audit.KeyPath != "" {
				if signer, err = audit.NewSigner(cfg.Audit.KeyPath); err != nil {
					return err
				}
			} else {
				ui.Warn("audit.key_path is not set; the bundle will not be sealed")
			}
			bundle, err := store.Export(signer)
			if err != nil {
				return fmt.Errorf("exporting bundle: %w", err)
			}
			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling bundle: %w", err)
			}
			if err := os.WriteFile(auditExportFile, data, 0o644); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}
			ui.Infof("Proof bundle exported to: %s", auditExportFile)
			if signer != nil {
				ui.Infof("Sealed with ledger key: %s", hex.EncodeToString(signer.PublicKey()))
			}
		}

		result, err = store.VerifyChain()
		if err != nil {
			return fmt.Errorf("verification error: %w", err)
		}
		source = cfg.Audit.Path
	}

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return err
		}
	} else {
		ui.Section("Verdict ledger " + source)
		ui.Field("entries", fmt.Sprint(result.EntryCount))
		ui.Field("verdicts", fmt.Sprint(result.Verdicts))
		ui.Field("dead letters", fmt.Sprint(result.Dead))
		if result.Valid && result.EntryCount > 0 {
			ui.Field("merkle root", result.MerkleRoot.String())
		}
		if result.SealedBy != "" {
			ui.Field("sealed by", result.SealedBy)
		}
		fmt.Println()
		if result.Valid {
			fmt.Printf("VERDICT: %s INTACT - No tampering detected\n", ui.OKTag())
		} else {
			fmt.Printf("VERDICT: %s TAMPERED - %s\n", ui.FailTag(), result.Error)
		}
	}

	if !result.Valid {
		return errRejected
	}
	return nil
}
