package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/registry"
	"github.com/majorcontext/origin/internal/sig"
	"github.com/majorcontext/origin/internal/ui"
)

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen <path>",
	Short: "Generate a device key",
	Long: `Generate an ECDSA P-256 device key and write it as PEM with mode 0600.

The public key printed is the device id used by the registry.

Example:
  origin keygen ./device.pem`,
	Args: cobra.ExactArgs(1),
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVarP(&keygenForce, "force", "f", false, "overwrite an existing key")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil && !keygenForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	signer, err := sig.Generate(sig.ECDSAP256, hashing.Default)
	if err != nil {
		return err
	}
	p256, ok := signer.(*sig.P256Signer)
	if !ok {
		return fmt.Errorf("unexpected signer %T", signer)
	}
	if err := sig.WriteP256Key(path, p256.PrivateKey()); err != nil {
		return err
	}

	id := registry.DeviceID(signer.PublicKey())
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{
			"path":      path,
			"scheme":    string(signer.Scheme()),
			"device_id": id,
		})
	}
	ui.Field("key", path)
	ui.Field("scheme", string(signer.Scheme()))
	ui.Field("device id", id)
	return nil
}
