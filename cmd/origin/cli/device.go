package cli

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/config"
	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/registry"
	"github.com/majorcontext/origin/internal/sig"
	"github.com/majorcontext/origin/internal/ui"
)

var (
	deviceOwner    string
	deviceMetadata []string
	deviceKeyFile  string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage device identities in the registry",
	Long: `Register, inspect and revoke device identities.

register and revoke need the redis registry (registry.kind: redis);
show works with any configured registry.`,
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register [public-key-hex]",
	Short: "Register a device identity",
	Long: `Anchor a device identity. Identities are immutable once registered.

The public key is given as hex or read from --key.

Example:
  origin device register --key device.pem --owner 0xabc --meta model=TH-1 --meta sensor_type=temperature`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeviceRegister,
}

var deviceShowCmd = &cobra.Command{
	Use:   "show <public-key-hex>",
	Short: "Show a device identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceShow,
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <public-key-hex>",
	Short: "Revoke a device identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRevoke,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceRegisterCmd, deviceShowCmd, deviceRevokeCmd)

	deviceRegisterCmd.Flags().StringVar(&deviceKeyFile, "key", "", "device private key (PEM); its public key is registered")
	deviceRegisterCmd.Flags().StringVar(&deviceOwner, "owner", "", "owner wallet address")
	deviceRegisterCmd.Flags().StringArrayVar(&deviceMetadata, "meta", nil, "metadata key=value (repeatable)")
	_ = deviceRegisterCmd.MarkFlagRequired("owner")
}

// openStore opens the writable registry.
func openStore(c *config.Config) (*registry.Redis, error) {
	if c.Registry.Kind != config.RegistryRedis || c.Registry.RedisAddr == "" {
		return nil, errors.New("device management needs the redis registry (registry.kind: redis, registry.redis_addr)")
	}
	return openRedis(c), nil
}

func runDeviceRegister(cmd *cobra.Command, args []string) error {
	var pub []byte
	switch {
	case len(args) == 1 && deviceKeyFile != "":
		return errors.New("give either a public key or --key, not both")
	case len(args) == 1:
		var err error
		if pub, err = parsePublicKey(args[0]); err != nil {
			return err
		}
	case deviceKeyFile != "":
		key, err := sig.LoadP256Key(deviceKeyFile)
		if err != nil {
			return err
		}
		pub = sig.NewP256Signer(key, hashing.Default).PublicKey()
	default:
		return errors.New("a public key or --key is required")
	}

	metadata, err := parseMetadata(deviceMetadata)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	identity := attest.DeviceIdentity{
		DevicePublicKey: pub,
		OwnerWallet:     deviceOwner,
		Metadata:        metadata,
		RegisteredAt:    time.Now().UTC(),
	}
	if err := store.Register(cmd.Context(), identity); err != nil {
		return err
	}
	ui.Infof("Registered device %s", registry.DeviceID(pub))
	return nil
}

func runDeviceShow(cmd *cobra.Command, args []string) error {
	pub, err := parsePublicKey(args[0])
	if err != nil {
		return err
	}

	var identity *attest.DeviceIdentity
	switch cfg.Registry.Kind {
	case config.RegistryRedis:
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		identity, err = store.Lookup(cmd.Context(), pub)
		if err != nil {
			return err
		}
	case config.RegistryHTTP:
		identity, err = registry.NewHTTP(cfg.Registry.URL, cfg.Engine.Timeout).Lookup(cmd.Context(), pub)
		if err != nil {
			return err
		}
	default:
		return errors.New("no registry configured (registry.kind)")
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(identity)
	}
	ui.Section("Device " + registry.DeviceID(identity.DevicePublicKey))
	ui.Field("owner", identity.OwnerWallet)
	ui.Field("registered", identity.RegisteredAt.Format("2006-01-02 15:04:05 MST"))
	if identity.Revoked {
		ui.Field("status", ui.Red("revoked"))
	} else {
		ui.Field("status", ui.Green("active"))
	}
	keys := make([]string, 0, len(identity.Metadata))
	for k := range identity.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ui.Field(k, identity.Metadata[k])
	}
	return nil
}

func runDeviceRevoke(cmd *cobra.Command, args []string) error {
	pub, err := parsePublicKey(args[0])
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Revoke(cmd.Context(), pub); err != nil {
		return err
	}
	ui.Infof("Revoked device %s", registry.DeviceID(pub))
	return nil
}

func parsePublicKey(s string) ([]byte, error) {
	pub, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(pub) == 0 {
		return nil, fmt.Errorf("invalid public key %q: must be hex", s)
	}
	return pub, nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected key=value", kv)
		}
		m[k] = v
	}
	return m, nil
}
