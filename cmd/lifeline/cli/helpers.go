package cli

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/adapter/files"
	"github.com/medivault/lifeline/internal/adapter/lablis"
	"github.com/medivault/lifeline/internal/adapter/philipsct"
	"github.com/medivault/lifeline/internal/adapter/restapi"
	"github.com/medivault/lifeline/internal/adapter/siemensmri"
	"github.com/medivault/lifeline/internal/adapter/smbshare"
	"github.com/medivault/lifeline/internal/adapter/sshhost"
	"github.com/medivault/lifeline/internal/config"
	"github.com/medivault/lifeline/internal/crypto"
)

// loadConfig reads the effective configuration file: the --config flag, or
// whatever viper discovered in the search path.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	if path == "" {
		return nil, fmt.Errorf("no config file found; pass --config or create ./lifeline.yaml")
	}
	return config.Load(path)
}

// buildLogger constructs the process logger from the logging config.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newRegistry creates an adapter registry with all built-in backends.
func newRegistry() *adapter.Registry {
	registry := adapter.NewRegistry()
	registry.Register(siemensmri.Kind, func() adapter.Adapter { return siemensmri.New() })
	registry.Register(philipsct.Kind, func() adapter.Adapter { return philipsct.New() })
	registry.Register(lablis.Kind, func() adapter.Adapter { return lablis.New() })
	registry.Register(sshhost.Kind, func() adapter.Adapter { return sshhost.New() })
	registry.Register(files.Kind, func() adapter.Adapter { return files.New() })
	registry.Register(smbshare.Kind, func() adapter.Adapter { return smbshare.New() })
	registry.Register(restapi.Kind, func() adapter.Adapter { return restapi.New() })
	return registry
}

// loadKeyProvider assembles the signing provider from the configured key
// files: the broker's token key plus one public key per approver.
func loadKeyProvider(cfg config.CryptoConfig) (*crypto.Provider, error) {
	if cfg.TokenKeyFile == "" {
		return nil, fmt.Errorf("crypto.token_key_file is required")
	}
	tokenKey, err := crypto.LoadPrivateKeyPEM(cfg.TokenKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load token key: %w", err)
	}

	approvers := make(map[string]ed25519.PublicKey, len(cfg.Approvers))
	for _, a := range cfg.Approvers {
		pub, err := crypto.LoadPublicKeyPEM(a.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load approver key %q: %w", a.ID, err)
		}
		approvers[a.ID] = pub
	}
	return crypto.NewProvider(tokenKey, approvers), nil
}

// loadAEAD builds the vault cipher from the configured master key file.
func loadAEAD(cfg config.CryptoConfig) (*crypto.AEAD, error) {
	if cfg.MasterKeyFile == "" {
		return nil, fmt.Errorf("crypto.master_key_file is required")
	}
	key, err := crypto.LoadMasterKey(cfg.MasterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	return crypto.NewAEAD(key)
}
