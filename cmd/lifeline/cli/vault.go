package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/store"
	"github.com/medivault/lifeline/internal/vault"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage vault secrets",
	}
	cmd.AddCommand(newVaultPutCmd())
	cmd.AddCommand(newVaultListCmd())
	return cmd
}

func newVaultPutCmd() *cobra.Command {
	var (
		vaultID      string
		path         string
		ownerID      string
		cacheAllowed bool
		ttlSeconds   int64
	)

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store or replace a vault secret",
		Long: `Store an encrypted secret for a vault path. The secret value is read
from a hidden terminal prompt, or from stdin when the input is piped.
Secrets are JSON credential documents or bare API tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if vaultID == "" || path == "" || ownerID == "" {
				return fmt.Errorf("--vault, --path and --owner are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := buildLogger(cfg.Logging)
			aead, err := loadAEAD(cfg.Crypto)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			plaintext, err := readSecret(cmd)
			if err != nil {
				return err
			}
			if len(plaintext) == 0 {
				return fmt.Errorf("empty secret")
			}

			secret := &model.VaultSecret{
				VaultID:      vaultID,
				Path:         path,
				OwnerID:      ownerID,
				CacheAllowed: cacheAllowed,
			}
			if ttlSeconds > 0 {
				secret.TTLSeconds = &ttlSeconds
			}

			svc := vault.New(st, aead, logger)
			if err := svc.PutSecret(context.Background(), secret, plaintext); err != nil {
				return fmt.Errorf("store secret: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stored %s/%s (owner %s)\n", vaultID, path, ownerID)
			return nil
		},
	}

	cmd.Flags().StringVar(&vaultID, "vault", "", "Vault id")
	cmd.Flags().StringVar(&path, "path", "", "Secret path within the vault")
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner (approver) id")
	cmd.Flags().BoolVar(&cacheAllowed, "cache", false, "Allow the broker to cache the decrypted secret")
	cmd.Flags().Int64Var(&ttlSeconds, "cache-ttl", 0, "Cache TTL in seconds (implies --cache)")

	return cmd
}

func newVaultListCmd() *cobra.Command {
	var vaultID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List secret paths in a vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			if vaultID == "" {
				return fmt.Errorf("--vault is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			secrets, err := st.ListSecrets(context.Background(), vaultID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tOWNER\tCACHE")
			for _, s := range secrets {
				cache := "no"
				if s.CacheAllowed {
					cache = "yes"
					if s.TTLSeconds != nil {
						cache = fmt.Sprintf("yes (%ds)", *s.TTLSeconds)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Path, s.OwnerID, cache)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&vaultID, "vault", "", "Vault id")

	return cmd
}

// readSecret reads the secret value, hiding the input when attached to a
// terminal.
func readSecret(cmd *cobra.Command) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.OutOrStdout(), "secret: ")
		value, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		return value, err
	}
	return io.ReadAll(os.Stdin)
}
