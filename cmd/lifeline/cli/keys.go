package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/medivault/lifeline/internal/crypto"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate broker key material",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysMasterCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var outDir string
	var name string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an Ed25519 keypair",
		Long: `Generate an Ed25519 keypair as PEM files. Used both for the broker's
token signing key and for approver keys whose public halves go into the
crypto.approvers config section.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			privPEM, err := crypto.EncodePrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			pubPEM, err := crypto.EncodePublicKeyPEM(pub)
			if err != nil {
				return err
			}

			privPath := filepath.Join(outDir, name+".key")
			pubPath := filepath.Join(outDir, name+".pub")
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\n", privPath)
			fmt.Fprintf(cmd.OutOrStdout(), "public key:  %s\n", pubPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	cmd.Flags().StringVarP(&name, "name", "n", "lifeline", "Base name for the key files")

	return cmd
}

func newKeysMasterCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Generate the vault master key",
		Long:  "Generate a 256-bit AES master key, hex encoded, for crypto.master_key_file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateMasterKey()
			if err != nil {
				return fmt.Errorf("generate master key: %w", err)
			}
			if outFile == "" {
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			}
			if err := os.WriteFile(outFile, []byte(key+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "master key: %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the key to a file instead of stdout")

	return cmd
}
