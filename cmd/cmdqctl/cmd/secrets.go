package cmd

import (
	"errors"
	"fmt"

	"filippo.io/age"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cmdq-dev/cmdq/internal/secrets"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secret encryption for config files",
	}

	cmd.AddCommand(newSecretsKeygenCmd())
	cmd.AddCommand(newSecretsEncryptCmd())
	cmd.AddCommand(newSecretsDecryptCmd())

	return cmd
}

func newSecretsKeygenCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new age keypair for config encryption",
		Long: `Generates a new X25519 age keypair and writes the identity (private key) to a
file. The public key (recipient) is printed for use with
'cmdqctl secrets encrypt --recipient'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := secrets.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			if output == "" {
				output = secrets.DefaultKeyPath()
			}
			if err := secrets.WriteIdentityFile(output, id); err != nil {
				return fmt.Errorf("write key file (remove an existing one first to regenerate): %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Key file written to: %s\n", output)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", id.Recipient())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: ~/.config/cmdq/age.key)")
	return cmd
}

func newSecretsEncryptCmd() *cobra.Command {
	var recipientKey string

	cmd := &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a value for use in config files",
		Long: `Encrypts a plaintext value and outputs the ENC[...] string to paste into a
TOML config file, e.g. security.dispatch_secret or nats.token. Without
--recipient the public key of the resolved identity is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var recipient age.Recipient

			if recipientKey != "" {
				r, err := secrets.ParseRecipient(recipientKey)
				if err != nil {
					return fmt.Errorf("parse recipient: %w", err)
				}
				recipient = r
			} else {
				ids, err := secrets.Resolve(viper.New())
				if err != nil {
					return fmt.Errorf("resolve identity: %w", err)
				}
				if ids == nil {
					return errors.New("no age key found; run 'cmdqctl secrets keygen' first or use --recipient")
				}
				x25519, ok := ids[0].(*age.X25519Identity)
				if !ok {
					return errors.New("resolved key is not an X25519 identity; use --recipient to specify a public key")
				}
				recipient = x25519.Recipient()
			}

			encrypted, err := secrets.Encrypt(args[0], recipient)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), encrypted)
			return nil
		},
	}

	cmd.Flags().StringVar(&recipientKey, "recipient", "", "age public key (default: from the resolved identity)")
	return cmd
}

func newSecretsDecryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <encrypted-value>",
		Short: "Decrypt an ENC[...] value (for debugging)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := secrets.Resolve(viper.New())
			if err != nil {
				return fmt.Errorf("resolve identity: %w", err)
			}
			if ids == nil {
				return fmt.Errorf("no age identity found; set %s, %s, or create %s", secrets.EnvAgeKey, secrets.EnvAgeKeyFile, secrets.DefaultKeyPath())
			}

			plaintext, err := secrets.Decrypt(args[0], ids...)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), plaintext)
			return nil
		},
	}
}
