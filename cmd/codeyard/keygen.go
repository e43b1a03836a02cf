package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/codeyard/internal/appconfig"
	"pkt.systems/codeyard/internal/sshkeys"
	"pkt.systems/pslog"
)

func newKeygenCmd() *cobra.Command {
	var cfgPath string
	var keyType string
	var bits int
	var rotate bool
	var remove bool
	cmd := &cobra.Command{
		Use:   "keygen [identity]",
		Short: "Manage encrypted client identities for the ssh channel driver",
		Long: "keygen prints the authorized_keys line of an identity, generating it on first use.\n" +
			"Add the line to the sandbox authorized_keys file and set channel.ssh.identity.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			name := cfg.Channel.SSH.Identity
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				name = "default"
			}
			store, err := sshkeys.NewStore(cfg.Channel.SSH.KeyStore, cfg.Channel.SSH.KeyDir, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			if remove {
				return store.Remove(name)
			}
			var pub string
			if rotate {
				pub, err = store.Generate(name, keyType, bits, true)
			} else {
				pub, err = store.Ensure(name, keyType, bits)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), pub)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&keyType, "type", sshkeys.KeyTypeEd25519, "key type: ed25519 or rsa")
	cmd.Flags().IntVar(&bits, "bits", 0, "rsa key size")
	cmd.Flags().BoolVar(&rotate, "rotate", false, "replace the identity with a fresh key")
	cmd.Flags().BoolVar(&remove, "remove", false, "delete the identity")
	cmd.MarkFlagsMutuallyExclusive("rotate", "remove")
	return cmd
}
