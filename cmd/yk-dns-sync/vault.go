package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/vault"
)

func newVaultCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage encrypted server credentials",
	}
	cmd.AddCommand(
		newVaultInitCmd(a),
		newVaultSetCmd(a),
		newVaultRmCmd(a),
		newVaultListCmd(a),
		newVaultRotateCmd(a),
	)
	return cmd
}

func newVaultInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the secret store and set the master passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if store.Initialized() {
				return fmt.Errorf("%s: %w", store.Path(), vault.ErrInitialized)
			}
			pass, err := readNewPassphrase(envMasterPassword)
			if err != nil {
				return err
			}
			v, err := store.Init(pass)
			if err != nil {
				return err
			}
			v.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", store.Path())
			return nil
		},
	}
}

// unlock opens the store and derives the master key.
func (a *app) unlock() (*vault.Store, *vault.Vault, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	if !store.Initialized() {
		return nil, nil, fmt.Errorf("%s: %w; run 'vault init' first", store.Path(), vault.ErrNotInitialized)
	}
	pass, err := readPassphrase(envMasterPassword, "Master passphrase: ")
	if err != nil {
		return nil, nil, err
	}
	v, err := store.Unlock(pass)
	if err != nil {
		return nil, nil, err
	}
	return store, v, nil
}

func newVaultSetCmd(a *app) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <server> <field>",
		Short: "Encrypt and store one credential field",
		Long: "Encrypt and store one credential field. Reference it from the config with\n" +
			"  auth:\n    <field>: \"encrypted:<field>\"",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, v, err := a.unlock()
			if err != nil {
				return err
			}
			defer v.Close()
			if value == "" {
				if value, err = readPassphrase("DNS_SYNC_SECRET_VALUE", fmt.Sprintf("Value for %s/%s: ", args[0], args[1])); err != nil {
					return err
				}
			}
			if strings.TrimSpace(value) == "" {
				return errors.New("refusing to store an empty value")
			}
			if err := store.Put(v, args[0], args[1], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s/%s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value; prompted for when empty")
	return cmd
}

func newVaultRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <server> <field>",
		Short: "Delete one stored credential field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			removed, err := store.Delete(args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no secret stored for %s/%s", args[0], args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newVaultListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored credential fields without decrypting them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tFIELD\tSTORED")
			for _, ref := range store.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", ref.Server, ref.Field, ref.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newVaultRotateCmd(a *app) *cobra.Command {
	var newSalt bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Change the master passphrase and re-encrypt every secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			old, err := readPassphrase(envMasterPassword, "Current master passphrase: ")
			if err != nil {
				return err
			}
			next, err := readNewPassphrase(envNewMasterPassword)
			if err != nil {
				return err
			}
			if err := store.ChangePassphrase(old, next, newSalt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-encrypted %d secrets\n", len(store.List()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&newSalt, "new-salt", true, "derive the new key from a freshly generated salt")
	return cmd
}
