package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP surface",
	}
	cmd.AddCommand(newAPIKeyMintCmd())
	return cmd
}

func newAPIKeyMintCmd() *cobra.Command {
	var name string

	c := &cobra.Command{
		Use:   "mint",
		Short: "Mint a new API key (shown once, only the hash is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, store, err := openCredStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			raw, err := store.MintAPIKey(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s\n", raw)
			return nil
		},
	}

	c.Flags().StringVar(&name, "name", "", "label for the key (who holds it)")
	_ = c.MarkFlagRequired("name")
	return c
}
