package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/resy-sniper/internal/credentials"
	"github.com/example/resy-sniper/internal/db"
)

func openCredStore(ctx context.Context) (*db.DB, *credentials.Store, error) {
	encKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(os.Getenv("CRED_ENC_KEY")))
	if err != nil || len(encKey) != 32 {
		return nil, nil, fmt.Errorf("CRED_ENC_KEY must be 32 bytes base64 (run `resysnipe keys`)")
	}
	d, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := credentials.NewStore(d, encKey)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, store, nil
}

func newCredsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage stored platform credentials",
	}
	cmd.AddCommand(newCredsPutCmd())
	return cmd
}

func newCredsPutCmd() *cobra.Command {
	var (
		name            string
		apiKey          string
		authToken       string
		paymentMethodID int64
	)

	c := &cobra.Command{
		Use:   "put",
		Short: "Store platform credentials, encrypted at rest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("RESY_API_KEY")
			}
			if authToken == "" {
				authToken = os.Getenv("RESY_AUTH_TOKEN")
			}
			if apiKey == "" || authToken == "" {
				return fmt.Errorf("--api-key and --auth-token (or RESY_API_KEY / RESY_AUTH_TOKEN) are required")
			}

			ctx := context.Background()
			d, store, err := openCredStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			err = store.PutPlatform(ctx, name, credentials.Platform{
				APIKey:          apiKey,
				AuthToken:       authToken,
				PaymentMethodID: paymentMethodID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "stored credentials %q\n", name)
			return nil
		},
	}

	c.Flags().StringVar(&name, "name", credentials.DefaultName, "credential set name")
	c.Flags().StringVar(&apiKey, "api-key", "", "resy api key (falls back to RESY_API_KEY)")
	c.Flags().StringVar(&authToken, "auth-token", "", "resy auth token (falls back to RESY_AUTH_TOKEN)")
	c.Flags().Int64Var(&paymentMethodID, "payment-method-id", 0, "payment method id; 0 uses the account default")
	return c
}
