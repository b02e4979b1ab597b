package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate CRED_ENC_KEY, HANDLE_HASH_KEY and HANDLE_BLOCK_KEY values (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := []string{"CRED_ENC_KEY", "HANDLE_HASH_KEY", "HANDLE_BLOCK_KEY"}
			for _, name := range names {
				key := make([]byte, 32)
				if _, err := rand.Read(key); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "export %s=%s\n", name, base64.StdEncoding.EncodeToString(key))
			}
			return nil
		},
	}
}
