package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrs-federation/server/internal/auth/httpsig"
	"github.com/mrs-federation/server/internal/auth/keys"
	"github.com/mrs-federation/server/internal/storage/sqlite"
)

var (
	keygenIdentity string
	keygenKeyID    string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing keypair",
	Long: `Generate an Ed25519 keypair. Without flags the PEM pair is printed
and nothing is stored. With --identity the key is persisted and
published at /.well-known/mrs/keys/{identity}; the server's own
_server key is created automatically on first start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenIdentity == "" {
			publicPEM, privatePEM, err := httpsig.GenerateEd25519()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			fmt.Print(publicPEM)
			fmt.Print(privatePEM)
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := sqlite.MigrateUp(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo, err := sqlite.NewRepository(db)
		if err != nil {
			return err
		}

		keyID := keygenKeyID
		if keyID == "" {
			keyID = time.Now().UTC().Format("2006-01")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		key, err := keys.NewService(repo, cfg.Server.Domain).Generate(ctx, keygenIdentity, keyID)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		fmt.Printf("stored key %s for %s\n", key.KeyID, key.Owner)
		fmt.Print(key.PublicKey)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenIdentity, "identity", "", "store the key for this user@domain identity")
	keygenCmd.Flags().StringVar(&keygenKeyID, "key-id", "", "key id fragment (default: current year-month)")
}
