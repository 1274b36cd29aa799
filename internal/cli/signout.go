package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/courier/internal/auth"
	"github.com/vietddude/courier/internal/core/config"
	redisclient "github.com/vietddude/courier/internal/infra/redis"
	"github.com/vietddude/courier/internal/infra/storage"
	"github.com/vietddude/courier/internal/infra/storage/memory"
)

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Revoke the stored partner session and clear it",
	Run:   runSignout,
}

func init() {
	rootCmd.AddCommand(signoutCmd)
}

func runSignout(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var sessions storage.SessionRepository
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = client.Close()
		}()
		sessions = redisclient.NewSessionRepo(client, cfg.Upstream.Name)
	} else {
		// Nothing persisted; revoke whatever the bootstrap token yields.
		sessions = memory.NewSessionRepo(memory.NewMemoryStorage())
	}

	tokens := auth.NewManager(auth.Config{
		TokenURL:     cfg.Auth.TokenURL,
		RevokeURL:    cfg.Auth.RevokeURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RefreshToken: cfg.Auth.RefreshToken,
	}, sessions)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tokens.SignOut(ctx); err != nil {
		slog.Error("Failed to sign out", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully signed out of %s\n", cfg.Upstream.Name)
}
