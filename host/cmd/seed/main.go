// Package main implements a one-shot seed command that provisions the two
// credentials a fresh OrbitMesh host needs before anything can talk to it: a
// bootstrap token nodes present on first registration, and an
// admin-scoped API token for the dashboard/CLI to authenticate with. It
// lives inside the host module so it can reach host/internal/* packages
// directly.
//
// Usage (from the repo root):
//
//	go run ./host/cmd/seed --auto-approve
//
// Environment variables:
//
//	ORBITMESH_DB_DRIVER  sqlite or postgres (default: sqlite)
//	ORBITMESH_DB_DSN     DSN or file path (default: ./orbitmesh.db)
//	ORBITMESH_DATA_DIR   directory holding the API token signing key (default: ./data)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/db"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	autoApprove := flag.Bool("auto-approve", false, "Bootstrap token auto-approves node enrollment")
	tokenName := flag.String("token-name", "seed-admin", "Display name for the admin API token")
	regenerate := flag.Bool("regenerate", false, "Replace an existing bootstrap token instead of reusing it")
	flag.Parse()

	// ─── Config ───────────────────────────────────────────────────────────────

	dsn := envOrDefault("ORBITMESH_DB_DSN", "./orbitmesh.db")
	driver := envOrDefault("ORBITMESH_DB_DRIVER", "sqlite")
	dataDir := envOrDefault("ORBITMESH_DATA_DIR", "./data")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	gormDB, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()

	// ─── Bootstrap token ──────────────────────────────────────────────────────

	bootstrapRepo := repositories.NewBootstrapTokenRepository(gormDB)

	existing, err := bootstrapRepo.Get(ctx)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("load bootstrap token: %w", err)
	}

	if existing != nil && existing.Hash != "" && !*regenerate {
		fmt.Println("! Bootstrap token already provisioned — pass --regenerate to replace it")
	} else {
		bootstrapSecret, err := auth.GenerateSecret()
		if err != nil {
			return fmt.Errorf("generate bootstrap secret: %w", err)
		}
		hash, err := auth.HashSecret(bootstrapSecret)
		if err != nil {
			return fmt.Errorf("hash bootstrap secret: %w", err)
		}

		if err := bootstrapRepo.Upsert(ctx, &domain.BootstrapToken{
			Hash:        hash,
			IsEnabled:   true,
			AutoApprove: *autoApprove,
		}); err != nil {
			return fmt.Errorf("save bootstrap token: %w", err)
		}

		fmt.Printf("✓ Bootstrap token created (auto-approve: %v)\n", *autoApprove)
		fmt.Printf("  Token: %s\n", bootstrapSecret)
		fmt.Println("  Present this as AgentInfo.Metadata[\"bootstrapToken\"] on node registration.")
	}

	// ─── Admin API token ──────────────────────────────────────────────────────

	apiTokenRepo := repositories.NewApiTokenRepository(gormDB)
	tokenMgr, err := auth.NewTokenManager(apiTokenRepo, dataDir, "orbitmesh-host")
	if err != nil {
		return fmt.Errorf("init token manager: %w", err)
	}

	_, rawToken, err := tokenMgr.IssueToken(ctx, *tokenName, []string{"admin"})
	if err != nil {
		return fmt.Errorf("issue admin token: %w", err)
	}

	fmt.Printf("✓ Admin API token issued (%q)\n", *tokenName)
	fmt.Printf("  Token: %s\n", rawToken)
	fmt.Println("  Present this as \"Authorization: Bearer <token>\" against /api.")

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
