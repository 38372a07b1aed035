// Command seed bootstraps a development database: the schema, one admin
// account, one API key pair, and a handful of sample statements stored
// through the regular write pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kimsama/lrsql/internal/config"
	"github.com/kimsama/lrsql/internal/logging"
	"github.com/kimsama/lrsql/internal/lrs"
	"github.com/kimsama/lrsql/internal/security"
	"github.com/kimsama/lrsql/internal/storage"
)

const (
	seedUsername = "admin"
	seedPassword = "changeme-dev-only"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: env must be 'dev' or 'test' (got %q)", cfg.App.Env)
	}

	logger := logging.New(cfg.App.LogLevel, "lrsql-seed", cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := storage.New(pool)
	if err := store.ApplySchema(ctx); err != nil {
		log.Fatalf("schema bootstrap failed: %v", err)
	}

	service := lrs.NewService(store, nil, logger, nil, lrs.Config{
		URLPrefix:         cfg.LRS.URLPrefix,
		DefaultPageSize:   cfg.LRS.DefaultPageSize,
		MaxPageSize:       cfg.LRS.MaxPageSize,
		AuthorityName:     cfg.LRS.AuthorityName,
		AuthorityHomePage: cfg.LRS.AuthorityHomePage,
		Argon: security.Argon2Params{
			Memory:      cfg.Argon2.Memory,
			Iterations:  cfg.Argon2.Iterations,
			Parallelism: cfg.Argon2.Parallelism,
			SaltLength:  cfg.Argon2.SaltLength,
			KeyLength:   cfg.Argon2.KeyLength,
		},
	})

	acct, err := service.CreateAccount(ctx, seedUsername, seedPassword)
	if err != nil {
		if !errors.Is(err, storage.ErrAccountExists) {
			log.Fatalf("create admin account failed: %v", err)
		}
		acct, err = service.VerifyLogin(ctx, seedUsername, seedPassword)
		if err != nil {
			log.Fatalf("seed account exists but login failed: %v", err)
		}
		logger.Info("admin account already present", "username", seedUsername)
	}

	cred, err := service.CreateAPIKeys(ctx, acct.ID, "seed credential", nil)
	if err != nil {
		log.Fatalf("create api keys failed: %v", err)
	}

	authz, err := service.Authenticate(ctx, cred.APIKey, cred.SecretKey)
	if err != nil {
		log.Fatalf("authenticate seeded credential failed: %v", err)
	}

	ids, err := service.StoreStatements(ctx, lrs.StoreStatementsInput{
		Statements:    sampleStatements(),
		Authorization: authz,
	})
	if err != nil {
		log.Fatalf("seed statements failed: %v", err)
	}

	logger.Info("seed complete", "account_id", acct.ID, "statements", len(ids))
	fmt.Fprintf(os.Stdout, "admin username: %s\nadmin password: %s\napi key: %s\nsecret key: %s\n",
		seedUsername, seedPassword, cred.APIKey, cred.SecretKey)
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
