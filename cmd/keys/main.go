// keys manages JWT signing keys: list, rotate, or prune retired keys.
//
//	go run ./cmd/keys list
//	go run ./cmd/keys rotate
//	go run ./cmd/keys prune
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"opaque-idp/internal/config"
	"opaque-idp/internal/db"
	"opaque-idp/internal/kek"
	"opaque-idp/internal/logging"
	signingrepo "opaque-idp/internal/signing/repository"
	signingservice "opaque-idp/internal/signing/service"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: keys list|rotate|prune")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel, "opaque-idp-keys")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	svc := signingservice.NewService(signingrepo.NewPostgresRepository(conn), kek.FromSecret(cfg.KEKSecret), signingservice.Config{
		Issuer:            cfg.JWTIssuer,
		Audience:          cfg.JWTAudience,
		AllowInsecureKeys: cfg.SigningAllowInsecureKeys,
		Retention:         cfg.KeyRetention(),
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "list":
		keys, err := svc.ListKeys(ctx)
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KID\tALG\tCREATED\tROTATED\tWRAPPED")
		for _, k := range keys {
			rotated := "-"
			if k.RotatedAt != nil {
				rotated = k.RotatedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", k.Kid, k.Algorithm, k.CreatedAt.UTC().Format(time.RFC3339), rotated, k.Wrapped)
		}
		_ = w.Flush()
	case "rotate":
		kid, err := svc.RotateKeys(ctx)
		if err != nil {
			log.Fatalf("rotate: %v", err)
		}
		fmt.Println("active key:", kid)
	case "prune":
		n, err := svc.PruneRotated(ctx)
		if err != nil {
			log.Fatalf("prune: %v", err)
		}
		fmt.Printf("pruned %d key(s)\n", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; want list, rotate or prune\n", os.Args[1])
		os.Exit(2)
	}
}
