// seed inserts development sample data for local testing. Run with go run ./cmd/seed.
// Idempotent: every insert skips rows that already exist. Accounts are created without
// OPAQUE records; complete registration through /opaque/register (or /admin/opaque/register).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"opaque-idp/internal/config"
	"opaque-idp/internal/db"
	userdomain "opaque-idp/internal/user/domain"
)

const (
	devUserID        = "dev-user-001"
	devUserEmail     = "dev@example.com"
	devUser2ID       = "dev-user-002"
	memberEmail      = "member@example.com"
	devAdminID       = "dev-admin-001"
	devOrgID         = "dev-org-001"
	devMembershipID  = "dev-membership-001"
	devMembership2ID = "dev-membership-002"
)

// permissions seeded with their descriptions.
var permissions = map[string]string{
	"profile.read":     "Read own profile",
	"org.read":         "Read organization details",
	"org.members.read": "List organization members",
	"org.manage":       "Manage organization settings and members",
}

// roles maps role keys to the permissions they grant.
var roles = map[string][]string{
	"org.owner":  {"profile.read", "org.read", "org.members.read", "org.manage"},
	"org.member": {"profile.read", "org.read"},
}

// platformDefaults are written only when the key is not already set.
var platformDefaults = map[string]string{
	"auth.anti_enumeration":              "true",
	"auth.admin_registration_enabled":    "true",
	"otp.require_for_admins":             "true",
	"rate_limit.auth.max_requests":       "10",
	"rate_limit.auth.window_seconds":     "60",
	"rate_limit.register.max_requests":   "5",
	"rate_limit.register.window_seconds": "3600",
	"rate_limit.otp.max_requests":        "5",
	"rate_limit.otp.window_seconds":      "300",
}

func main() {
	adminEmail := flag.String("admin-email", "admin@example.com", "Email of the provisioned owner admin")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = db.WithTx(ctx, conn, func(tx *sql.Tx) error {
		for key, value := range platformDefaults {
			if _, err := tx.ExecContext(ctx,
				`insert into platform_settings (key, value) values ($1, $2) on conflict (key) do nothing`,
				key, value); err != nil {
				return fmt.Errorf("setting %s: %w", key, err)
			}
		}
		for key, desc := range permissions {
			if _, err := tx.ExecContext(ctx,
				`insert into permissions (id, key, description) values ($1, $1, $2) on conflict do nothing`,
				key, desc); err != nil {
				return fmt.Errorf("permission %s: %w", key, err)
			}
		}
		for role, perms := range roles {
			if _, err := tx.ExecContext(ctx,
				`insert into roles (id, key) values ($1, $1) on conflict do nothing`, role); err != nil {
				return fmt.Errorf("role %s: %w", role, err)
			}
			for _, p := range perms {
				if _, err := tx.ExecContext(ctx,
					`insert into role_permissions (role_id, permission_id) values ($1, $2) on conflict do nothing`,
					role, p); err != nil {
					return fmt.Errorf("role %s permission %s: %w", role, p, err)
				}
			}
		}

		stmts := []struct {
			what string
			q    string
			args []any
		}{
			{"dev user", `insert into users (id, email, name) values ($1, $2, $3) on conflict do nothing`, []any{devUserID, devUserEmail, "Dev User"}},
			{"member user", `insert into users (id, email, name) values ($1, $2, $3) on conflict do nothing`, []any{devUser2ID, memberEmail, "Member User"}},
			{"admin", `insert into admins (id, email, name, role) values ($1, $2, $3, $4) on conflict do nothing`, []any{devAdminID, *adminEmail, "Dev Admin", userdomain.AdminRoleOwner}},
			{"org", `insert into organizations (id, name) values ($1, $2) on conflict do nothing`, []any{devOrgID, "Dev Org"}},
			{"owner membership", `insert into organization_members (id, org_id, user_id, status) values ($1, $2, $3, 'active') on conflict do nothing`, []any{devMembershipID, devOrgID, devUserID}},
			{"member membership", `insert into organization_members (id, org_id, user_id, status) values ($1, $2, $3, 'active') on conflict do nothing`, []any{devMembership2ID, devOrgID, devUser2ID}},
			{"owner role", `insert into organization_member_roles (member_id, role_id) values ($1, $2) on conflict do nothing`, []any{devMembershipID, "org.owner"}},
			{"member role", `insert into organization_member_roles (member_id, role_id) values ($1, $2) on conflict do nothing`, []any{devMembership2ID, "org.member"}},
			{"group", `insert into groups (id, key, name) values ($1, $1, $2) on conflict do nothing`, []any{"engineering", "Engineering"}},
			{"group member", `insert into user_groups (user_id, group_id) values ($1, $2) on conflict do nothing`, []any{devUserID, "engineering"}},
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.q, s.args...); err != nil {
				return fmt.Errorf("%s: %w", s.what, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("seed: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Users to register: %s, %s (org %s)\n", devUserEmail, memberEmail, devOrgID)
	fmt.Printf("Owner admin to register: %s\n", *adminEmail)
}
