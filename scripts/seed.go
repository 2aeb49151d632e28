//go:build ignore

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/database"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/lockout"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/config"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/joho/godotenv"
)

// Seeds an organization with one member per role and a resource per
// visibility, for local development.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Server.Env)
	ctx := context.Background()

	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	// Run migrations
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	plans, err := usage.NewPlans(cfg.Usage.DefaultAllotment, cfg.Usage.WarningThreshold, cfg.Usage.RolloverCron)
	if err != nil {
		log.Fatalf("invalid usage configuration: %v", err)
	}
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Expiry())
	guard := lockout.NewGuard(lockout.NewGormStore(db, cfg.Usage.StoreTimeout()), cfg.Lockout.MaxAttempts, cfg.Lockout.Duration(), logger)
	authService := auth.NewService(db, jwtService, guard, plans, logger)
	memberships := access.NewMembershipService(db, logger)

	email := envOr("ADMIN_EMAIL", "owner@example.com")
	password := envOr("ADMIN_PASSWORD", "Tollgate-Dev-1!")
	plan := envOr("SEED_PLAN", usage.PlanProfessional)

	resp, err := authService.Register(ctx, auth.RegisterInput{
		Email:    email,
		Password: password,
		Name:     envOr("ADMIN_NAME", "Owner"),
		OrgName:  "Demo Organization",
		Plan:     plan,
	})
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			fmt.Printf("Owner already exists: %s\n", email)
			return
		}
		log.Fatalf("failed to create owner: %v", err)
	}
	owner, org := resp.User, resp.Organization

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}

	for _, role := range []models.Role{models.RoleAdmin, models.RoleMember, models.RoleViewer, models.RoleBilling} {
		user := models.User{
			Email:        fmt.Sprintf("%s@%s.example.com", role, org.Slug),
			PasswordHash: hash,
			Name:         "Demo " + string(role),
			Status:       models.UserStatusActive,
		}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			log.Fatalf("failed to create %s: %v", role, err)
		}
		if _, err := memberships.Add(ctx, owner.ID, org.ID, user.Email, role); err != nil {
			log.Fatalf("failed to add %s: %v", role, err)
		}
		fmt.Printf("  %-8s %s\n", role, user.Email)
	}

	for _, v := range []models.Visibility{models.VisibilityPrivate, models.VisibilityOrganization, models.VisibilityPublic} {
		resource := models.Resource{
			OrganizationID: org.ID,
			OwnerID:        owner.ID,
			Title:          fmt.Sprintf("Sample %s document", v),
			Body:           "Seeded for local development.",
			Visibility:     v,
		}
		if err := db.WithContext(ctx).Create(&resource).Error; err != nil {
			log.Fatalf("failed to create resource: %v", err)
		}
	}

	fmt.Printf("Seeded organization %s (%s plan, %d credits)\n", org.Name, plan, plans.Allotment(plan))
	fmt.Printf("Owner: %s\n", owner.Email)
	fmt.Printf("Password for every seeded user: %s\n", password)
	fmt.Printf("Token: %s\n", resp.Token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
