package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cajapos/backend/internal/auth"
	"cajapos/backend/internal/config"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/httpapi"
	"cajapos/backend/internal/kv"
	"cajapos/backend/internal/service"
	"cajapos/backend/internal/shift"
	"cajapos/backend/internal/store"
	"cajapos/backend/internal/store/memory"
	pgstore "cajapos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		if err := bootstrapAdmin(ctx, pg, os.Getenv("SEED_ADMIN_PASSWORD")); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var shifts shift.Store = kv.NewMemory()
	if cfg.RedisAddr != "" {
		redisStore := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKeyPrefix)
		if err := redisStore.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), shifts will not survive a restart", err)
		} else {
			shifts = redisStore
			closers = append(closers, redisStore.Close)
			log.Println("shift store: redis")
		}
	} else {
		log.Println("shift store: in-memory")
	}

	authManager := auth.NewManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	svc := service.New(repo, shifts, authManager, service.RegisterSettings{
		ApplyTax:      cfg.ApplyTax,
		EmergencyMode: cfg.EmergencyMode,
	})
	if cfg.EmergencyMode {
		log.Println("emergency mode: tax-exempt lines carry no IVA")
	}
	api := httpapi.New(svc, authManager, httpapi.Options{
		AllowedOrigin:        cfg.AllowedOrigin,
		PINAttemptsPerMinute: cfg.PINAttemptsPerMinute,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

type userBootstrapper interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// bootstrapAdmin creates the first admin account on an empty user table.
// Nothing happens once any account exists.
func bootstrapAdmin(ctx context.Context, users userBootstrapper, password string) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if strings.TrimSpace(password) == "" {
		log.Println("WARNING: no accounts exist and SEED_ADMIN_PASSWORD is empty; nobody can sign in")
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := users.CreateUser(ctx, domain.UserAccount{Username: "admin", Password: hash, Role: domain.RoleAdmin, Active: true}); err != nil {
		return err
	}
	log.Println("created bootstrap admin account")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
