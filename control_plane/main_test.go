package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/store"
)

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	cfg := config.Auth{BootstrapAdminEmail: "root@example.com", BootstrapAdminPassword: "Bootstrap1"}

	for i := 0; i < 2; i++ {
		if err := seed(ctx, s, cfg, zerolog.Nop()); err != nil {
			t.Fatalf("seed #%d: %v", i, err)
		}
	}

	u, err := s.GetUserByEmail(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.Role != store.RoleAdmin || !u.IsActive {
		t.Fatalf("unexpected admin %+v", u)
	}
	if !auth.CheckPassword(u.PasswordHash, "Bootstrap1") {
		t.Fatal("password hash does not match")
	}
	users, _ := s.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("users = %d, want 1", len(users))
	}

	list, err := s.ListAutomatedRules(ctx)
	if err != nil {
		t.Fatalf("ListAutomatedRules: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("automated rules = %d, want 1", len(list))
	}
}

func TestSeedWithoutAdmin(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := seed(ctx, s, config.Auth{}, zerolog.Nop()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	users, _ := s.ListUsers(ctx)
	if len(users) != 0 {
		t.Fatalf("users = %d, want 0", len(users))
	}
}
