package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"pmon/internal/app"
	"pmon/internal/config"
	"pmon/internal/db"
	"pmon/internal/domain"
	"pmon/internal/engine"
	"pmon/internal/migrate"
	"pmon/internal/repo"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default())
}

func TestResolveConfigSeedsDefault(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	cfg, err := app.ResolveConfig(ctx, e.Repo, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Service.Name != "project-monitor" {
		t.Fatalf("name = %q", cfg.Service.Name)
	}
	// seeded into the workspace on first resolve
	stored, err := e.Repo.GetConfig(ctx)
	if err != nil {
		t.Fatalf("config not stored: %v", err)
	}
	if stored.Service.Name != cfg.Service.Name {
		t.Fatalf("stored name = %q", stored.Service.Name)
	}
}

func TestResolveConfigFileWins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := app.ResolveConfig(ctx, e.Repo, ""); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "pmon.yml")
	data := "service:\n  name: overridden\nintervals:\n  rank_save_quiet_seconds: 1\n  idle_refresh_minutes: 1\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := app.ResolveConfig(ctx, e.Repo, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Service.Name != "overridden" {
		t.Fatalf("name = %q", cfg.Service.Name)
	}
	stored, _ := e.Repo.GetConfig(ctx)
	if stored.Service.Name != "overridden" {
		t.Fatalf("file config should replace the stored one, got %q", stored.Service.Name)
	}
}

func TestEngineRemoteRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	remote := app.EngineRemote{Engine: e, ActorID: "tester"}

	created, err := remote.AddRecord(ctx, &domain.Project{Type: domain.TypeRPA, Name: "Via remote"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != "RPA-00001" {
		t.Fatalf("id = %s", created.ID)
	}

	canonical, err := remote.UpdateRecord(ctx, created.ID, []domain.FieldUpdate{
		{Field: domain.FieldName, NewValue: "Renamed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(canonical) < 2 {
		t.Fatalf("canonical = %+v", canonical)
	}

	snap, err := remote.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Projects) != 1 || snap.Projects[0].Name != "Renamed" {
		t.Fatalf("snapshot = %+v", snap.Projects)
	}
	if len(snap.Rankings) != 1 {
		t.Fatalf("rankings = %+v", snap.Rankings)
	}
}

func TestNewAPIKeyHashesSecret(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	key, secret, err := app.NewAPIKey(ctx, e.Repo, "robot", "ci")
	if err != nil {
		t.Fatal(err)
	}
	if secret == "" || key.KeyHash == secret {
		t.Fatal("plaintext secret must not be stored")
	}
	found, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		t.Fatal(err)
	}
	if found.ActorID != "robot" {
		t.Fatalf("actor = %q", found.ActorID)
	}

	if _, _, err := app.NewAPIKey(ctx, e.Repo, "", "ci"); err == nil {
		t.Fatal("empty actor should be rejected")
	}
}

func TestNewStoreUsesConfiguredIntervals(t *testing.T) {
	e := newTestEngine(t)
	s := app.NewStore(e, "tester")
	if s == nil {
		t.Fatal("store not built")
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
}
