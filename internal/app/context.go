package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pmon/internal/config"
	"pmon/internal/domain"
	"pmon/internal/engine"
	"pmon/internal/repo"
	"pmon/internal/store"
)

// ResolveConfig loads the workspace config from the database, seeding the
// defaults on first use. An on-disk config file, when given, wins over the
// stored one and replaces it.
func ResolveConfig(ctx context.Context, r repo.Repo, filePath string) (*config.Config, error) {
	if filePath != "" {
		cfg, err := config.FromFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", filePath, err)
		}
		if err := r.UpsertConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := r.GetConfig(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg = config.Default()
		if err := r.UpsertConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
	}
	return cfg, nil
}

// EngineRemote adapts the engine to the store's Remote interface so a local
// session saves through the same code path a remote client would.
type EngineRemote struct {
	Engine  engine.Engine
	ActorID string
}

func (er EngineRemote) Load(ctx context.Context) (*store.Snapshot, error) {
	snap, err := er.Engine.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &store.Snapshot{
		Projects:   snap.Projects,
		Rankings:   snap.Rankings,
		Milestones: snap.Milestones,
	}, nil
}

func (er EngineRemote) AddRecord(ctx context.Context, rec *domain.Project) (*domain.Project, error) {
	return er.Engine.AddRecord(ctx, engine.RecordCreateOptions{
		Type:            rec.Type,
		Name:            rec.Name,
		Priority:        rec.Priority,
		ParentID:        rec.ParentID,
		ProcessOwnerIDs: rec.ProcessOwnerIDs,
		SystemIDs:       rec.SystemIDs,
		ToolsIDs:        rec.ToolsIDs,
		EstDelivery:     rec.EstDeliveryDate,
		ActorID:         er.ActorID,
	})
}

func (er EngineRemote) UpdateRecord(ctx context.Context, id string, updates []domain.FieldUpdate) ([]domain.FieldUpdate, error) {
	return er.Engine.UpdateRecord(ctx, id, updates, er.ActorID)
}

func (er EngineRemote) UpdateRankings(ctx context.Context, rankings []domain.Ranking) ([]domain.Ranking, error) {
	return er.Engine.UpdateRankings(ctx, rankings, er.ActorID)
}

// EngineAudit writes committed change-log entries to the event log.
type EngineAudit struct {
	Engine  engine.Engine
	ActorID string
}

func (ea EngineAudit) WriteAudit(ctx context.Context, recordID string, entries []string, actorID string) error {
	if actorID == "" {
		actorID = ea.ActorID
	}
	return ea.Engine.WriteAudit(ctx, recordID, entries, actorID)
}

// NewAPIKey mints a key for an actor and stores its hash. The plaintext
// secret is returned once and never persisted.
func NewAPIKey(ctx context.Context, r repo.Repo, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor id is required")
	}
	secret := uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// NewStore builds a session store wired to a local engine, using the
// workspace config for the save and refresh intervals.
func NewStore(e engine.Engine, actorID string) *store.Store {
	var notifier store.Notifier
	if e.Config != nil && e.Config.Notifications.AssignmentWebhook != "" {
		notifier = store.NewWebhookNotifier(e.Config.Notifications.AssignmentWebhook)
	}
	quiet := 10 * time.Second
	idle := 5 * time.Minute
	if e.Config != nil {
		if e.Config.Intervals.RankSaveQuietSeconds > 0 {
			quiet = time.Duration(e.Config.Intervals.RankSaveQuietSeconds) * time.Second
		}
		if e.Config.Intervals.IdleRefreshMinutes > 0 {
			idle = time.Duration(e.Config.Intervals.IdleRefreshMinutes) * time.Minute
		}
	}
	return store.New(store.Options{
		Remote:        EngineRemote{Engine: e, ActorID: actorID},
		Audit:         EngineAudit{Engine: e, ActorID: actorID},
		Notifier:      notifier,
		RankSaveQuiet: quiet,
		IdleRefresh:   idle,
	})
}
