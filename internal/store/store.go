package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pmon/internal/catalog"
	"pmon/internal/domain"
	"pmon/internal/ranking"
)

// Remote is the authoritative backend the store saves through. Local state
// is applied optimistically before each call and reconciled with the
// canonical result afterwards.
type Remote interface {
	Load(ctx context.Context) (*Snapshot, error)
	AddRecord(ctx context.Context, rec *domain.Project) (*domain.Project, error)
	UpdateRecord(ctx context.Context, id string, updates []domain.FieldUpdate) ([]domain.FieldUpdate, error)
	UpdateRankings(ctx context.Context, rankings []domain.Ranking) ([]domain.Ranking, error)
}

// AuditSink receives change-log entries after a commit. Failures are logged,
// never surfaced to the caller.
type AuditSink interface {
	WriteAudit(ctx context.Context, recordID string, entries []string, actorID string) error
}

// Notifier is told when a record's developer assignment changes.
type Notifier interface {
	AssignmentChanged(ctx context.Context, rec *domain.Project, oldIDs, newIDs []string) error
}

// Snapshot is the dataset one session works against.
type Snapshot struct {
	Projects   []*domain.Project
	Rankings   []domain.Ranking
	Milestones map[string]*domain.Milestone
}

// Options configure a Store.
type Options struct {
	Remote        Remote
	Audit         AuditSink
	Notifier      Notifier
	RankSaveQuiet time.Duration
	IdleRefresh   time.Duration
}

// Store is the session-local record cache. Mutations go through Dispatch,
// which applies updates optimistically, saves through the remote, and rolls
// back with the supplied reverts when the save fails. Ranking edits are
// batched and saved after a quiet period.
type Store struct {
	remote   Remote
	audit    AuditSink
	notifier Notifier
	quiet    time.Duration
	idle     time.Duration

	mu         sync.Mutex
	projects   map[string]*domain.Project
	rankings   []*domain.Ranking
	milestones map[string]*domain.Milestone
	lastTouch  time.Time

	rankMu    sync.Mutex
	rankTimer *time.Timer

	refresh singleflight.Group
	bg      sync.WaitGroup
}

func New(opts Options) *Store {
	if opts.RankSaveQuiet <= 0 {
		opts.RankSaveQuiet = 10 * time.Second
	}
	if opts.IdleRefresh <= 0 {
		opts.IdleRefresh = 5 * time.Minute
	}
	return &Store{
		remote:     opts.Remote,
		audit:      opts.Audit,
		notifier:   opts.Notifier,
		quiet:      opts.RankSaveQuiet,
		idle:       opts.IdleRefresh,
		projects:   make(map[string]*domain.Project),
		milestones: make(map[string]*domain.Milestone),
		lastTouch:  time.Now(),
	}
}

func (s *Store) touch() {
	s.mu.Lock()
	s.lastTouch = time.Now()
	s.mu.Unlock()
}

func (s *Store) install(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := make(map[string]*domain.Project, len(snap.Projects))
	for _, p := range snap.Projects {
		projects[p.ID] = p.Clone()
	}
	rankings := make([]*domain.Ranking, 0, len(snap.Rankings))
	for _, rk := range snap.Rankings {
		rk := rk
		rankings = append(rankings, &rk)
	}
	list := make([]*domain.Project, 0, len(projects))
	for _, p := range projects {
		list = append(list, p)
	}
	ranking.Fill(&rankings, list)
	milestones := make(map[string]*domain.Milestone, len(snap.Milestones))
	for id, m := range snap.Milestones {
		milestones[id] = m
	}
	s.projects = projects
	s.rankings = rankings
	s.milestones = milestones
	s.lastTouch = time.Now()
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (*domain.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns copies of every record, ordered by ID.
func (s *Store) List() []*domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rankings returns the current ranking set in rank order.
func (s *Store) Rankings() []domain.Ranking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ranking.Snapshot(s.rankings)
}

// Milestone returns the cached milestone for a record, if any.
func (s *Store) Milestone(id string) (*domain.Milestone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	return m, ok
}

// SetMilestone replaces the cached milestone for a record.
func (s *Store) SetMilestone(m *domain.Milestone) {
	if m == nil {
		return
	}
	s.mu.Lock()
	s.milestones[m.RefID] = m
	s.mu.Unlock()
	s.touch()
}

// Add creates a record through the remote and installs the stored result.
// New records enter Under Evaluation, so a ranking entry is appended too.
func (s *Store) Add(ctx context.Context, rec *domain.Project) (*domain.Project, error) {
	stored, err := s.remote.AddRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.projects[stored.ID] = stored.Clone()
	if stored.Status == catalog.StatusUnderEvaluation {
		ranking.ChangeRank(&s.rankings, domain.Ranking{ProjectID: stored.ID, Rank: len(s.rankings) + 1})
	}
	s.lastTouch = time.Now()
	s.mu.Unlock()
	return stored, nil
}

// Dispatch saves one record edit. The updates are applied locally first,
// then sent to the remote; the canonical result overwrites the optimistic
// state on success, the reverts restore it on failure. The record's saving
// flag is held for the duration so a second save cannot interleave.
func (s *Store) Dispatch(ctx context.Context, id string, updates, reverts []domain.FieldUpdate, changeLog []string, actorID string) error {
	if len(updates) == 0 {
		return nil
	}
	s.mu.Lock()
	rec, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("record %s is not loaded", id)
	}
	if rec.Saving {
		s.mu.Unlock()
		return errors.New("a save is already in flight for " + id)
	}
	oldStatus := rec.Status
	oldDevIDs := append([]string(nil), rec.DevIDs...)
	if err := rec.Apply(updates); err != nil {
		s.mu.Unlock()
		return err
	}
	rec.Saving = true
	s.mu.Unlock()

	canonical, err := s.remote.UpdateRecord(ctx, id, updates)

	s.mu.Lock()
	if err != nil {
		if rerr := rec.Apply(reverts); rerr != nil {
			log.Printf("store: rollback of %s failed: %v", id, rerr)
		}
		rec.Saving = false
		s.lastTouch = time.Now()
		s.mu.Unlock()
		return err
	}
	if aerr := rec.Apply(canonical); aerr != nil {
		log.Printf("store: canonical apply on %s failed: %v", id, aerr)
	}
	rec.Saving = false
	newStatus := rec.Status
	newDevIDs := append([]string(nil), rec.DevIDs...)
	notifyRec := rec.Clone()
	s.lastTouch = time.Now()
	s.mu.Unlock()

	if oldStatus == catalog.StatusUnderEvaluation && newStatus != catalog.StatusUnderEvaluation {
		s.dropRanking(id)
	}
	if newStatus == catalog.StatusUnderEvaluation && oldStatus != catalog.StatusUnderEvaluation {
		s.mu.Lock()
		ranking.ChangeRank(&s.rankings, domain.Ranking{ProjectID: id, Rank: len(s.rankings) + 1})
		s.mu.Unlock()
		s.scheduleRankSave()
	}

	if len(changeLog) > 0 && s.audit != nil {
		entries := append([]string(nil), changeLog...)
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.audit.WriteAudit(context.Background(), id, entries, actorID); err != nil {
				log.Printf("store: audit write for %s failed: %v", id, err)
			}
		}()
	}
	if s.notifier != nil && devChanged(oldDevIDs, newDevIDs) {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.notifier.AssignmentChanged(context.Background(), notifyRec, oldDevIDs, newDevIDs); err != nil {
				log.Printf("store: assignment notification for %s failed: %v", id, err)
			}
		}()
	}
	return nil
}

func devChanged(old, new []string) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if old[i] != new[i] {
			return true
		}
	}
	return false
}

// SetRank moves one project to a new rank, shifting the records in between.
// The change is saved after the quiet period elapses with no further edits.
func (s *Store) SetRank(projectID string, rank int) {
	s.mu.Lock()
	ranking.ChangeRank(&s.rankings, domain.Ranking{ProjectID: projectID, Rank: rank})
	s.lastTouch = time.Now()
	s.mu.Unlock()
	s.scheduleRankSave()
}

func (s *Store) dropRanking(projectID string) {
	s.mu.Lock()
	ranking.Remove(&s.rankings, projectID)
	s.mu.Unlock()
	s.scheduleRankSave()
}

// Wait blocks until in-flight audit and notification work has finished.
func (s *Store) Wait() {
	s.bg.Wait()
}
