package store

import (
	"context"
	"log"
	"time"

	"pmon/internal/ranking"
)

// Refresh reloads the snapshot from the remote. Concurrent callers share one
// load; every caller sees the same result.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.refresh.Do("refresh", func() (any, error) {
		snap, err := s.remote.Load(ctx)
		if err != nil {
			return nil, err
		}
		s.install(snap)
		return nil, nil
	})
	return err
}

// scheduleRankSave arms the quiet-period timer. Each ranking edit pushes the
// save out again, so a burst of drags results in a single write.
func (s *Store) scheduleRankSave() {
	s.rankMu.Lock()
	defer s.rankMu.Unlock()
	if s.rankTimer == nil {
		s.rankTimer = time.AfterFunc(s.quiet, func() {
			if err := s.saveRankings(context.Background()); err != nil {
				log.Printf("store: ranking save failed: %v", err)
			}
		})
		return
	}
	s.rankTimer.Reset(s.quiet)
}

// FlushRankings cancels the pending timer and saves immediately.
func (s *Store) FlushRankings(ctx context.Context) error {
	s.rankMu.Lock()
	if s.rankTimer != nil {
		s.rankTimer.Stop()
		s.rankTimer = nil
	}
	s.rankMu.Unlock()
	return s.saveRankings(ctx)
}

func (s *Store) saveRankings(ctx context.Context) error {
	s.mu.Lock()
	snapshot := ranking.Snapshot(s.rankings)
	s.mu.Unlock()
	canonical, err := s.remote.UpdateRankings(ctx, snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rankings = s.rankings[:0]
	for _, rk := range canonical {
		rk := rk
		s.rankings = append(s.rankings, &rk)
	}
	s.mu.Unlock()
	return nil
}

// RunIdleRefresh reloads the snapshot whenever the store has seen no
// activity for the idle interval. It returns when ctx is cancelled.
func (s *Store) RunIdleRefresh(ctx context.Context) {
	ticker := time.NewTicker(s.idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		stale := time.Since(s.lastTouch) >= s.idle
		s.mu.Unlock()
		if !stale {
			continue
		}
		if err := s.Refresh(ctx); err != nil {
			log.Printf("store: idle refresh failed: %v", err)
			continue
		}
	}
}
