package main

import (
	"context"
	"sync"
	"time"
)

// cleanInterval is how often expired data is purged.
const cleanInterval = 5 * time.Minute

// runCleaners runs all periodic background cleaning jobs for the server until
// the provided context is cancelled.
func (s *server) runCleaners(ctx context.Context) {
	// Run an initial clean when the application boots up.
	if err := s.cleanSessions(ctx); err != nil {
		s.logger.Error("error cleaning on startup", errAttr(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go s.cleanPeriodically(ctx, &wg, "sessions", cleanInterval, s.cleanSessions)

	<-ctx.Done()
	s.logger.Info("cleaners shutting down")
	wg.Wait()
	s.logger.Info("cleaners finished")
}

type cleanFunc func(context.Context) error

func (s *server) cleanPeriodically(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, f cleanFunc) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f(ctx); err != nil {
				s.logger.Error("error cleaning", "name", name, errAttr(err))
			}
		}
	}
}

func (s *server) cleanSessions(ctx context.Context) error {
	n, err := s.sessionStore.CleanExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("cleaned expired sessions", "count", n)
	}
	return nil
}
