package main

import (
	"context"
	"fmt"

	"github.com/Jorewin/planning-poker/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Services is what the HTTP layer serves, plus whatever must be released on
// shutdown.
type Services struct {
	Store store.Store
	close func()
}

func (s *Services) Close() {
	if s.close != nil {
		s.close()
	}
}

func setupServices(ctx context.Context, config Config) (*Services, error) {
	switch config.Backend {
	case backendPostgres:
		pool, err := setupDatabase(ctx, config.Database)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		log.Info().Msg("using postgres session store")
		return &Services{Store: pg, close: pool.Close}, nil
	default:
		log.Info().Msg("using in-memory session store")
		return &Services{Store: store.NewMemoryStore()}, nil
	}
}
