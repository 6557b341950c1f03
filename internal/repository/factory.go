package repository

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"pixrelay/internal/config"
	"pixrelay/internal/domain"
	"pixrelay/internal/port"
	"pixrelay/internal/repository/memory"
	"pixrelay/internal/repository/postgresql"
	"pixrelay/internal/repository/redisstore"
	"pixrelay/internal/repository/sqlite"
)

// NewReferenceStore opens the reference store selected by cfg.Type.
func NewReferenceStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (port.ReferenceStore, error) {
	switch cfg.Type {
	case config.StoreMemory:
		log.Warn().Msg("memory reference store selected: processed references will not survive a restart")
		return memory.NewReferenceRepository(), nil
	case config.StoreSQLite:
		log.Info().Str("path", cfg.Path).Msg("opening sqlite reference store")
		return sqlite.Open(ctx, cfg.Path)
	case config.StorePostgres:
		log.Info().Msg("opening postgres reference store")
		return postgresql.Open(ctx, cfg)
	case config.StoreRedis:
		log.Info().Str("keyPrefix", cfg.KeyPrefix).Msg("opening redis reference store")
		return redisstore.Open(ctx, cfg.URL, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownReferenceStore, cfg.Type)
	}
}
