package store

import (
	"fmt"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/config"
	"awg-keeper/pkg/db"
)

// Open builds the record store selected by cfg.Backend.
func Open(cfg config.Store, log zerolog.Logger) (RecordStore, error) {
	switch cfg.Backend {
	case "memory":
		log.Warn().Msg("using in-memory record store; records are lost on exit")
		return NewMemoryStore(), nil
	case "", "sqlite":
		g, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewGormStore(g), nil
	case "mysql":
		g, err := db.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return NewGormStore(g), nil
	case "bolt":
		return NewBoltStore(cfg.Path)
	case "consul":
		return NewConsulStore(cfg.ConsulAddr, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
