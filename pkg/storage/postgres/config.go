package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the connection settings of the journal.
type Config struct {
	// DSN is a libpq URL or keyword/value connection string.
	DSN string

	// Pool sizing. Zero values fall back to 10 max, 2 min, 5m lifetime.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration

	// ApplicationName shows up in pg_stat_activity. Defaults to "toolmux".
	ApplicationName string

	// MigrateOnStart applies the embedded migrations in New.
	MigrateOnStart bool
}

// poolConfig parses the DSN and applies the pool settings on top of it.
func (c Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	pc.MaxConns = orDefault(c.MaxConns, 10)
	pc.MinConns = orDefault(c.MinConns, 2)
	if pc.MinConns > pc.MaxConns {
		pc.MinConns = pc.MaxConns
	}
	pc.MaxConnLifetime = orDefault(c.MaxConnLifetime, 5*time.Minute)

	name := c.ApplicationName
	if name == "" {
		name = "toolmux"
	}
	if _, set := pc.ConnConfig.RuntimeParams["application_name"]; !set {
		pc.ConnConfig.RuntimeParams["application_name"] = name
	}
	return pc, nil
}

func orDefault[T int32 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
