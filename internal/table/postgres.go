package table

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tripsy/dashboard/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgPersister is a PostgreSQL-backed Persister using pgx/v5. Rows older
// than the TTL are treated as absent.
type PgPersister struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPgPersister creates a PgPersister. A zero ttl never expires rows.
func NewPgPersister(pool *pgxpool.Pool, ttl time.Duration) *PgPersister {
	return &PgPersister{pool: pool, ttl: ttl}
}

// Load reads the stored state.
func (p *PgPersister) Load(ctx context.Context, scope, name string) (model.PersistedTableState, bool, error) {
	var (
		data      []byte
		updatedAt time.Time
	)
	err := p.pool.QueryRow(ctx, `
		SELECT state, updated_at
		FROM table_states
		WHERE scope = $1 AND name = $2`,
		scope, name,
	).Scan(&data, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PersistedTableState{}, false, nil
	}
	if err != nil {
		return model.PersistedTableState{}, false, fmt.Errorf("query table state: %w", err)
	}
	if p.ttl > 0 && time.Since(updatedAt) > p.ttl {
		return model.PersistedTableState{}, false, nil
	}

	var state model.PersistedTableState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.PersistedTableState{}, false, fmt.Errorf("unmarshal table state: %w", err)
	}
	return state, true, nil
}

// Save upserts the state.
func (p *PgPersister) Save(ctx context.Context, scope, name string, state model.PersistedTableState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal table state: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO table_states (scope, name, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope, name)
		DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		scope, name, data,
	)
	if err != nil {
		return fmt.Errorf("upsert table state: %w", err)
	}
	return nil
}

// Delete removes the stored state.
func (p *PgPersister) Delete(ctx context.Context, scope, name string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM table_states WHERE scope = $1 AND name = $2`, scope, name); err != nil {
		return fmt.Errorf("delete table state: %w", err)
	}
	return nil
}

// DeleteExpired removes rows older than the TTL and returns how many were
// removed.
func (p *PgPersister) DeleteExpired(ctx context.Context) (int64, error) {
	if p.ttl <= 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM table_states WHERE updated_at < $1`, time.Now().Add(-p.ttl))
	if err != nil {
		return 0, fmt.Errorf("delete expired table states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Driver implements Persister.
func (p *PgPersister) Driver() string { return "postgres" }

// HealthCheck pings the database.
func (p *PgPersister) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN to the scheme of the pgx/v5
// migrate driver.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}
