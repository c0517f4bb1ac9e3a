package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every embedded *.sql file in lexical order. The scripts
// are idempotent, so Migrate is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("store.Migrate: list: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("store.Migrate: read %q: %w", f, err)
		}
		// No arguments, so pgx uses the simple protocol and accepts
		// multiple statements.
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("store.Migrate: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", path.Base(f))
	}
	return nil
}
