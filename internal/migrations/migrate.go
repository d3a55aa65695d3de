package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	pg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var files embed.FS

const migrationsTable = "schema_migrations_migrate"

// RunMigrations applies the embedded migrations using the postgres driver.
// If the schema already exists (queue_entries table present) but migrate's
// metadata table is missing, the DB is baselined to the latest version first.
func RunMigrations(databaseURL string, log *zap.Logger) error {
	if databaseURL == "" {
		return fmt.Errorf("database URL is empty")
	}

	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open DB: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pg.WithInstance(sqlDB, &pg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	src, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	var schemaExists bool
	row := sqlDB.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name='queue_entries')")
	if err := row.Scan(&schemaExists); err == nil && schemaExists {
		var metaExists bool
		row2 := sqlDB.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", migrationsTable)
		if err := row2.Scan(&metaExists); err == nil && !metaExists {
			if latest := latestVersion(files, "sql"); latest > 0 {
				log.Info("migrate_baseline", zap.Int64("version", latest))
				if ferr := m.Force(int(latest)); ferr != nil {
					log.Warn("migrate_baseline_failed", zap.Int64("version", latest), zap.Error(ferr))
				}
			}
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	log.Info("migrate_done")
	return nil
}

var versionPrefix = regexp.MustCompile(`^0*([0-9]+)_`)

// latestVersion returns the highest numeric prefix (e.g. 000001_) among the
// migration files in dir.
func latestVersion(fsys fs.FS, dir string) int64 {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 0
	}

	var max int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := versionPrefix.FindStringSubmatch(e.Name())
		if len(m) < 2 {
			continue
		}
		v, _ := strconv.ParseInt(m[1], 10, 64)
		if v > max {
			max = v
		}
	}
	return max
}
