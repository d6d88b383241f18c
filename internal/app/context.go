// Package app wires a workspace together: config file, database, and
// engine, resolved from a workspace root.
package app

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

const ConfigFileName = "storyline.yml"

type App struct {
	Root   string
	Cfg    config.Config
	DB     *sql.DB
	Engine *engine.Engine
}

// FindRoot walks up from dir looking for a storyline.yml or an existing
// .storyline directory. Falls back to dir itself.
func FindRoot(dir string) string {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	for {
		if _, err := os.Stat(filepath.Join(cur, ConfigFileName)); err == nil {
			return cur
		}
		if fi, err := os.Stat(filepath.Join(cur, ".storyline")); err == nil && fi.IsDir() {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

// Load opens the workspace at root: loads (or defaults) the config,
// opens the database, and applies pending migrations.
func Load(root string) (*App, error) {
	cfg, err := config.FromFile(filepath.Join(root, ConfigFileName))
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.DefaultPath(root))
	if err != nil {
		return nil, err
	}
	if err := migrate.Up(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// Mirror the effective config into the DB so API consumers can read
	// it without the workspace file.
	if raw, err := cfg.YAML(); err == nil {
		eng.Repo.SaveDomainConfig(conn, cfg.Domain, string(raw), repo.NowRFC3339(eng.Now()))
	}
	return &App{Root: root, Cfg: cfg, DB: conn, Engine: eng}, nil
}

func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

// Init seeds a fresh workspace: writes the default config template and
// creates the database.
func Init(root string) error {
	if err := config.WriteDefault(filepath.Join(root, ConfigFileName)); err != nil {
		return err
	}
	conn, err := db.Open(db.DefaultPath(root))
	if err != nil {
		return err
	}
	defer conn.Close()
	return migrate.Up(conn)
}
