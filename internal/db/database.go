// Package db owns the engine's persistence layer.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/pkg/models"
)

// Database wraps the GORM connection.
type Database struct {
	DB *gorm.DB

	m *metrics.Metrics
}

// Options selects the backing store. A non-empty PostgresDSN wins;
// otherwise a SQLite file is created under DataDir.
type Options struct {
	PostgresDSN string
	DataDir     string
}

// Open connects, configures the pool, and migrates the schema.
func Open(opts Options) (*Database, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		conn *gorm.DB
		err  error
	)
	if opts.PostgresDSN != "" {
		conn, err = gorm.Open(postgres.Open(opts.PostgresDSN), gormCfg)
	} else {
		if mkErr := os.MkdirAll(opts.DataDir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("creating data dir: %w", mkErr)
		}
		path := filepath.Join(opts.DataDir, "webforge.db")
		conn, err = gorm.Open(sqlite.Open(path), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	d := &Database{DB: conn, m: metrics.Get()}
	if err := d.migrate(); err != nil {
		return nil, err
	}

	logging.L().Info("database ready")
	return d, nil
}

// record counts one operation. A not-found result is an answer, not a
// failure.
func (d *Database) record(operation string, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		status = "error"
	}
	d.m.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

func (d *Database) migrate() error {
	if err := d.DB.AutoMigrate(
		&models.Project{},
		&models.PipelineRun{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Health pings the underlying connection and refreshes the pool gauge.
func (d *Database) Health(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	d.m.DBConnectionsOpen.Set(float64(sqlDB.Stats().OpenConnections))
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.DB.Transaction(fn)
}

// UpsertProject creates or updates the project record by name.
func (d *Database) UpsertProject(p *models.Project) (err error) {
	defer func() { d.record("upsert_project", err) }()

	var existing models.Project
	err = d.DB.Where("name = ?", p.Name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = d.DB.Create(p).Error
		return err
	}
	if err != nil {
		return err
	}
	// Updates skips zero fields, so an update run does not wipe the
	// site type and strategy captured at build time.
	err = d.DB.Model(&existing).Updates(p).Error
	return err
}

// SaveRun persists a pipeline run snapshot, creating the row on first save.
func (d *Database) SaveRun(r *models.PipelineRun) (err error) {
	defer func() { d.record("save_run", err) }()

	var existing models.PipelineRun
	err = d.DB.Where("run_id = ?", r.RunID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = d.DB.Create(r).Error
		return err
	}
	if err != nil {
		return err
	}
	r.ID = existing.ID
	r.CreatedAt = existing.CreatedAt
	err = d.DB.Save(r).Error
	return err
}

// GetRun loads one run by its public id.
func (d *Database) GetRun(runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := d.DB.Where("run_id = ?", runID).First(&run).Error
	d.record("get_run", err)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RunsForSession returns a session's most recent runs, newest first.
// Used to answer reconnect state queries.
func (d *Database) RunsForSession(sessionID string, limit int) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	err := d.DB.
		Where("session_id = ?", sessionID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	d.record("runs_for_session", err)
	return runs, err
}
