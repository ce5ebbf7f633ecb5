package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"remind/internal/jobs"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		// surface unique violations as gorm.ErrDuplicatedKey
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&jobs.Session{},
		&jobs.Job{},
	); err != nil {
		return err
	}

	stmts := []string{
		// one active job per (session, kind, channel)
		`create unique index if not exists uq_reminder_jobs_active_slot
		 on reminder_jobs(session_id, kind, channel)
		 where status in ('pending', 'attempting');`,
		`create index if not exists idx_reminder_jobs_due on reminder_jobs(status, next_attempt_at, scheduled_for);`,
		`create index if not exists idx_reminder_jobs_lock on reminder_jobs(status, locked_at);`,
		`create index if not exists idx_reminder_jobs_session_sched on reminder_jobs(session_id, scheduled_for);`,
		`create index if not exists idx_reminder_jobs_terminal on reminder_jobs(status, updated_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
