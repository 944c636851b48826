package historydb

import (
	"log/slog"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blingmoon/activity-workflow/internal/config"
	"github.com/blingmoon/activity-workflow/workflow"
)

// Open 按 driver 打开数据库并创建运行历史的表
func Open(cfg config.HistoryConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, errors.Errorf("unsupported history driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s history database failed", cfg.Driver)
	}
	if err := db.AutoMigrate(workflow.HistoryModels()...); err != nil {
		return nil, errors.WithMessage(err, "migrate history tables failed")
	}
	slog.Debug("history database ready", "driver", cfg.Driver)
	return db, nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		slog.Warn("close history database failed", "error", err)
	}
}
