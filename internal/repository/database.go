package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 初始化数据库连接，并把写操作接入失效通知
func InitDB(cfg *config.DatabaseConfig, tracker *InvalidationTracker, log *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector

	if cfg.Type == "mysql" {
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		dialector = mysql.Open(dsn)
	} else {
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(SQLiteDSN(cfg.Path))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 关闭 SQL 日志
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	if err := ConfigurePool(db, cfg.Type); err != nil {
		return nil, err
	}

	if tracker != nil {
		if err := tracker.Attach(db); err != nil {
			return nil, err
		}
	}

	if err := AutoMigrate(db, log); err != nil {
		return nil, err
	}

	return db, nil
}

// SQLiteDSN 打开外键约束，级联删除依赖它
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
}

// ConfigurePool 设置连接池
// sqlite 只保留一个连接：事务即单写者，读方只会看到已提交的数据
func ConfigurePool(db *gorm.DB, dbType string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if dbType == "mysql" {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
		return nil
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return nil
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	err := db.AutoMigrate(
		&domain.PackageInfo{},
		&domain.Detection{},
		&domain.GlobalDetection{},
	)
	if err != nil {
		return err
	}

	log.Info("Database migrations completed")
	return nil
}
