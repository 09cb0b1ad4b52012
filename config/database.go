package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/utils"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

// ConnectDatabaseWithRetry blocks until the store answers a ping, then sets the global DB.
// DB_DRIVER=sqlite selects a single-node SQLite file at DB_SQLITE_PATH; MySQL is the default.
func ConnectDatabaseWithRetry() {
	driver := strings.ToLower(utils.StringFromEnv("DB_DRIVER", "mysql"))
	entry := logg.WithFields(logrus.Fields{"field": "database", "driver": driver})

	for attempt := 1; ; attempt++ {
		conn, err := openDatabase(driver)
		if err == nil {
			err = ping(conn)
		}
		if err == nil {
			tunePool(conn, driver)
			if err := conn.Use(otelgorm.NewPlugin()); err != nil {
				entry.Warn("otelgorm plugin not installed: " + err.Error())
			}
			db = conn
			entry.WithField("attempt", attempt).Info("database connected")
			return
		}
		wait := connectBackoff(attempt)
		entry.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).Warn(err.Error())
		time.Sleep(wait)
	}
}

func openDatabase(driver string) (*gorm.DB, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return OpenSQLite(os.Getenv("DB_SQLITE_PATH"))
	case "mysql":
		return gorm.Open(mysql.Open(mysqlDSN()), gormConfig())
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

func ping(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// mysqlDSN supports TCP hosts and Cloud SQL unix sockets (DB_HOST=/cloudsql/<instance>).
// The lock wait timeout bounds how long one batch commit can block on row locks.
func mysqlDSN() string {
	host := os.Getenv("DB_HOST")
	addr := "tcp(" + host + ":" + utils.StringFromEnv("DB_PORT", "3306") + ")"
	if strings.HasPrefix(host, "/cloudsql/") {
		addr = "unix(" + host + ")"
	}
	return fmt.Sprintf("%s:%s@%s/%s?parseTime=true&loc=UTC&innodb_lock_wait_timeout=%d",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), addr, os.Getenv("DB_NAME"),
		utils.IntFromEnv("DB_LOCK_WAIT_TIMEOUT_SECONDS", 10))
}

// OpenSQLite opens a single-node database. An empty path means a shared in-memory database.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	} else if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}
	return gorm.Open(gormsqlite.Open(dsn), gormConfig())
}

func tunePool(conn *gorm.DB, driver string) {
	sqlDB, err := conn.DB()
	if err != nil {
		return
	}
	if driver != "mysql" {
		// SQLite allows one writer.
		sqlDB.SetMaxOpenConns(1)
		return
	}
	sqlDB.SetMaxOpenConns(utils.IntFromEnv("DB_MAX_OPEN_CONNS", 50))
	sqlDB.SetMaxIdleConns(utils.IntFromEnv("DB_MAX_IDLE_CONNS", 25))
	sqlDB.SetConnMaxLifetime(utils.DurationFromEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute))
	sqlDB.SetConnMaxIdleTime(utils.DurationFromEnv("DB_CONN_MAX_IDLE_TIME", time.Minute))
}

func gormConfig() *gorm.Config {
	level := logger.Error
	if strings.EqualFold(os.Getenv("DB_LOG_LEVEL"), "warn") {
		level = logger.Warn
	}
	return &gorm.Config{
		Logger: logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
			LogLevel:                  level,
			SlowThreshold:             utils.DurationFromEnv("DB_SLOW_THRESHOLD", time.Second),
			IgnoreRecordNotFoundError: true,
		}),
	}
}
