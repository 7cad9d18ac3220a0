package db

import (
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// DSN builds a MySQL DSN with parseTime enabled and times read back as UTC.
func DSN(user, password, host string, port int, database string) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// Connect opens a GORM connection for the given driver.
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases shared across goroutines.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
