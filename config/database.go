package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// OpenDatabase connects to MySQL with bounded retry and returns the handle.
// Callers own the lifecycle; nothing in this package retains it.
func OpenDatabase(settings Settings, maxAttempts int) (*gorm.DB, error) {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", settings.DBHost, settings.DBPort)

	// Cloud Run + Cloud SQL: when DB_HOST is "/cloudsql/<CONNECTION_NAME>",
	// connect using the Unix domain socket provided by Cloud SQL Auth Proxy.
	if strings.HasPrefix(settings.DBHost, "/cloudsql/") {
		network = "unix"
		address = settings.DBHost
	}

	dsn := fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		settings.DBUser,
		settings.DBPassword,
		network,
		address,
		settings.DBName,
	)

	var attempt int
	for {
		attempt++
		db, err := gorm.Open(mysql.Open(dsn), gormConfig())
		if err == nil {
			tuneConnectionPool(db, settings)
			installPlugins(db)
			log.Printf("connected to database (attempt=%d)", attempt)
			return db, nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, fmt.Errorf("connect database after %d attempts: %w", attempt, err)
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func tuneConnectionPool(db *gorm.DB, settings Settings) {
	sqlDB, err := db.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if settings.DBMaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(settings.DBMaxOpenConns)
	}
	if settings.DBMaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(settings.DBMaxIdleConns)
	}
	if settings.DBConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(settings.DBConnMaxLifetime)
	}
	if settings.DBConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(settings.DBConnMaxIdleTime)
	}
}

func installPlugins(db *gorm.DB) {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Printf("db connected but failed to install otelgorm plugin: %v", err)
	}
	if err := db.Use(NewTenantGuardPlugin()); err != nil {
		log.Printf("db connected but failed to install tenant guard plugin: %v", err)
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLog(),
		NamingStrategy: namingStrategy(),
	}
}

func gormLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
}

func namingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
