package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// DriverFor picks the sql driver for an app database URL. mysql:// URLs are
// converted to the go-sql-driver DSN form (user:pass@tcp(host:port)/db).
func DriverFor(url string) (driver, dsn string) {
	if strings.HasPrefix(url, "mysql://") {
		dsn = strings.TrimPrefix(url, "mysql://")
		if !strings.Contains(dsn, "parseTime=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "parseTime=true"
		}
		return "mysql", dsn
	}
	return "postgres", url
}

// OpenAppDB opens and pings the session record database.
func OpenAppDB(ctx context.Context, url string) (*sql.DB, string, error) {
	if url == "" {
		return nil, "", errors.New("APP_DATABASE_URL is not set")
	}
	driver, dsn := DriverFor(url)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open app db (%s): %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping app db (%s): %w", driver, err)
	}
	return db, driver, nil
}
