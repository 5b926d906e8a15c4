// internal/helper/schema.go
package helper

import (
	"database/sql"
	"fmt"
)

// InitCustomSchema creates the session record table when it does not exist.
func InitCustomSchema(db *sql.DB, driver string) error {
	var statements []string

	switch driver {
	case "mysql":
		statements = []string{`
        CREATE TABLE IF NOT EXISTS wa_sessions (
            id            BIGINT AUTO_INCREMENT PRIMARY KEY,
            session_id    VARCHAR(64)  NOT NULL UNIQUE,
            owner_id      VARCHAR(255) NOT NULL,
            display_name  VARCHAR(255) NOT NULL DEFAULT '',
            status        VARCHAR(32)  NOT NULL DEFAULT 'pending',
            phone_number  VARCHAR(50),
            qr_payload    TEXT,
            created_at    DATETIME(6)  NOT NULL,
            updated_at    DATETIME(6)  NOT NULL,
            INDEX idx_wa_sessions_owner (owner_id),
            INDEX idx_wa_sessions_status (status, updated_at)
        )`}
	default:
		statements = []string{`
        CREATE TABLE IF NOT EXISTS wa_sessions (
            id            SERIAL PRIMARY KEY,
            session_id    VARCHAR(64)  UNIQUE NOT NULL,
            owner_id      VARCHAR(255) NOT NULL,
            display_name  VARCHAR(255) NOT NULL DEFAULT '',
            status        VARCHAR(32)  NOT NULL DEFAULT 'pending',
            phone_number  VARCHAR(50),
            qr_payload    TEXT,
            created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
            updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
        )`,
			`CREATE INDEX IF NOT EXISTS idx_wa_sessions_owner ON wa_sessions(owner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_wa_sessions_status ON wa_sessions(status, updated_at)`,
		}
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}
