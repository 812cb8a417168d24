package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order at boot.  Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id             CHAR(36)     NOT NULL PRIMARY KEY,
	phone_number   VARCHAR(32)  NOT NULL,
	first_name     VARCHAR(100) NULL,
	last_name      VARCHAR(100) NULL,
	role           ENUM('user','admin') NOT NULL DEFAULT 'user',
	is_blocked     BOOLEAN      NOT NULL DEFAULT FALSE,
	login_attempts INT UNSIGNED NOT NULL DEFAULT 0,
	lock_until     DATETIME     NULL,
	last_activity  DATETIME     NOT NULL,
	created_at     DATETIME     NOT NULL,
	updated_at     DATETIME     NOT NULL,
	UNIQUE KEY uq_users_phone (phone_number)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS user_refresh_tokens (
	id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	user_id    CHAR(36) NOT NULL,
	token_hash CHAR(64) NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY uq_refresh_hash (token_hash),
	KEY idx_refresh_user (user_id),
	KEY idx_refresh_expires (expires_at),
	CONSTRAINT fk_refresh_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables the service needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
