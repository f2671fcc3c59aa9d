package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"soulchat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
//
// messages holds one row per message; participant_key is the sorted,
// pipe-joined participant set so a direct conversation is a pure query
// over the pair, never a stored entity. Seen-state and reactions live in
// child tables: message_seen gets set-union semantics from its primary
// key plus INSERT-IGNORE, message_reactions keeps duplicates ordered by
// its rowid.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				participant_key TEXT NOT NULL,
				sender TEXT,
				content TEXT NOT NULL,
				is_bot INTEGER NOT NULL DEFAULT 0,
				conversation_id TEXT,
				turn_kind TEXT NOT NULL DEFAULT 'text',
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS message_seen (
				message_id INTEGER NOT NULL,
				user_id TEXT NOT NULL,
				PRIMARY KEY (message_id, user_id),
				FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS message_reactions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id INTEGER NOT NULL,
				user_id TEXT NOT NULL,
				emoji TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(participant_key, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_reactions_message ON message_reactions(message_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				participant_key VARCHAR(255) NOT NULL,
				sender VARCHAR(128),
				content MEDIUMTEXT NOT NULL,
				is_bot TINYINT(1) NOT NULL DEFAULT 0,
				conversation_id VARCHAR(64),
				turn_kind VARCHAR(20) NOT NULL DEFAULT 'text',
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_pair (participant_key, created_at),
				INDEX idx_messages_conversation (conversation_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS message_seen (
				message_id BIGINT UNSIGNED NOT NULL,
				user_id VARCHAR(128) NOT NULL,
				PRIMARY KEY (message_id, user_id),
				CONSTRAINT fk_seen_message FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS message_reactions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				message_id BIGINT UNSIGNED NOT NULL,
				user_id VARCHAR(128) NOT NULL,
				emoji VARCHAR(64) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_reactions_message (message_id),
				CONSTRAINT fk_reactions_message FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
