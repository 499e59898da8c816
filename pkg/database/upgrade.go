package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

type upgrade struct {
	description string
	statements  []string
}

// upgrades are applied in order, the schema version is the number of applied upgrades
var upgrades = []upgrade{
	{
		description: "Initial revision",
		statements: []string{
			`CREATE TABLE "user" (
				id          VARCHAR(255) PRIMARY KEY,
				login_token VARCHAR(255) NOT NULL
			)`,
			`CREATE TABLE appservice (
				id       UUID         PRIMARY KEY,
				owner    VARCHAR(255) NOT NULL REFERENCES "user"(id) ON DELETE CASCADE,
				prefix   VARCHAR(32)  NOT NULL,
				bot      VARCHAR(32)  NOT NULL,
				address  VARCHAR(255) NOT NULL,
				hs_token VARCHAR(255) NOT NULL,
				as_token VARCHAR(255) NOT NULL,
				UNIQUE (owner, prefix)
			)`,
			`CREATE TABLE room (
				id    VARCHAR(255) PRIMARY KEY,
				owner UUID         REFERENCES appservice(id) ON DELETE CASCADE
			)`,
		},
	},
	{
		description: "Add API token to user table",
		statements: []string{
			`ALTER TABLE "user" ADD COLUMN api_token VARCHAR(255)`,
			`UPDATE "user" SET api_token=md5(random()::text) || md5(random()::text) WHERE api_token IS NULL`,
			`ALTER TABLE "user" ALTER COLUMN api_token SET NOT NULL`,
			`CREATE UNIQUE INDEX user_api_token_idx ON "user"(api_token)`,
		},
	},
	{
		description: "Add push flag to appservice table",
		statements: []string{
			`ALTER TABLE appservice ADD COLUMN push BOOLEAN NOT NULL DEFAULT true`,
		},
	},
	{
		description: "Add manager URL to user table",
		statements: []string{
			`ALTER TABLE "user" ADD COLUMN manager_url VARCHAR(255)`,
		},
	},
	{
		description: "Add config password columns to appservice table",
		statements: []string{
			`ALTER TABLE appservice ADD COLUMN config_password_hash bytea`,
			`ALTER TABLE appservice ADD COLUMN config_password_expiry BIGINT`,
		},
	},
	{
		description: "Add deleted column for rooms",
		statements: []string{
			`ALTER TABLE room ADD COLUMN deleted BOOLEAN NOT NULL DEFAULT false`,
		},
	},
	{
		description: "Add push_key column for appservices",
		statements: []string{
			`ALTER TABLE appservice ADD COLUMN push_key jsonb`,
		},
	},
}

// LatestVersion is the schema version after all upgrades are applied
var LatestVersion = len(upgrades)

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS version (version INTEGER)`); err != nil {
		return 0, fmt.Errorf("failed to create version table: %w", err)
	}
	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, insertErr := db.ExecContext(ctx, `INSERT INTO version (version) VALUES (0)`); insertErr != nil {
			return 0, fmt.Errorf("failed to initialize version table: %w", insertErr)
		}
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Upgrade brings the schema to LatestVersion, running each upgrade in its own transaction
func Upgrade(ctx context.Context, db *sql.DB) error {
	version, versionErr := currentVersion(ctx, db)
	if versionErr != nil {
		return versionErr
	}
	if version > LatestVersion {
		return fmt.Errorf("unsupported database schema version v%d (latest known is v%d)", version, LatestVersion)
	}
	for i := version; i < LatestVersion; i++ {
		target := i + 1
		logrus.Infof("Upgrading database to v%d: %s", target, upgrades[i].description)
		if err := applyUpgrade(ctx, db, upgrades[i], target); err != nil {
			return fmt.Errorf("failed to upgrade database to v%d: %w", target, err)
		}
	}
	return nil
}

func applyUpgrade(ctx context.Context, db *sql.DB, up upgrade, target int) error {
	tx, beginErr := db.BeginTx(ctx, nil)
	if beginErr != nil {
		return beginErr
	}
	for _, statement := range up.statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE version SET version=$1`, target); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
