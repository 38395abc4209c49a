package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect selects the DDL flavour.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// The claim index is what keeps a slot from ever holding two OFFERED/BOOKED
// reservations, whatever the interleaving of writers.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS reservations (
		id                 CHAR(36)     NOT NULL PRIMARY KEY,
		restaurant_id      VARCHAR(64)  NOT NULL,
		slot_time          DATETIME(6)  NOT NULL,
		slot_bucket        VARCHAR(64)  NOT NULL DEFAULT '',
		slot_key           VARCHAR(191) NOT NULL,
		party_size         INT          NOT NULL,
		user_id            VARCHAR(64)  NOT NULL,
		holder_user_id     VARCHAR(64)  NULL,
		status             VARCHAR(16)  NOT NULL,
		waitlist_position  BIGINT       NOT NULL,
		offer_deadline     DATETIME(6)  NULL,
		order_id           VARCHAR(64)  NULL,
		payment_id         VARCHAR(128) NULL,
		price_cents        BIGINT       NOT NULL DEFAULT 0,
		placeholder_charge TINYINT(1)   NOT NULL DEFAULT 0,
		created_at         DATETIME(6)  NOT NULL,
		updated_at         DATETIME(6)  NOT NULL,
		claim_key          VARCHAR(191) GENERATED ALWAYS AS (IF(status IN ('OFFERED','BOOKED'), slot_key, NULL)) STORED,
		UNIQUE KEY uq_reservations_claim (claim_key),
		UNIQUE KEY uq_reservations_waitlist (slot_key, waitlist_position),
		KEY idx_reservations_user (user_id, created_at),
		KEY idx_reservations_offer (status, offer_deadline)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		op_key          VARCHAR(191)  NOT NULL PRIMARY KEY,
		status          VARCHAR(16)   NOT NULL,
		attempt         INT           NOT NULL,
		unknown_outcome TINYINT(1)    NOT NULL DEFAULT 0,
		outcome         MEDIUMBLOB    NULL,
		last_error      VARCHAR(1024) NOT NULL DEFAULT '',
		created_at      DATETIME(6)   NOT NULL,
		updated_at      DATETIME(6)   NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS compensations (
		id             CHAR(36)      NOT NULL PRIMARY KEY,
		saga_key       VARCHAR(191)  NOT NULL,
		attempt        INT           NOT NULL,
		reservation_id CHAR(36)      NOT NULL,
		action         VARCHAR(32)   NOT NULL,
		status         VARCHAR(16)   NOT NULL,
		payment_id     VARCHAR(128)  NOT NULL DEFAULT '',
		payment_key    VARCHAR(191)  NOT NULL DEFAULT '',
		order_id       VARCHAR(64)   NOT NULL DEFAULT '',
		order_key      VARCHAR(191)  NOT NULL DEFAULT '',
		order_type     VARCHAR(64)   NOT NULL DEFAULT '',
		amount_cents   BIGINT        NOT NULL DEFAULT 0,
		attempts       INT           NOT NULL DEFAULT 0,
		last_error     VARCHAR(1024) NOT NULL DEFAULT '',
		created_at     DATETIME(6)   NOT NULL,
		updated_at     DATETIME(6)   NOT NULL,
		UNIQUE KEY uq_compensations_step (saga_key, attempt, action),
		KEY idx_compensations_status (status, updated_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS reservations (
		id                 TEXT     NOT NULL PRIMARY KEY,
		restaurant_id      TEXT     NOT NULL,
		slot_time          DATETIME NOT NULL,
		slot_bucket        TEXT     NOT NULL DEFAULT '',
		slot_key           TEXT     NOT NULL,
		party_size         INTEGER  NOT NULL,
		user_id            TEXT     NOT NULL,
		holder_user_id     TEXT     NULL,
		status             TEXT     NOT NULL,
		waitlist_position  INTEGER  NOT NULL,
		offer_deadline     DATETIME NULL,
		order_id           TEXT     NULL,
		payment_id         TEXT     NULL,
		price_cents        INTEGER  NOT NULL DEFAULT 0,
		placeholder_charge BOOLEAN  NOT NULL DEFAULT 0,
		created_at         DATETIME NOT NULL,
		updated_at         DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_reservations_claim ON reservations (slot_key) WHERE status IN ('OFFERED','BOOKED')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_reservations_waitlist ON reservations (slot_key, waitlist_position)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_offer ON reservations (status, offer_deadline)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		op_key          TEXT     NOT NULL PRIMARY KEY,
		status          TEXT     NOT NULL,
		attempt         INTEGER  NOT NULL,
		unknown_outcome BOOLEAN  NOT NULL DEFAULT 0,
		outcome         BLOB     NULL,
		last_error      TEXT     NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compensations (
		id             TEXT     NOT NULL PRIMARY KEY,
		saga_key       TEXT     NOT NULL,
		attempt        INTEGER  NOT NULL,
		reservation_id TEXT     NOT NULL,
		action         TEXT     NOT NULL,
		status         TEXT     NOT NULL,
		payment_id     TEXT     NOT NULL DEFAULT '',
		payment_key    TEXT     NOT NULL DEFAULT '',
		order_id       TEXT     NOT NULL DEFAULT '',
		order_key      TEXT     NOT NULL DEFAULT '',
		order_type     TEXT     NOT NULL DEFAULT '',
		amount_cents   INTEGER  NOT NULL DEFAULT 0,
		attempts       INTEGER  NOT NULL DEFAULT 0,
		last_error     TEXT     NOT NULL DEFAULT '',
		created_at     DATETIME NOT NULL,
		updated_at     DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_compensations_step ON compensations (saga_key, attempt, action)`,
	`CREATE INDEX IF NOT EXISTS idx_compensations_status ON compensations (status, updated_at)`,
}

// Migrate creates the tables used by the service.  Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts := mysqlSchema
	if d == SQLite {
		stmts = sqliteSchema
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s statement %d: %w", d, i, err)
		}
	}
	return nil
}
