package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(UpPaymentOrders, DownPaymentOrders)
}

func UpPaymentOrders(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE payment_orders
(
    id           UUID PRIMARY KEY,
    user_id      UUID        NOT NULL,
    memorial_id  UUID        NOT NULL,
    service      VARCHAR(32) NOT NULL,
    amount_cents BIGINT      NOT NULL CHECK (amount_cents > 0),
    state        VARCHAR(16) NOT NULL DEFAULT 'PENDING',
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    version      BIGINT      NOT NULL DEFAULT 1
);`)
	if err != nil {
		return err
	}

	// Only pending rows are ever scanned by the reconciler.
	_, err = tx.ExecContext(ctx, `CREATE INDEX payment_orders_pending_expires_idx
    ON payment_orders (expires_at, id) WHERE state = 'PENDING';`)
	return err
}

func DownPaymentOrders(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "DROP TABLE payment_orders;")
	return err
}
