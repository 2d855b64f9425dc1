package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/postgres"
)

//go:embed schema.sql
var schema string

// PostgresLedger keeps entries in the provisioned_resources table.
type PostgresLedger struct {
	db *postgres.Client
}

func NewPostgres(db *postgres.Client) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureSchema creates the table if it does not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating ledger schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Lookup(ctx context.Context, idempotencyKey string) (*Entry, error) {
	var e Entry
	err := l.db.DB.QueryRowContext(ctx,
		`SELECT idempotency_key, tenant_key, index_id, search_app_id, batch_id, provisioned_at
		FROM provisioned_resources WHERE idempotency_key = $1`, idempotencyKey,
	).Scan(&e.IdempotencyKey, &e.TenantKey, &e.IndexID, &e.SearchAppID, &e.BatchID, &e.ProvisionedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ledger entry %s: %w", idempotencyKey, err)
	}
	return &e, nil
}

func (l *PostgresLedger) Record(ctx context.Context, entry Entry) error {
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO provisioned_resources
			(idempotency_key, tenant_key, index_id, search_app_id, batch_id, provisioned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
			entry.IdempotencyKey, entry.TenantKey, entry.IndexID, entry.SearchAppID, entry.BatchID, entry.ProvisionedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("recording ledger entry %s: %w", entry.IdempotencyKey, err)
	}
	return nil
}
