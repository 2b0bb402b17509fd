package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// windowQueryLimit caps the number of rows any analytics pass scans.
const windowQueryLimit = 5000

// TransactionRepository handles normalized transaction persistence.
type TransactionRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sqlx.DB, logger *zap.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertBatch writes drafts under the (tenant, source_provider, source_txn_id)
// uniqueness rule. Re-ingested provider events overwrite in place, last write
// wins. Returns the number of rows written.
func (r *TransactionRepository) UpsertBatch(ctx context.Context, tenantID uuid.UUID, drafts []entities.TransactionDraft) (int, error) {
	if len(drafts) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO normalized_transactions
			(id, tenant_id, source_provider, source_txn_id, merchant_id,
			 card_fingerprint_token, amount, currency, approved, decline_code,
			 avs_result, cvv_result, mcc, country, region, channel,
			 occurred_at, settled_at, payment_method, raw_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, now(), now())
		ON CONFLICT (tenant_id, source_provider, source_txn_id) DO UPDATE SET
			merchant_id = EXCLUDED.merchant_id,
			card_fingerprint_token = EXCLUDED.card_fingerprint_token,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			approved = EXCLUDED.approved,
			decline_code = EXCLUDED.decline_code,
			avs_result = EXCLUDED.avs_result,
			cvv_result = EXCLUDED.cvv_result,
			mcc = EXCLUDED.mcc,
			country = EXCLUDED.country,
			region = EXCLUDED.region,
			channel = EXCLUDED.channel,
			occurred_at = EXCLUDED.occurred_at,
			settled_at = EXCLUDED.settled_at,
			payment_method = EXCLUDED.payment_method,
			raw_ref = EXCLUDED.raw_ref,
			updated_at = now()
	`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for i := range drafts {
		d := &drafts[i]
		if _, err := stmt.ExecContext(ctx,
			uuid.New(),
			tenantID,
			d.SourceProvider,
			d.SourceTxnID,
			d.MerchantID,
			d.CardFingerprintToken,
			d.Amount,
			d.Currency,
			d.Approved,
			d.DeclineCode,
			d.AVSResult,
			d.CVVResult,
			d.MCC,
			d.Country,
			d.Region,
			d.Channel,
			d.OccurredAt,
			d.SettledAt,
			d.PaymentMethod,
			d.RawRef,
		); err != nil {
			r.logger.Error("failed to upsert transaction",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
				zap.String("source_txn_id", d.SourceTxnID),
			)
			return 0, fmt.Errorf("failed to upsert transaction %s: %w", d.SourceTxnID, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction batch: %w", err)
	}

	r.logger.Info("transaction batch upserted",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("rows", written),
	)

	return written, nil
}

// Window returns the tenant's transactions within [since, until], newest
// first, capped at the scan limit. Both bounds are inclusive.
func (r *TransactionRepository) Window(ctx context.Context, tenantID uuid.UUID, since, until time.Time) ([]*entities.NormalizedTransaction, error) {
	query := `
		SELECT id, tenant_id, source_provider, source_txn_id, merchant_id,
		       card_fingerprint_token, amount, currency, approved, decline_code,
		       avs_result, cvv_result, mcc, country, region, channel,
		       occurred_at, settled_at, payment_method, raw_ref, created_at, updated_at
		FROM normalized_transactions
		WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY occurred_at DESC
		LIMIT $4
	`

	var txns []*entities.NormalizedTransaction
	if err := r.db.SelectContext(ctx, &txns, query, tenantID, since, until, windowQueryLimit); err != nil {
		r.logger.Error("failed to query transaction window",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		return nil, fmt.Errorf("failed to query transaction window: %w", err)
	}

	return txns, nil
}

// DistinctTenantIDs lists tenants with activity since the cutoff. The daily
// pipeline iterates this set.
func (r *TransactionRepository) DistinctTenantIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT tenant_id
		FROM normalized_transactions
		WHERE occurred_at >= $1
	`

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, since); err != nil {
		r.logger.Error("failed to list active tenants", zap.Error(err))
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}

	return ids, nil
}
