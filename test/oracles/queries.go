// Package oracles holds SQL invariants over the engine's tables. Each
// oracle selects violating rows; an empty result means it holds.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ledger_bounds",
			SQL: `SELECT id, funded_amount, released_amount, refunded_amount FROM escrow_accounts
                  WHERE funded_amount < 0 OR released_amount < 0 OR refunded_amount < 0
                     OR funded_amount < released_amount + refunded_amount`,
		},
		{
			Name: "O2_totals_match_movements",
			SQL: `WITH sums AS (
                      SELECT escrow_account_id,
                             COALESCE(SUM(amount) FILTER (WHERE type = 'FUND'), 0)    AS funded,
                             COALESCE(SUM(amount) FILTER (WHERE type = 'RELEASE'), 0) AS released,
                             COALESCE(SUM(amount) FILTER (WHERE type = 'REFUND'), 0)  AS refunded
                      FROM escrow_transactions GROUP BY escrow_account_id)
                  SELECT a.id, a.funded_amount, s.funded, a.released_amount, s.released
                  FROM escrow_accounts a
                  LEFT JOIN sums s ON s.escrow_account_id = a.id
                  WHERE a.funded_amount   <> COALESCE(s.funded, 0)
                     OR a.released_amount <> COALESCE(s.released, 0)
                     OR a.refunded_amount <> COALESCE(s.refunded, 0)`,
		},
		{
			Name: "O3_duplicate_movement_reference",
			SQL: `SELECT escrow_account_id, reference, COUNT(*) FROM escrow_transactions
                  WHERE type <> 'ADJUSTMENT' AND reference IS NOT NULL
                  GROUP BY escrow_account_id, reference HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_single_current_revision",
			SQL: `SELECT negotiation_id, COUNT(*) FROM contract_revisions
                  WHERE is_current GROUP BY negotiation_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_single_final_offer",
			SQL: `SELECT negotiation_id, COUNT(*) FROM negotiation_offers
                  WHERE type = 'FINAL' GROUP BY negotiation_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_agreement_recorded",
			SQL: `SELECT id, status FROM negotiations
                  WHERE status IN ('AGREED', 'CONTRACT_DRAFTING', 'CONTRACT_SIGNED', 'ESCROW_FUNDED', 'COMPLETED')
                    AND agreed_price IS NULL`,
		},
		{
			Name: "O7_signed_contract_has_both_signatures",
			SQL: `SELECT id FROM contracts
                  WHERE status = 'SIGNED'
                    AND (buyer_signed_at IS NULL OR seller_signed_at IS NULL OR finalized_at IS NULL)`,
		},
		{
			Name: "O8_completed_means_released",
			SQL: `SELECT n.id FROM negotiations n
                  JOIN escrow_accounts a ON a.negotiation_id = n.id
                  WHERE n.status = 'COMPLETED' AND a.released_amount <= 0`,
		},
		{
			Name: "O9_stale_outbox",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE processed_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
