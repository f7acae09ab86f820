package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is an invariant expressed as a query that must return zero rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_contract",
			SQL: `SELECT transaction_id, COUNT(*) FROM contracts
                  WHERE is_active
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_open_dispute",
			SQL: `SELECT transaction_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_single_pending_proposal",
			SQL: `SELECT dispute_id, COUNT(*) FROM dispute_proposals
                  WHERE status = 'pending'
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_fund_conservation",
			SQL: `SELECT d.id, d.released_amount, d.refunded_amount
                  FROM disputes d
                  JOIN transactions t ON t.id = d.transaction_id
                  LEFT JOIN contracts c ON c.transaction_id = t.id AND c.is_active
                  WHERE d.status = 'resolved'
                    AND d.released_amount + d.refunded_amount <>
                        COALESCE(c.amount, t.amount) - COALESCE(c.amount, t.amount) * 100 / 10000`,
		},
		{
			Name: "O5_resolution_completeness",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved'
                    AND (released_amount IS NULL OR refunded_amount IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O6_responded_proposal_timestamp",
			SQL: `SELECT id FROM dispute_proposals
                  WHERE status IN ('accepted','rejected') AND responded_at IS NULL`,
		},
		{
			Name: "O7_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT transaction_id, seq,
                             LAG(seq) OVER (PARTITION BY transaction_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O8_outbox_liveness",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_accepted_contract_once",
			SQL: `SELECT transaction_id, COUNT(*) FROM contracts
                  WHERE status = 'accepted_awaiting_payment' AND is_active
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
