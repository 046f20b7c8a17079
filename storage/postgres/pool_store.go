package pgstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
)

const poolColumns = `id, owner_id, product_id, provided_product_ids, quantity, consumed,
	start_date, end_date, attributes, source_subscription_id, subscription_subkey,
	source_stack_id, source_consumer_id, source_entitlement_id, created_at, updated_at`

func scanPool(row pgx.Row) (*entitlements.Pool, error) {
	var p entitlements.Pool
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.ProductID, &p.ProvidedProductIDs, &p.Quantity, &p.Consumed,
		&p.StartDate, &p.EndDate, &p.Attributes, &p.SourceSubscriptionID, &p.SubscriptionSubKey,
		&p.SourceStackID, &p.SourceConsumerID, &p.SourceEntitlementID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (t *Tx) collectPools(rows pgx.Rows) ([]*entitlements.Pool, error) {
	defer rows.Close()
	var out []*entitlements.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, translate(rows.Err())
}

// LockPools takes FOR UPDATE row locks in ascending-id order. Any id with no
// row yields ErrNotFound.
func (t *Tx) LockPools(ctx context.Context, ids []uuid.UUID) ([]*entitlements.Pool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+poolColumns+` FROM `+t.s.table("pools")+` WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, translate(err)
	}
	pools, err := t.collectPools(rows)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(pools))
	for _, p := range pools {
		seen[p.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			return nil, storage.ErrNotFound
		}
	}
	return pools, nil
}

func (t *Tx) GetPool(ctx context.Context, id uuid.UUID) (*entitlements.Pool, error) {
	return scanPool(t.tx.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM `+t.s.table("pools")+` WHERE id = $1`, id))
}

func (t *Tx) CreatePool(ctx context.Context, p *entitlements.Pool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("pools")+` (`+poolColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		p.ID, p.OwnerID, p.ProductID, p.ProvidedProductIDs, p.Quantity, p.Consumed,
		p.StartDate, p.EndDate, p.Attributes, p.SourceSubscriptionID, p.SubscriptionSubKey,
		p.SourceStackID, p.SourceConsumerID, p.SourceEntitlementID, p.CreatedAt, p.UpdatedAt)
	return translate(err)
}

func (t *Tx) UpdatePool(ctx context.Context, p *entitlements.Pool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("pools")+` SET
			product_id=$2, provided_product_ids=$3, quantity=$4, consumed=$5,
			start_date=$6, end_date=$7, attributes=$8, source_stack_id=$9, updated_at=$10
		 WHERE id=$1`,
		p.ID, p.ProductID, p.ProvidedProductIDs, p.Quantity, p.Consumed,
		p.StartDate, p.EndDate, p.Attributes, p.SourceStackID, p.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) DeletePool(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+t.s.table("pools")+` WHERE id=$1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) PoolsForOwner(ctx context.Context, ownerID uuid.UUID) ([]*entitlements.Pool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+poolColumns+` FROM `+t.s.table("pools")+` WHERE owner_id=$1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectPools(rows)
}

func (t *Tx) PoolsBySourceEntitlement(ctx context.Context, entitlementIDs []uuid.UUID) ([]*entitlements.Pool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+poolColumns+` FROM `+t.s.table("pools")+`
		 WHERE source_entitlement_id = ANY($1::uuid[]) ORDER BY id`, entitlementIDs)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectPools(rows)
}

// StackDerivedPool locks the derived pool it returns, so concurrent stack
// recomputations serialize on it instead of overwriting each other's
// quantity.
func (t *Tx) StackDerivedPool(ctx context.Context, consumerID uuid.UUID, stackID string) (*entitlements.Pool, error) {
	return scanPool(t.tx.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM `+t.s.table("pools")+`
		 WHERE source_consumer_id=$1 AND source_stack_id=$2 LIMIT 1 FOR UPDATE`, consumerID, stackID))
}
