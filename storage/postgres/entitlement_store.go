package pgstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
)

const entColumns = `id, pool_id, consumer_id, owner_id, quantity, start_date, end_date, dirty, created_at, updated_at`

func scanEntitlement(row pgx.Row) (*entitlements.Entitlement, error) {
	var e entitlements.Entitlement
	err := row.Scan(
		&e.ID, &e.PoolID, &e.ConsumerID, &e.OwnerID, &e.Quantity,
		&e.StartDate, &e.EndDate, &e.Dirty, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (t *Tx) collectEntitlements(rows pgx.Rows) ([]*entitlements.Entitlement, error) {
	defer rows.Close()
	var out []*entitlements.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, translate(rows.Err())
}

func (t *Tx) GetEntitlement(ctx context.Context, id uuid.UUID) (*entitlements.Entitlement, error) {
	return scanEntitlement(t.tx.QueryRow(ctx,
		`SELECT `+entColumns+` FROM `+t.s.table("entitlements")+` WHERE id=$1`, id))
}

func (t *Tx) CreateEntitlement(ctx context.Context, e *entitlements.Entitlement) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("entitlements")+` (`+entColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.PoolID, e.ConsumerID, e.OwnerID, e.Quantity,
		e.StartDate, e.EndDate, e.Dirty, e.CreatedAt, e.UpdatedAt)
	return translate(err)
}

func (t *Tx) DeleteEntitlement(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+t.s.table("entitlements")+` WHERE id=$1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) SetEntitlementDirty(ctx context.Context, id uuid.UUID, dirty bool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("entitlements")+` SET dirty=$2, updated_at=NOW() WHERE id=$1`, id, dirty)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) EntitlementsForPool(ctx context.Context, poolID uuid.UUID) ([]*entitlements.Entitlement, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entColumns+` FROM `+t.s.table("entitlements")+` WHERE pool_id=$1 ORDER BY id`, poolID)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectEntitlements(rows)
}

func (t *Tx) EntitlementsForConsumer(ctx context.Context, consumerID uuid.UUID) ([]*entitlements.Entitlement, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entColumns+` FROM `+t.s.table("entitlements")+` WHERE consumer_id=$1 ORDER BY id`, consumerID)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectEntitlements(rows)
}

func (t *Tx) DirtyEntitlements(ctx context.Context, limit int) ([]*entitlements.Entitlement, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entColumns+` FROM `+t.s.table("entitlements")+` WHERE dirty ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectEntitlements(rows)
}

// StackEntitlements joins entitlements to their source pools on the
// stacking_id attribute, excluding derived pools themselves.
func (t *Tx) StackEntitlements(ctx context.Context, consumerID uuid.UUID, stackID string) ([]entitlements.StackMember, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT e.id, e.pool_id, e.consumer_id, e.owner_id, e.quantity, e.start_date, e.end_date, e.dirty, e.created_at, e.updated_at,
		        p.id, p.owner_id, p.product_id, p.provided_product_ids, p.quantity, p.consumed,
		        p.start_date, p.end_date, p.attributes, p.source_subscription_id, p.subscription_subkey,
		        p.source_stack_id, p.source_consumer_id, p.source_entitlement_id, p.created_at, p.updated_at
		 FROM `+t.s.table("entitlements")+` e
		 JOIN `+t.s.table("pools")+` p ON p.id = e.pool_id
		 WHERE e.consumer_id = $1
		   AND p.attributes->>'stacking_id' = $2
		   AND p.source_consumer_id IS NULL
		 ORDER BY e.id`, consumerID, stackID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []entitlements.StackMember
	for rows.Next() {
		var e entitlements.Entitlement
		var p entitlements.Pool
		err := rows.Scan(
			&e.ID, &e.PoolID, &e.ConsumerID, &e.OwnerID, &e.Quantity, &e.StartDate, &e.EndDate, &e.Dirty, &e.CreatedAt, &e.UpdatedAt,
			&p.ID, &p.OwnerID, &p.ProductID, &p.ProvidedProductIDs, &p.Quantity, &p.Consumed,
			&p.StartDate, &p.EndDate, &p.Attributes, &p.SourceSubscriptionID, &p.SubscriptionSubKey,
			&p.SourceStackID, &p.SourceConsumerID, &p.SourceEntitlementID, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, entitlements.StackMember{Entitlement: &e, Pool: &p})
	}
	return out, translate(rows.Err())
}

// UnmappedGuestEntitlements returns sweep candidates: entitlements on
// unmapped-guest pools whose effective end date (override, else pool end)
// precedes cutoff, oldest first.
func (t *Tx) UnmappedGuestEntitlements(ctx context.Context, cutoff time.Time, limit int) ([]*entitlements.Entitlement, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT e.id, e.pool_id, e.consumer_id, e.owner_id, e.quantity, e.start_date, e.end_date, e.dirty, e.created_at, e.updated_at
		 FROM `+t.s.table("entitlements")+` e
		 JOIN `+t.s.table("pools")+` p ON p.id = e.pool_id
		 WHERE p.attributes->>'unmapped_guests_only' IN ('true','yes','1')
		   AND COALESCE(e.end_date, p.end_date) < $1
		 ORDER BY COALESCE(e.end_date, p.end_date), e.id
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectEntitlements(rows)
}

func (t *Tx) GetConsumer(ctx context.Context, id uuid.UUID) (*entitlements.Consumer, error) {
	var c entitlements.Consumer
	err := t.tx.QueryRow(ctx,
		`SELECT id, owner_id, name, type, unmapped_guest, created_at FROM `+t.s.table("consumers")+` WHERE id=$1`, id).
		Scan(&c.ID, &c.OwnerID, &c.Name, &c.Type, &c.UnmappedGuest, &c.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (t *Tx) CreateConsumer(ctx context.Context, c *entitlements.Consumer) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("consumers")+` (id, owner_id, name, type, unmapped_guest, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.OwnerID, c.Name, c.Type, c.UnmappedGuest, c.CreatedAt)
	return translate(err)
}

func (t *Tx) GetOwner(ctx context.Context, id uuid.UUID) (*entitlements.Owner, error) {
	var o entitlements.Owner
	err := t.tx.QueryRow(ctx,
		`SELECT id, key, name, autobind_disabled, hypervisor_autobind_disabled FROM `+t.s.table("owners")+` WHERE id=$1`, id).
		Scan(&o.ID, &o.Key, &o.Name, &o.AutobindDisabled, &o.HypervisorAutobindDisabled)
	if err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func (t *Tx) CreateOwner(ctx context.Context, o *entitlements.Owner) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("owners")+` (id, key, name, autobind_disabled, hypervisor_autobind_disabled)
		 VALUES ($1,$2,$3,$4,$5)`,
		o.ID, o.Key, o.Name, o.AutobindDisabled, o.HypervisorAutobindDisabled)
	return translate(err)
}
