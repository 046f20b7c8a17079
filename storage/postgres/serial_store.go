package pgstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
)

func (t *Tx) AllocateSerial(ctx context.Context, expiration time.Time) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO `+t.s.table("certificate_serials")+` (expiration, revoked, collected)
		 VALUES ($1, false, false) RETURNING id`, expiration).Scan(&id)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

func (t *Tx) GetSerial(ctx context.Context, id int64) (*entitlements.CertificateSerial, error) {
	var s entitlements.CertificateSerial
	err := t.tx.QueryRow(ctx,
		`SELECT id, expiration, revoked, collected FROM `+t.s.table("certificate_serials")+` WHERE id=$1`, id).
		Scan(&s.ID, &s.Expiration, &s.Revoked, &s.Collected)
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (t *Tx) RevokeSerial(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("certificate_serials")+` SET revoked=true WHERE id=$1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) MarkSerialsCollected(ctx context.Context, ids []int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("certificate_serials")+` SET collected=true WHERE id = ANY($1::bigint[])`, ids)
	return translate(err)
}

func (t *Tx) collectSerials(rows pgx.Rows) ([]*entitlements.CertificateSerial, error) {
	defer rows.Close()
	var out []*entitlements.CertificateSerial
	for rows.Next() {
		var s entitlements.CertificateSerial
		if err := rows.Scan(&s.ID, &s.Expiration, &s.Revoked, &s.Collected); err != nil {
			return nil, translate(err)
		}
		out = append(out, &s)
	}
	return out, translate(rows.Err())
}

func (t *Tx) RevokedUncollectedSerials(ctx context.Context) ([]*entitlements.CertificateSerial, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, expiration, revoked, collected FROM `+t.s.table("certificate_serials")+`
		 WHERE revoked AND NOT collected ORDER BY id`)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectSerials(rows)
}

func (t *Tx) ExpiredSerials(ctx context.Context, asOf time.Time) ([]*entitlements.CertificateSerial, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, expiration, revoked, collected FROM `+t.s.table("certificate_serials")+`
		 WHERE expiration < $1 ORDER BY id`, asOf)
	if err != nil {
		return nil, translate(err)
	}
	return t.collectSerials(rows)
}

func (t *Tx) DeleteSerials(ctx context.Context, ids []int64) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM `+t.s.table("certificate_serials")+` WHERE id = ANY($1::bigint[])`, ids)
	return translate(err)
}

func (t *Tx) CreateCertificate(ctx context.Context, c *entitlements.EntitlementCertificate) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("entitlement_certificates")+` (id, entitlement_id, serial, key, cert, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.EntitlementID, c.Serial, c.Key, c.Cert, c.CreatedAt)
	return translate(err)
}

func (t *Tx) DeleteCertificate(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM `+t.s.table("entitlement_certificates")+` WHERE id=$1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) CertificateForEntitlement(ctx context.Context, entitlementID uuid.UUID) (*entitlements.EntitlementCertificate, error) {
	var c entitlements.EntitlementCertificate
	err := t.tx.QueryRow(ctx,
		`SELECT id, entitlement_id, serial, key, cert, created_at
		 FROM `+t.s.table("entitlement_certificates")+` WHERE entitlement_id=$1 LIMIT 1`, entitlementID).
		Scan(&c.ID, &c.EntitlementID, &c.Serial, &c.Key, &c.Cert, &c.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (t *Tx) LatestCRL(ctx context.Context) ([]byte, error) {
	var der []byte
	err := t.tx.QueryRow(ctx,
		`SELECT der FROM `+t.s.table("crls")+` ORDER BY id DESC LIMIT 1`).Scan(&der)
	if err != nil {
		return nil, translate(err)
	}
	return der, nil
}

func (t *Tx) StoreCRL(ctx context.Context, der []byte) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("crls")+` (der, created_at) VALUES ($1, NOW())`, der)
	return translate(err)
}
