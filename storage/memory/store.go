// Package memorystore is an in-memory implementation of the storage
// contract, for tests and single-node embedding. Transactions work on a
// copy-on-write snapshot under one mutex: commit swaps the snapshot in,
// rollback discards it, so partial writes never become visible.
package memorystore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
)

type dataset struct {
	serialSeq int64
	pools     map[uuid.UUID]*entitlements.Pool
	ents      map[uuid.UUID]*entitlements.Entitlement
	consumers map[uuid.UUID]*entitlements.Consumer
	owners    map[uuid.UUID]*entitlements.Owner
	serials   map[int64]*entitlements.CertificateSerial
	certs     map[uuid.UUID]*entitlements.EntitlementCertificate
	crl       []byte
}

func newDataset() *dataset {
	return &dataset{
		pools:     make(map[uuid.UUID]*entitlements.Pool),
		ents:      make(map[uuid.UUID]*entitlements.Entitlement),
		consumers: make(map[uuid.UUID]*entitlements.Consumer),
		owners:    make(map[uuid.UUID]*entitlements.Owner),
		serials:   make(map[int64]*entitlements.CertificateSerial),
		certs:     make(map[uuid.UUID]*entitlements.EntitlementCertificate),
	}
}

func (d *dataset) clone() *dataset {
	next := &dataset{
		serialSeq: d.serialSeq,
		pools:     make(map[uuid.UUID]*entitlements.Pool, len(d.pools)),
		ents:      make(map[uuid.UUID]*entitlements.Entitlement, len(d.ents)),
		consumers: make(map[uuid.UUID]*entitlements.Consumer, len(d.consumers)),
		owners:    make(map[uuid.UUID]*entitlements.Owner, len(d.owners)),
		serials:   make(map[int64]*entitlements.CertificateSerial, len(d.serials)),
		certs:     make(map[uuid.UUID]*entitlements.EntitlementCertificate, len(d.certs)),
		crl:       d.crl,
	}
	for id, p := range d.pools {
		next.pools[id] = copyPool(p)
	}
	for id, e := range d.ents {
		next.ents[id] = copyEnt(e)
	}
	for id, c := range d.consumers {
		cc := *c
		next.consumers[id] = &cc
	}
	for id, o := range d.owners {
		oo := *o
		next.owners[id] = &oo
	}
	for id, s := range d.serials {
		ss := *s
		next.serials[id] = &ss
	}
	for id, c := range d.certs {
		cc := *c
		next.certs[id] = &cc
	}
	return next
}

func copyPool(p *entitlements.Pool) *entitlements.Pool {
	out := *p
	if p.ProvidedProductIDs != nil {
		out.ProvidedProductIDs = append([]string(nil), p.ProvidedProductIDs...)
	}
	if p.Attributes != nil {
		out.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}
	if p.SourceConsumerID != nil {
		id := *p.SourceConsumerID
		out.SourceConsumerID = &id
	}
	if p.SourceEntitlementID != nil {
		id := *p.SourceEntitlementID
		out.SourceEntitlementID = &id
	}
	return &out
}

func copyEnt(e *entitlements.Entitlement) *entitlements.Entitlement {
	out := *e
	if e.StartDate != nil {
		t := *e.StartDate
		out.StartDate = &t
	}
	if e.EndDate != nil {
		t := *e.EndDate
		out.EndDate = &t
	}
	return &out
}

// Store implements storage.Store in memory.
type Store struct {
	mu sync.Mutex
	d  *dataset
}

func New() *Store { return &Store{d: newDataset()} }

// WithTx serializes transactions behind the store mutex, which also
// satisfies the lock-ordering contract trivially.
func (s *Store) WithTx(_ context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.d.clone()
	if err := fn(&Tx{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

// Tx operates on one transaction's snapshot. All returned entities are
// copies; mutations become visible only through Create/Update calls.
type Tx struct {
	d *dataset
}

var _ storage.Tx = (*Tx)(nil)

func lessID(a, b uuid.UUID) bool { return bytes.Compare(a[:], b[:]) < 0 }

func (t *Tx) LockPools(_ context.Context, ids []uuid.UUID) ([]*entitlements.Pool, error) {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return lessID(sorted[i], sorted[j]) })
	out := make([]*entitlements.Pool, 0, len(sorted))
	for _, id := range sorted {
		p, ok := t.d.pools[id]
		if !ok {
			return nil, storage.ErrNotFound
		}
		out = append(out, copyPool(p))
	}
	return out, nil
}

func (t *Tx) GetPool(_ context.Context, id uuid.UUID) (*entitlements.Pool, error) {
	p, ok := t.d.pools[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPool(p), nil
}

func (t *Tx) CreatePool(_ context.Context, pool *entitlements.Pool) error {
	if _, ok := t.d.pools[pool.ID]; ok {
		return storage.ErrConflict
	}
	t.d.pools[pool.ID] = copyPool(pool)
	return nil
}

func (t *Tx) UpdatePool(_ context.Context, pool *entitlements.Pool) error {
	if _, ok := t.d.pools[pool.ID]; !ok {
		return storage.ErrNotFound
	}
	t.d.pools[pool.ID] = copyPool(pool)
	return nil
}

func (t *Tx) DeletePool(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.pools[id]; !ok {
		return storage.ErrNotFound
	}
	delete(t.d.pools, id)
	return nil
}

func (t *Tx) PoolsForOwner(_ context.Context, ownerID uuid.UUID) ([]*entitlements.Pool, error) {
	var out []*entitlements.Pool
	for _, p := range t.d.pools {
		if p.OwnerID == ownerID {
			out = append(out, copyPool(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (t *Tx) PoolsBySourceEntitlement(_ context.Context, entitlementIDs []uuid.UUID) ([]*entitlements.Pool, error) {
	set := make(map[uuid.UUID]bool, len(entitlementIDs))
	for _, id := range entitlementIDs {
		set[id] = true
	}
	var out []*entitlements.Pool
	for _, p := range t.d.pools {
		if p.SourceEntitlementID != nil && set[*p.SourceEntitlementID] {
			out = append(out, copyPool(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (t *Tx) StackDerivedPool(_ context.Context, consumerID uuid.UUID, stackID string) (*entitlements.Pool, error) {
	for _, p := range t.d.pools {
		if p.SourceConsumerID != nil && *p.SourceConsumerID == consumerID && p.SourceStackID == stackID {
			return copyPool(p), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *Tx) GetEntitlement(_ context.Context, id uuid.UUID) (*entitlements.Entitlement, error) {
	e, ok := t.d.ents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyEnt(e), nil
}

func (t *Tx) CreateEntitlement(_ context.Context, ent *entitlements.Entitlement) error {
	if _, ok := t.d.ents[ent.ID]; ok {
		return storage.ErrConflict
	}
	t.d.ents[ent.ID] = copyEnt(ent)
	return nil
}

func (t *Tx) DeleteEntitlement(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.ents[id]; !ok {
		return storage.ErrNotFound
	}
	delete(t.d.ents, id)
	return nil
}

func (t *Tx) SetEntitlementDirty(_ context.Context, id uuid.UUID, dirty bool) error {
	e, ok := t.d.ents[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Dirty = dirty
	return nil
}

func (t *Tx) EntitlementsForPool(_ context.Context, poolID uuid.UUID) ([]*entitlements.Entitlement, error) {
	var out []*entitlements.Entitlement
	for _, e := range t.d.ents {
		if e.PoolID == poolID {
			out = append(out, copyEnt(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (t *Tx) EntitlementsForConsumer(_ context.Context, consumerID uuid.UUID) ([]*entitlements.Entitlement, error) {
	var out []*entitlements.Entitlement
	for _, e := range t.d.ents {
		if e.ConsumerID == consumerID {
			out = append(out, copyEnt(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (t *Tx) DirtyEntitlements(_ context.Context, limit int) ([]*entitlements.Entitlement, error) {
	var out []*entitlements.Entitlement
	for _, e := range t.d.ents {
		if e.Dirty {
			out = append(out, copyEnt(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *Tx) StackEntitlements(_ context.Context, consumerID uuid.UUID, stackID string) ([]entitlements.StackMember, error) {
	var out []entitlements.StackMember
	for _, e := range t.d.ents {
		if e.ConsumerID != consumerID {
			continue
		}
		p, ok := t.d.pools[e.PoolID]
		if !ok || p.SourceConsumerID != nil || p.StackingID() != stackID {
			continue
		}
		out = append(out, entitlements.StackMember{Entitlement: copyEnt(e), Pool: copyPool(p)})
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].Entitlement.ID, out[j].Entitlement.ID) })
	return out, nil
}

func (t *Tx) UnmappedGuestEntitlements(_ context.Context, cutoff time.Time, limit int) ([]*entitlements.Entitlement, error) {
	type candidate struct {
		ent *entitlements.Entitlement
		end time.Time
	}
	var cands []candidate
	for _, e := range t.d.ents {
		p, ok := t.d.pools[e.PoolID]
		if !ok || !p.UnmappedGuestsOnly() {
			continue
		}
		end := e.EffectiveEndDate(p)
		if end.Before(cutoff) {
			cands = append(cands, candidate{copyEnt(e), end})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].end.Equal(cands[j].end) {
			return cands[i].end.Before(cands[j].end)
		}
		return lessID(cands[i].ent.ID, cands[j].ent.ID)
	})
	out := make([]*entitlements.Entitlement, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.ent)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *Tx) GetConsumer(_ context.Context, id uuid.UUID) (*entitlements.Consumer, error) {
	c, ok := t.d.consumers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (t *Tx) CreateConsumer(_ context.Context, c *entitlements.Consumer) error {
	if _, ok := t.d.consumers[c.ID]; ok {
		return storage.ErrConflict
	}
	cc := *c
	t.d.consumers[c.ID] = &cc
	return nil
}

func (t *Tx) GetOwner(_ context.Context, id uuid.UUID) (*entitlements.Owner, error) {
	o, ok := t.d.owners[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	oo := *o
	return &oo, nil
}

func (t *Tx) CreateOwner(_ context.Context, o *entitlements.Owner) error {
	if _, ok := t.d.owners[o.ID]; ok {
		return storage.ErrConflict
	}
	oo := *o
	t.d.owners[o.ID] = &oo
	return nil
}

func (t *Tx) AllocateSerial(_ context.Context, expiration time.Time) (int64, error) {
	t.d.serialSeq++
	id := t.d.serialSeq
	t.d.serials[id] = &entitlements.CertificateSerial{ID: id, Expiration: expiration}
	return id, nil
}

func (t *Tx) GetSerial(_ context.Context, id int64) (*entitlements.CertificateSerial, error) {
	s, ok := t.d.serials[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	ss := *s
	return &ss, nil
}

func (t *Tx) RevokeSerial(_ context.Context, id int64) error {
	s, ok := t.d.serials[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.Revoked = true
	return nil
}

func (t *Tx) MarkSerialsCollected(_ context.Context, ids []int64) error {
	for _, id := range ids {
		s, ok := t.d.serials[id]
		if !ok {
			return storage.ErrNotFound
		}
		s.Collected = true
	}
	return nil
}

func (t *Tx) RevokedUncollectedSerials(_ context.Context) ([]*entitlements.CertificateSerial, error) {
	var out []*entitlements.CertificateSerial
	for _, s := range t.d.serials {
		if s.Revoked && !s.Collected {
			ss := *s
			out = append(out, &ss)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tx) ExpiredSerials(_ context.Context, asOf time.Time) ([]*entitlements.CertificateSerial, error) {
	var out []*entitlements.CertificateSerial
	for _, s := range t.d.serials {
		if s.Expiration.Before(asOf) {
			ss := *s
			out = append(out, &ss)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tx) DeleteSerials(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(t.d.serials, id)
	}
	return nil
}

func (t *Tx) CreateCertificate(_ context.Context, cert *entitlements.EntitlementCertificate) error {
	if _, ok := t.d.certs[cert.ID]; ok {
		return storage.ErrConflict
	}
	cc := *cert
	t.d.certs[cert.ID] = &cc
	return nil
}

func (t *Tx) DeleteCertificate(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.certs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(t.d.certs, id)
	return nil
}

func (t *Tx) CertificateForEntitlement(_ context.Context, entitlementID uuid.UUID) (*entitlements.EntitlementCertificate, error) {
	for _, c := range t.d.certs {
		if c.EntitlementID == entitlementID {
			cc := *c
			return &cc, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *Tx) LatestCRL(_ context.Context) ([]byte, error) {
	if t.d.crl == nil {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), t.d.crl...), nil
}

func (t *Tx) StoreCRL(_ context.Context, der []byte) error {
	t.d.crl = append([]byte(nil), der...)
	return nil
}
