// Package memory implements the domain store and ledger interfaces in
// process. It backs dev mode and the service tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

type state struct {
	positions   map[string]domain.Position
	markets     map[common.Hash]domain.MarketIndices
	pool        *domain.LiquidityPool
	withdrawals *btree.BTreeG[domain.WithdrawRequest]
	settlements []domain.SettlementRecord
	audit       []domain.AuditEntry
	auditSeq    int64
}

func byRequestID(a, b domain.WithdrawRequest) bool { return a.ID < b.ID }

func newState() *state {
	return &state{
		positions:   make(map[string]domain.Position),
		markets:     make(map[common.Hash]domain.MarketIndices),
		withdrawals: btree.NewG(16, byRequestID),
	}
}

func (s *state) clone() *state {
	c := &state{
		positions:   make(map[string]domain.Position, len(s.positions)),
		markets:     make(map[common.Hash]domain.MarketIndices, len(s.markets)),
		withdrawals: s.withdrawals.Clone(),
		settlements: slices.Clone(s.settlements),
		audit:       slices.Clone(s.audit),
		auditSeq:    s.auditSeq,
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.markets {
		c.markets[k] = v
	}
	if s.pool != nil {
		p := *s.pool
		c.pool = &p
	}
	return c
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// db is the view one set of repositories works on. Outside a transaction mu
// is the store mutex; inside Atomically the transaction already holds it.
type db struct {
	mu sync.Locker
	st *state
}

type repos struct {
	positions   *PositionStore
	markets     *MarketStore
	pool        *PoolStore
	withdrawals *WithdrawalStore
	settlements *SettlementStore
	audit       *AuditStore
}

func newRepos(d *db) repos {
	return repos{
		positions:   &PositionStore{d},
		markets:     &MarketStore{d},
		pool:        &PoolStore{d},
		withdrawals: &WithdrawalStore{d},
		settlements: &SettlementStore{d},
		audit:       &AuditStore{d},
	}
}

func (r repos) Positions() domain.PositionStore     { return r.positions }
func (r repos) Markets() domain.MarketStore         { return r.markets }
func (r repos) Pool() domain.PoolStore              { return r.pool }
func (r repos) Withdrawals() domain.WithdrawalStore { return r.withdrawals }
func (r repos) Settlements() domain.SettlementStore { return r.settlements }
func (r repos) Audit() domain.AuditStore            { return r.audit }

// Store implements domain.Store. Transactions are serialized; fn must use
// the repositories it is handed, never the Store itself.
type Store struct {
	repos
	mu sync.Mutex
	st *state
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{st: newState()}
	s.repos = newRepos(&db{mu: &s.mu, st: s.st})
	return s
}

// Atomically runs fn on a private copy of the data and publishes the copy
// only if fn succeeds.
func (s *Store) Atomically(ctx context.Context, fn func(domain.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(newRepos(&db{mu: nopLocker{}, st: work})); err != nil {
		return err
	}
	*s.st = *work
	return nil
}

var _ domain.Store = (*Store)(nil)

// PositionStore implements domain.PositionStore.
type PositionStore struct{ d *db }

func (s *PositionStore) Create(_ context.Context, p domain.Position) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.st.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.d.st.positions[p.ID] = p
	return nil
}

func (s *PositionStore) Update(_ context.Context, p domain.Position) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.st.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.d.st.positions[p.ID] = p
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.st.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

// ListByOwner returns an owner's positions, newest first.
func (s *PositionStore) ListByOwner(_ context.Context, owner common.Hash, opts domain.ListOpts) ([]domain.Position, error) {
	return s.list(opts, true, func(p domain.Position) bool { return p.Owner == owner }), nil
}

// ListOpen returns open positions, oldest first.
func (s *PositionStore) ListOpen(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return s.list(opts, false, func(p domain.Position) bool { return p.IsOpen() }), nil
}

func (s *PositionStore) list(opts domain.ListOpts, newestFirst bool, keep func(domain.Position) bool) []domain.Position {
	s.d.mu.Lock()
	var out []domain.Position
	for _, p := range s.d.st.positions {
		if keep(p) && inWindow(p.OpenedAt, opts) {
			out = append(out, p)
		}
	}
	s.d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt) != newestFirst
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, opts)
}

// MarketStore implements domain.MarketStore.
type MarketStore struct{ d *db }

func (s *MarketStore) Create(_ context.Context, m domain.MarketIndices) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.st.markets[m.BasketID]; ok {
		return domain.ErrAlreadyExists
	}
	s.d.st.markets[m.BasketID] = m
	return nil
}

func (s *MarketStore) Update(_ context.Context, m domain.MarketIndices) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.st.markets[m.BasketID]; !ok {
		return domain.ErrNotFound
	}
	s.d.st.markets[m.BasketID] = m
	return nil
}

func (s *MarketStore) GetByBasket(_ context.Context, basketID common.Hash) (domain.MarketIndices, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	m, ok := s.d.st.markets[basketID]
	if !ok {
		return domain.MarketIndices{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *MarketStore) List(_ context.Context) ([]domain.MarketIndices, error) {
	s.d.mu.Lock()
	out := make([]domain.MarketIndices, 0, len(s.d.st.markets))
	for _, m := range s.d.st.markets {
		out = append(out, m)
	}
	s.d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].BasketID.Cmp(out[j].BasketID) < 0
	})
	return out, nil
}

// PoolStore implements domain.PoolStore.
type PoolStore struct{ d *db }

func (s *PoolStore) Get(_ context.Context) (domain.LiquidityPool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.st.pool == nil {
		return domain.LiquidityPool{}, domain.ErrNotFound
	}
	return *s.d.st.pool, nil
}

func (s *PoolStore) Save(_ context.Context, p domain.LiquidityPool) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.st.pool = &p
	return nil
}

// WithdrawalStore implements domain.WithdrawalStore on a B-tree keyed by
// queue id.
type WithdrawalStore struct{ d *db }

func (s *WithdrawalStore) Create(_ context.Context, r domain.WithdrawRequest) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.st.withdrawals.Has(r) {
		return domain.ErrAlreadyExists
	}
	s.d.st.withdrawals.ReplaceOrInsert(r)
	return nil
}

func (s *WithdrawalStore) Update(_ context.Context, r domain.WithdrawRequest) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if !s.d.st.withdrawals.Has(r) {
		return domain.ErrNotFound
	}
	s.d.st.withdrawals.ReplaceOrInsert(r)
	return nil
}

func (s *WithdrawalStore) GetByID(_ context.Context, id uint64) (domain.WithdrawRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.st.withdrawals.Get(domain.WithdrawRequest{ID: id})
	if !ok {
		return domain.WithdrawRequest{}, domain.ErrNotFound
	}
	return r, nil
}

// ListPending returns pending requests in queue order.
func (s *WithdrawalStore) ListPending(_ context.Context, limit int) ([]domain.WithdrawRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []domain.WithdrawRequest
	s.d.st.withdrawals.Ascend(func(r domain.WithdrawRequest) bool {
		if r.Status == domain.WithdrawStatusPending {
			out = append(out, r)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// SettlementStore implements domain.SettlementStore as an append-only slice.
type SettlementStore struct{ d *db }

func (s *SettlementStore) Insert(_ context.Context, rec domain.SettlementRecord) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.st.settlements = append(s.d.st.settlements, rec)
	return nil
}

func (s *SettlementStore) ListByPosition(_ context.Context, positionID string) ([]domain.SettlementRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []domain.SettlementRecord
	for _, rec := range s.d.st.settlements {
		if rec.PositionID == positionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *SettlementStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.SettlementRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []domain.SettlementRecord
	for _, rec := range s.d.st.settlements {
		if limit > 0 && len(out) == limit {
			break
		}
		if rec.SettledAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *SettlementStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	n := len(s.d.st.settlements)
	s.d.st.settlements = slices.DeleteFunc(s.d.st.settlements, func(rec domain.SettlementRecord) bool {
		return rec.SettledAt.Before(before)
	})
	return int64(n - len(s.d.st.settlements)), nil
}

// AuditStore implements domain.AuditStore as an append-only slice.
type AuditStore struct{ d *db }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.st.auditSeq++
	s.d.st.audit = append(s.d.st.audit, domain.AuditEntry{
		ID:        s.d.st.auditSeq,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.d.mu.Lock()
	var out []domain.AuditEntry
	for i := len(s.d.st.audit) - 1; i >= 0; i-- {
		if e := s.d.st.audit[i]; inWindow(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	s.d.mu.Unlock()
	return paginate(out, opts), nil
}

func (s *AuditStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.d.st.audit {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *AuditStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	n := len(s.d.st.audit)
	s.d.st.audit = slices.DeleteFunc(s.d.st.audit, func(e domain.AuditEntry) bool {
		return e.CreatedAt.Before(before)
	})
	return int64(n - len(s.d.st.audit)), nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
