package identity

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const lockStripes = 256

// lockTable maps lock names onto a fixed set of mutexes. Stripes are always
// taken in ascending index order.
type lockTable struct {
	stripes [lockStripes]sync.Mutex
}

func (l *lockTable) acquire(names []string) func() {
	idx := make([]int, 0, len(names))
	seen := make(map[int]struct{}, len(names))
	for _, n := range names {
		h := fnv.New32a()
		_, _ = h.Write([]byte(n))
		i := int(h.Sum32() % lockStripes)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

type rowKey struct {
	key     Key
	account string
}

// MemoryStore keeps identities in process memory. It backs tests and the
// database-less development mode.
type MemoryStore struct {
	locks lockTable

	mu        sync.RWMutex
	rows      map[Key]map[string]Identity
	byAccount map[string]map[Key]struct{}
	accounts  map[string]Account
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:      make(map[Key]map[string]Identity),
		byAccount: make(map[string]map[Key]struct{}),
		accounts:  make(map[string]Account),
	}
}

func (s *MemoryStore) Find(ctx context.Context, key Key) (Identity, error) {
	rows, _ := s.Claims(ctx, key)
	if id, ok := Active(rows); ok {
		return id, nil
	}
	return Identity{}, ErrNotFound
}

func (s *MemoryStore) Claims(_ context.Context, key Key) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.rows[key]))
	for _, r := range s.rows[key] {
		out = append(out, r)
	}
	SortIdentities(out)
	return out, nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.byAccount[accountID]))
	for k := range s.byAccount[accountID] {
		out = append(out, s.rows[k][accountID])
	}
	SortIdentities(out)
	return out, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc, nil
}

func (s *MemoryStore) Put(ctx context.Context, id Identity) error {
	return s.Atomic(ctx, Scope{Keys: []Key{id.Key}, Accounts: []string{id.AccountID}}, func(ctx context.Context, tx Tx) error {
		return tx.Put(ctx, id)
	})
}

func (s *MemoryStore) Delete(ctx context.Context, key Key, accountID string) error {
	return s.Atomic(ctx, Scope{Keys: []Key{key}, Accounts: []string{accountID}}, func(ctx context.Context, tx Tx) error {
		return tx.Delete(ctx, key, accountID)
	})
}

func (s *MemoryStore) Reparent(ctx context.Context, key Key, from, to string) error {
	return s.Atomic(ctx, Scope{Keys: []Key{key}, Accounts: []string{from, to}}, func(ctx context.Context, tx Tx) error {
		return tx.Reparent(ctx, key, from, to)
	})
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acc Account) error {
	return s.Atomic(ctx, Scope{Accounts: []string{acc.ID}}, func(ctx context.Context, tx Tx) error {
		return tx.CreateAccount(ctx, acc)
	})
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, acc Account) error {
	return s.Atomic(ctx, Scope{Accounts: []string{acc.ID}}, func(ctx context.Context, tx Tx) error {
		return tx.UpdateAccount(ctx, acc)
	})
}

func (s *MemoryStore) Atomic(ctx context.Context, scope Scope, fn func(ctx context.Context, tx Tx) error) error {
	release := s.locks.acquire(scope.LockNames())
	defer release()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:        s,
		rows:     make(map[rowKey]*Identity),
		accounts: make(map[string]Account),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) SweepPending(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, owners := range s.rows {
		for acc, r := range owners {
			if r.Confirmed || !r.ClaimedAt.Before(before) {
				continue
			}
			s.removeLocked(key, acc)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) removeLocked(key Key, account string) {
	delete(s.rows[key], account)
	if len(s.rows[key]) == 0 {
		delete(s.rows, key)
	}
	delete(s.byAccount[account], key)
	if len(s.byAccount[account]) == 0 {
		delete(s.byAccount, account)
	}
}

func (s *MemoryStore) storeLocked(r Identity) {
	if s.rows[r.Key] == nil {
		s.rows[r.Key] = make(map[string]Identity)
	}
	s.rows[r.Key][r.AccountID] = r
	if s.byAccount[r.AccountID] == nil {
		s.byAccount[r.AccountID] = make(map[Key]struct{})
	}
	s.byAccount[r.AccountID][r.Key] = struct{}{}
}

// memTx stages writes over the committed state. A nil row marks a deletion.
type memTx struct {
	s        *MemoryStore
	rows     map[rowKey]*Identity
	accounts map[string]Account
}

func (t *memTx) keyRows(key Key) map[string]Identity {
	t.s.mu.RLock()
	out := make(map[string]Identity, len(t.s.rows[key]))
	for acc, r := range t.s.rows[key] {
		out[acc] = r
	}
	t.s.mu.RUnlock()
	for rk, r := range t.rows {
		if rk.key != key {
			continue
		}
		if r == nil {
			delete(out, rk.account)
		} else {
			out[rk.account] = *r
		}
	}
	return out
}

func (t *memTx) Find(ctx context.Context, key Key) (Identity, error) {
	rows, _ := t.Claims(ctx, key)
	if id, ok := Active(rows); ok {
		return id, nil
	}
	return Identity{}, ErrNotFound
}

func (t *memTx) Claims(_ context.Context, key Key) ([]Identity, error) {
	rows := t.keyRows(key)
	out := make([]Identity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	SortIdentities(out)
	return out, nil
}

func (t *memTx) ListByAccount(_ context.Context, accountID string) ([]Identity, error) {
	merged := make(map[Key]Identity)
	t.s.mu.RLock()
	for k := range t.s.byAccount[accountID] {
		merged[k] = t.s.rows[k][accountID]
	}
	t.s.mu.RUnlock()
	for rk, r := range t.rows {
		if rk.account != accountID {
			continue
		}
		if r == nil {
			delete(merged, rk.key)
		} else {
			merged[rk.key] = *r
		}
	}
	out := make([]Identity, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	SortIdentities(out)
	return out, nil
}

func (t *memTx) GetAccount(ctx context.Context, id string) (Account, error) {
	if acc, ok := t.accounts[id]; ok {
		return acc, nil
	}
	return t.s.GetAccount(ctx, id)
}

func (t *memTx) Put(_ context.Context, id Identity) error {
	if id.Confirmed {
		for acc, r := range t.keyRows(id.Key) {
			if acc != id.AccountID && r.Confirmed {
				return ErrConflict
			}
		}
	}
	row := id
	t.rows[rowKey{key: id.Key, account: id.AccountID}] = &row
	return nil
}

func (t *memTx) Delete(_ context.Context, key Key, accountID string) error {
	if _, ok := t.keyRows(key)[accountID]; !ok {
		return ErrNotFound
	}
	t.rows[rowKey{key: key, account: accountID}] = nil
	return nil
}

func (t *memTx) Reparent(_ context.Context, key Key, from, to string) error {
	row, ok := t.keyRows(key)[from]
	if !ok {
		return ErrNotFound
	}
	if from == to {
		return nil
	}
	t.rows[rowKey{key: key, account: from}] = nil
	row.AccountID = to
	t.rows[rowKey{key: key, account: to}] = &row
	return nil
}

func (t *memTx) CreateAccount(ctx context.Context, acc Account) error {
	if _, err := t.GetAccount(ctx, acc.ID); err == nil {
		return ErrConflict
	}
	t.accounts[acc.ID] = acc
	return nil
}

func (t *memTx) UpdateAccount(ctx context.Context, acc Account) error {
	if _, err := t.GetAccount(ctx, acc.ID); err != nil {
		return err
	}
	t.accounts[acc.ID] = acc
	return nil
}

func (t *memTx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	touched := make(map[Key]struct{})
	for rk := range t.rows {
		touched[rk.key] = struct{}{}
	}
	for key := range touched {
		confirmed := make(map[string]struct{})
		for acc, r := range t.s.rows[key] {
			if r.Confirmed {
				confirmed[acc] = struct{}{}
			}
		}
		for rk, r := range t.rows {
			if rk.key != key {
				continue
			}
			delete(confirmed, rk.account)
			if r != nil && r.Confirmed {
				confirmed[rk.account] = struct{}{}
			}
		}
		if len(confirmed) > 1 {
			return ErrConflict
		}
	}

	for rk, r := range t.rows {
		if r == nil {
			t.s.removeLocked(rk.key, rk.account)
			continue
		}
		t.s.storeLocked(*r)
	}
	for id, acc := range t.accounts {
		t.s.accounts[id] = acc
	}
	return nil
}
