package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances built from journals.
// Balances are flows, not share values: a user's collateral balance is what
// was deposited and credited minus what was withdrawn and charged.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.add(j.CreditAccount, new(big.Int).Neg(j.Amount))
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		cur = new(big.Int)
		bt.balances[key] = cur
	}
	cur.Add(cur, delta)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// GetUserCollateral returns a user's net collateral flow in one pool.
func (bt *BalanceTracker) GetUserCollateral(userID uuid.UUID, asset string) *big.Int {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, asset))
}

// ComputeGlobalBalance sums all account balances per asset (zero for a
// zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*big.Int {
	totals := make(map[string]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances keyed by account path.
func (bt *BalanceTracker) Snapshot() map[string]string {
	snapshot := make(map[string]string, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[encodeKey(k)] = v.String()
	}
	return snapshot
}

// Restore replaces all balances from a Snapshot.
func (bt *BalanceTracker) Restore(snapshot map[string]string) error {
	balances := make(map[AccountKey]*big.Int, len(snapshot))
	for path, amount := range snapshot {
		key, err := decodeKey(path)
		if err != nil {
			return err
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return fmt.Errorf("balance %s: invalid amount %q", path, amount)
		}
		balances[key] = v
	}
	bt.balances = balances
	return nil
}

// Keys returns every tracked account in a stable order.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return encodeKey(keys[i]) < encodeKey(keys[j]) })
	return keys
}

// encodeKey is a lossless text form of a key: scope|entity|subtype|asset.
func encodeKey(k AccountKey) string {
	return fmt.Sprintf("%d|%s|%d|%s", k.Scope, uuid.UUID(k.EntityID), k.SubType, k.Asset)
}

func decodeKey(s string) (AccountKey, error) {
	parts := strings.SplitN(s, "|", 4)
	if len(parts) != 4 {
		return AccountKey{}, fmt.Errorf("invalid account key %q", s)
	}
	scope, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return AccountKey{}, fmt.Errorf("account key %q: %w", s, err)
	}
	sub, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return AccountKey{}, fmt.Errorf("account key %q: %w", s, err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return AccountKey{}, fmt.Errorf("account key %q: %w", s, err)
	}
	return AccountKey{Scope: AccountScope(scope), EntityID: id, SubType: AccountSubType(sub), Asset: parts[3]}, nil
}
