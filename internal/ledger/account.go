package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotsim/pkg/types"
)

// assetBalance is one asset's free/locked pair. All mutations go through
// Account methods so the non-negativity invariants hold at every step.
type assetBalance struct {
	free   decimal.Decimal
	locked decimal.Decimal
}

// position is the per-symbol trade bookkeeping: net base quantity, average
// entry cost, and realized profit in quote units.
type position struct {
	qty      decimal.Decimal
	avgCost  decimal.Decimal
	realized decimal.Decimal
}

// Account is one user's balances, positions, and transaction journal.
// Safe for concurrent use. Cross-account settlement locks accounts in
// canonical order; see Manager.SettleTrade.
type Account struct {
	mu        sync.Mutex
	userID    string
	balances  map[string]*assetBalance
	positions map[string]*position
	journal   []types.Transaction
	updatedAt time.Time
}

func newAccount(userID string) *Account {
	return &Account{
		userID:    userID,
		balances:  make(map[string]*assetBalance),
		positions: make(map[string]*position),
	}
}

func (a *Account) UserID() string { return a.userID }

// balance returns the balance entry for an asset, creating it on first use.
// Caller holds a.mu.
func (a *Account) balance(asset string) *assetBalance {
	b, ok := a.balances[asset]
	if !ok {
		b = &assetBalance{}
		a.balances[asset] = b
	}
	return b
}

// pos returns the position entry for a symbol. Caller holds a.mu.
func (a *Account) pos(symbol string) *position {
	p, ok := a.positions[symbol]
	if !ok {
		p = &position{}
		a.positions[symbol] = p
	}
	return p
}

// Deposit credits free balance.
func (a *Account) Deposit(asset string, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit %s %s: %w", amount, asset, types.ErrInvalidAmount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	b.free = b.free.Add(amount)
	a.recordLocked(types.Transaction{
		Type: types.TxDeposit, Time: now, Asset: asset, Amount: amount,
	}, now)
	return nil
}

// Withdraw debits free balance. Locked funds are not withdrawable.
func (a *Account) Withdraw(asset string, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("withdraw %s %s: %w", amount, asset, types.ErrInvalidAmount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	if b.free.LessThan(amount) {
		return fmt.Errorf("withdraw %s %s, free %s: %w", amount, asset, b.free, types.ErrInsufficientBalance)
	}
	b.free = b.free.Sub(amount)
	a.recordLocked(types.Transaction{
		Type: types.TxWithdraw, Time: now, Asset: asset, Amount: amount.Neg(),
	}, now)
	return nil
}

// Lock moves amount from free to locked, reserving it for an open order.
func (a *Account) Lock(asset string, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("lock %s %s: %w", amount, asset, types.ErrInvalidAmount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	if b.free.LessThan(amount) {
		return fmt.Errorf("lock %s %s, free %s: %w", amount, asset, b.free, types.ErrInsufficientBalance)
	}
	b.free = b.free.Sub(amount)
	b.locked = b.locked.Add(amount)
	a.updatedAt = now
	return nil
}

// Unlock returns reserved funds to free when an order stops needing them.
func (a *Account) Unlock(asset string, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("unlock %s %s: %w", amount, asset, types.ErrInvalidAmount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	if b.locked.LessThan(amount) {
		return fmt.Errorf("unlock %s %s, locked %s: %w", amount, asset, b.locked, types.ErrInsufficientLocked)
	}
	b.locked = b.locked.Sub(amount)
	b.free = b.free.Add(amount)
	a.updatedAt = now
	return nil
}

// recordLocked appends a journal entry. Caller holds a.mu.
func (a *Account) recordLocked(tx types.Transaction, now time.Time) {
	tx.ID = uuid.NewString()
	a.journal = append(a.journal, tx)
	a.updatedAt = now
}

// applyBuyLocked settles the buy leg of a trade: consume locked quote,
// receive base net of fee, update the position average entry cost. Returns
// the fee actually charged.
// Caller holds a.mu and has verified the locked quote covers the notional.
func (a *Account) applyBuyLocked(t types.Trade, baseAsset, quoteAsset string, fee decimal.Decimal, feeAsset string, now time.Time) decimal.Decimal {
	notional := t.Notional()
	a.balance(quoteAsset).locked = a.balance(quoteAsset).locked.Sub(notional)
	a.balance(baseAsset).free = a.balance(baseAsset).free.Add(t.Quantity)
	paid := a.deductFeeLocked(fee, feeAsset)

	p := a.pos(t.Symbol)
	totalCost := p.avgCost.Mul(p.qty).Add(t.Price.Mul(t.Quantity))
	p.qty = p.qty.Add(t.Quantity)
	p.avgCost = totalCost.Div(p.qty)

	a.recordLocked(types.Transaction{
		Type: types.TxTrade, Time: t.Timestamp, Asset: baseAsset, Amount: t.Quantity,
		Symbol: t.Symbol, Side: types.BUY, Price: t.Price, Quantity: t.Quantity,
		Fee: paid, FeeAsset: feeAsset, TradeID: t.ID,
	}, now)
	return paid
}

// applySellLocked settles the sell leg: consume locked base, receive quote
// net of fee, realize profit against the average entry cost. Returns the
// fee actually charged.
// Caller holds a.mu and has verified the locked base covers the quantity.
func (a *Account) applySellLocked(t types.Trade, baseAsset, quoteAsset string, fee decimal.Decimal, feeAsset string, now time.Time) decimal.Decimal {
	notional := t.Notional()
	a.balance(baseAsset).locked = a.balance(baseAsset).locked.Sub(t.Quantity)
	a.balance(quoteAsset).free = a.balance(quoteAsset).free.Add(notional)
	paid := a.deductFeeLocked(fee, feeAsset)

	p := a.pos(t.Symbol)
	if p.qty.IsPositive() {
		// Realize only against held quantity; deposited base sold beyond
		// the tracked position carries no entry cost.
		sellQty := decimal.Min(t.Quantity, p.qty)
		p.realized = p.realized.Add(t.Price.Sub(p.avgCost).Mul(sellQty))
	}
	p.qty = p.qty.Sub(t.Quantity)
	if !p.qty.IsPositive() {
		p.qty = decimal.Zero
		p.avgCost = decimal.Zero
	}

	a.recordLocked(types.Transaction{
		Type: types.TxTrade, Time: t.Timestamp, Asset: quoteAsset, Amount: notional,
		Symbol: t.Symbol, Side: types.SELL, Price: t.Price, Quantity: t.Quantity,
		Fee: paid, FeeAsset: feeAsset, TradeID: t.ID,
	}, now)
	return paid
}

// deductFeeLocked charges a fee from free balance, clamped to what is
// available, and returns the amount actually charged. Caller holds a.mu.
func (a *Account) deductFeeLocked(fee decimal.Decimal, feeAsset string) decimal.Decimal {
	if !fee.IsPositive() || feeAsset == "" {
		return decimal.Zero
	}
	b := a.balance(feeAsset)
	paid := decimal.Min(fee, b.free)
	b.free = b.free.Sub(paid)
	return paid
}

// balancesLocked returns the non-zero balances sorted by asset.
// Caller holds a.mu.
func (a *Account) balancesLocked() []types.AssetBalance {
	out := make([]types.AssetBalance, 0, len(a.balances))
	for asset, b := range a.balances {
		if b.free.IsZero() && b.locked.IsZero() {
			continue
		}
		out = append(out, types.AssetBalance{Asset: asset, Free: b.free, Locked: b.locked})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// updateLocked builds the account-change payload. Caller holds a.mu.
func (a *Account) updateLocked() types.AccountUpdate {
	return types.AccountUpdate{
		UserID:    a.userID,
		UpdatedAt: a.updatedAt,
		Balances:  a.balancesLocked(),
	}
}

// Snapshot returns a consistent copy of balances and positions. Zero
// balances are omitted; entries are sorted for stable output.
func (a *Account) Snapshot() types.AccountSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := types.AccountSnapshot{
		UserID:    a.userID,
		UpdatedAt: a.updatedAt,
		Balances:  a.balancesLocked(),
	}
	for symbol, p := range a.positions {
		if p.qty.IsZero() && p.realized.IsZero() {
			continue
		}
		snap.Positions = append(snap.Positions, types.PositionView{
			Symbol: symbol, Quantity: p.qty, AvgCost: p.avgCost, RealizedPnL: p.realized,
		})
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].Symbol < snap.Positions[j].Symbol })
	return snap
}

// Transactions returns a copy of the journal in append order.
func (a *Account) Transactions() []types.Transaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Transaction, len(a.journal))
	copy(out, a.journal)
	return out
}
