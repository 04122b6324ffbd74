// Package ledger tracks user balances, positions, and trade settlement.
//
// Every asset balance is split into free and locked parts: placing an order
// locks the funds it may spend, fills consume from locked, and cancellation
// returns the remainder to free. Settlement of a trade moves assets between
// the two counterparty accounts atomically, charges fees, and updates both
// positions, so the sum of every asset across all accounts changes only
// through deposits and withdrawals.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotsim/pkg/types"
)

// TradeSettlement carries one trade plus the resolved asset names and fees
// into the ledger. Fees are amounts, not rates; the engine resolves rate
// and fee asset before settling.
type TradeSettlement struct {
	Trade          types.Trade
	BaseAsset      string
	QuoteAsset     string
	BuyerFee       decimal.Decimal
	BuyerFeeAsset  string
	SellerFee      decimal.Decimal
	SellerFeeAsset string
}

// Manager owns all accounts. The onChange callback, when set, receives the
// post-mutation balance set after every change; the exchange wires it to the
// event bus so account updates are observable before the order updates that
// caused them.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	logger   *slog.Logger
	onChange func(types.AccountUpdate)
}

// NewManager creates an empty ledger.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		accounts: make(map[string]*Account),
		logger:   logger.With("component", "ledger"),
	}
}

// SetOnChange installs the balance-change callback. Must be called before
// the ledger sees traffic; the callback runs outside account locks.
func (m *Manager) SetOnChange(fn func(types.AccountUpdate)) {
	m.onChange = fn
}

func (m *Manager) notify(update types.AccountUpdate) {
	if m.onChange != nil {
		m.onChange(update)
	}
}

// CreateAccount registers a new user with empty balances.
func (m *Manager) CreateAccount(userID string) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("create account: empty user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; ok {
		return nil, fmt.Errorf("create account %s: %w", userID, types.ErrDuplicateUser)
	}
	a := newAccount(userID)
	m.accounts[userID] = a
	m.logger.Info("account created", "user_id", userID)
	return a, nil
}

// Account looks up a user's account.
func (m *Manager) Account(userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, types.ErrNotFound)
	}
	return a, nil
}

// Deposit credits a user's free balance and reports the change.
func (m *Manager) Deposit(userID, asset string, amount decimal.Decimal) error {
	a, err := m.Account(userID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := a.Deposit(asset, amount, now); err != nil {
		return err
	}
	m.notifyAccount(a)
	return nil
}

// Withdraw debits a user's free balance and reports the change.
func (m *Manager) Withdraw(userID, asset string, amount decimal.Decimal) error {
	a, err := m.Account(userID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := a.Withdraw(asset, amount, now); err != nil {
		return err
	}
	m.notifyAccount(a)
	return nil
}

// LockFunds reserves free balance for an open order.
func (m *Manager) LockFunds(userID, asset string, amount decimal.Decimal) error {
	a, err := m.Account(userID)
	if err != nil {
		return err
	}
	if err := a.Lock(asset, amount, time.Now()); err != nil {
		return err
	}
	m.notifyAccount(a)
	return nil
}

// UnlockFunds releases an order's unused reservation back to free.
func (m *Manager) UnlockFunds(userID, asset string, amount decimal.Decimal) error {
	a, err := m.Account(userID)
	if err != nil {
		return err
	}
	if err := a.Unlock(asset, amount, time.Now()); err != nil {
		return err
	}
	m.notifyAccount(a)
	return nil
}

func (m *Manager) notifyAccount(a *Account) {
	a.mu.Lock()
	update := a.updateLocked()
	a.mu.Unlock()
	m.notify(update)
}

// SettleTrade applies both legs of a trade atomically: the buyer's locked
// quote converts to base, the seller's locked base converts to quote, fees
// are charged, and both positions update. Accounts are locked in user id
// order so concurrent settlements cannot deadlock. On a precondition
// failure nothing is applied.
func (m *Manager) SettleTrade(s TradeSettlement) error {
	buyer, err := m.Account(s.Trade.BuyerUserID)
	if err != nil {
		return fmt.Errorf("settle trade %d buyer: %w", s.Trade.ID, err)
	}
	seller, err := m.Account(s.Trade.SellerUserID)
	if err != nil {
		return fmt.Errorf("settle trade %d seller: %w", s.Trade.ID, err)
	}

	first, second := buyer, seller
	if second.userID < first.userID {
		first, second = second, first
	}
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}
	unlock := func() {
		if second != first {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}

	notional := s.Trade.Notional()
	if locked := buyer.balance(s.QuoteAsset).locked; locked.LessThan(notional) {
		unlock()
		return fmt.Errorf("settle trade %d: buyer %s locked %s %s, need %s: %w",
			s.Trade.ID, buyer.userID, locked, s.QuoteAsset, notional, types.ErrInsufficientLocked)
	}
	if locked := seller.balance(s.BaseAsset).locked; locked.LessThan(s.Trade.Quantity) {
		unlock()
		return fmt.Errorf("settle trade %d: seller %s locked %s %s, need %s: %w",
			s.Trade.ID, seller.userID, locked, s.BaseAsset, s.Trade.Quantity, types.ErrInsufficientLocked)
	}

	now := time.Now()
	buyerPaid := buyer.applyBuyLocked(s.Trade, s.BaseAsset, s.QuoteAsset, s.BuyerFee, s.BuyerFeeAsset, now)
	sellerPaid := seller.applySellLocked(s.Trade, s.BaseAsset, s.QuoteAsset, s.SellerFee, s.SellerFeeAsset, now)

	buyerUpdate := buyer.updateLocked()
	sellerUpdate := seller.updateLocked()
	unlock()

	// Fees never fail a trade; an underfunded fee is charged partially.
	if buyerPaid.LessThan(s.BuyerFee) {
		m.logger.Warn("buyer fee underfunded",
			"trade_id", s.Trade.ID, "user_id", buyer.userID,
			"fee", s.BuyerFee, "charged", buyerPaid, "asset", s.BuyerFeeAsset)
	}
	if sellerPaid.LessThan(s.SellerFee) {
		m.logger.Warn("seller fee underfunded",
			"trade_id", s.Trade.ID, "user_id", seller.userID,
			"fee", s.SellerFee, "charged", sellerPaid, "asset", s.SellerFeeAsset)
	}

	m.logger.Debug("trade settled",
		"trade_id", s.Trade.ID,
		"symbol", s.Trade.Symbol,
		"price", s.Trade.Price,
		"qty", s.Trade.Quantity,
		"buyer", buyer.userID,
		"seller", seller.userID,
	)

	m.notify(buyerUpdate)
	if seller != buyer {
		m.notify(sellerUpdate)
	}
	return nil
}

// Snapshot returns a consistent copy of one account.
func (m *Manager) Snapshot(userID string) (types.AccountSnapshot, error) {
	a, err := m.Account(userID)
	if err != nil {
		return types.AccountSnapshot{}, err
	}
	return a.Snapshot(), nil
}

// Transactions returns one account's journal.
func (m *Manager) Transactions(userID string) ([]types.Transaction, error) {
	a, err := m.Account(userID)
	if err != nil {
		return nil, err
	}
	return a.Transactions(), nil
}

// Users returns all registered user ids.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		out = append(out, id)
	}
	return out
}
