package ledger

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotsim/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(logger)
}

// fundedManager creates a buyer with quote and a seller with base, both
// already locked for one trade of 1 BTC at 50000.
func fundedManager(t *testing.T) *Manager {
	t.Helper()
	m := newTestManager()
	for _, u := range []string{"buyer", "seller"} {
		if _, err := m.CreateAccount(u); err != nil {
			t.Fatalf("CreateAccount(%s): %v", u, err)
		}
	}
	if err := m.Deposit("buyer", "USDT", dec("100000")); err != nil {
		t.Fatal(err)
	}
	if err := m.Deposit("seller", "BTC", dec("2")); err != nil {
		t.Fatal(err)
	}
	if err := m.LockFunds("buyer", "USDT", dec("50000")); err != nil {
		t.Fatal(err)
	}
	if err := m.LockFunds("seller", "BTC", dec("1")); err != nil {
		t.Fatal(err)
	}
	return m
}

func testTrade() types.Trade {
	return types.Trade{
		ID: 1, Symbol: "BTCUSDT",
		Price: dec("50000"), Quantity: dec("1"),
		BuyOrderID: "ob", SellOrderID: "os",
		BuyerUserID: "buyer", SellerUserID: "seller",
		Timestamp: time.Now(),
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	if _, err := m.CreateAccount("u1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.CreateAccount("u1"); !errors.Is(err, types.ErrDuplicateUser) {
		t.Errorf("second create err = %v, want ErrDuplicateUser", err)
	}
}

func TestDepositWithdraw(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.CreateAccount("u1")

	if err := m.Deposit("u1", "USDT", dec("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.Deposit("u1", "USDT", dec("-5")); !errors.Is(err, types.ErrInvalidAmount) {
		t.Errorf("negative deposit err = %v, want ErrInvalidAmount", err)
	}
	if err := m.Withdraw("u1", "USDT", dec("40")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := m.Withdraw("u1", "USDT", dec("100")); !errors.Is(err, types.ErrInsufficientBalance) {
		t.Errorf("overdraw err = %v, want ErrInsufficientBalance", err)
	}

	snap, _ := m.Snapshot("u1")
	if got := snap.Balance("USDT").Free; !got.Equal(dec("60")) {
		t.Errorf("free = %v, want 60", got)
	}
}

func TestDepositUnknownUser(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	if err := m.Deposit("ghost", "USDT", dec("1")); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLockUnlock(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.CreateAccount("u1")
	m.Deposit("u1", "USDT", dec("100"))

	if err := m.LockFunds("u1", "USDT", dec("70")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	snap, _ := m.Snapshot("u1")
	b := snap.Balance("USDT")
	if !b.Free.Equal(dec("30")) || !b.Locked.Equal(dec("70")) {
		t.Errorf("after lock free=%v locked=%v, want 30/70", b.Free, b.Locked)
	}

	// Locked funds are not withdrawable.
	if err := m.Withdraw("u1", "USDT", dec("50")); !errors.Is(err, types.ErrInsufficientBalance) {
		t.Errorf("withdraw locked err = %v, want ErrInsufficientBalance", err)
	}

	if err := m.LockFunds("u1", "USDT", dec("40")); !errors.Is(err, types.ErrInsufficientBalance) {
		t.Errorf("over-lock err = %v, want ErrInsufficientBalance", err)
	}
	if err := m.UnlockFunds("u1", "USDT", dec("80")); !errors.Is(err, types.ErrInsufficientLocked) {
		t.Errorf("over-unlock err = %v, want ErrInsufficientLocked", err)
	}

	if err := m.UnlockFunds("u1", "USDT", dec("70")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	snap, _ = m.Snapshot("u1")
	if got := snap.Balance("USDT").Free; !got.Equal(dec("100")) {
		t.Errorf("free after unlock = %v, want 100", got)
	}
}

func TestSettleTrade(t *testing.T) {
	t.Parallel()
	m := fundedManager(t)

	err := m.SettleTrade(TradeSettlement{
		Trade: testTrade(), BaseAsset: "BTC", QuoteAsset: "USDT",
		BuyerFee: dec("0.001"), BuyerFeeAsset: "BTC",
		SellerFee: dec("50"), SellerFeeAsset: "USDT",
	})
	if err != nil {
		t.Fatalf("SettleTrade: %v", err)
	}

	buyer, _ := m.Snapshot("buyer")
	if got := buyer.Balance("USDT"); !got.Free.Equal(dec("50000")) || !got.Locked.IsZero() {
		t.Errorf("buyer USDT = %v/%v, want 50000/0", got.Free, got.Locked)
	}
	if got := buyer.Balance("BTC").Free; !got.Equal(dec("0.999")) {
		t.Errorf("buyer BTC = %v, want 0.999 after fee", got)
	}

	seller, _ := m.Snapshot("seller")
	if got := seller.Balance("BTC"); !got.Free.Equal(dec("1")) || !got.Locked.IsZero() {
		t.Errorf("seller BTC = %v/%v, want 1/0", got.Free, got.Locked)
	}
	if got := seller.Balance("USDT").Free; !got.Equal(dec("49950")) {
		t.Errorf("seller USDT = %v, want 49950 after fee", got)
	}

	// Both journals carry the trade.
	btx, _ := m.Transactions("buyer")
	if len(btx) != 2 || btx[1].Type != types.TxTrade || btx[1].TradeID != 1 {
		t.Errorf("buyer journal = %+v, want deposit then trade", btx)
	}
}

func TestSettleTradePreconditionsAtomic(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.CreateAccount("buyer")
	m.CreateAccount("seller")
	m.Deposit("buyer", "USDT", dec("100"))
	m.LockFunds("buyer", "USDT", dec("100"))
	// Seller has nothing locked: the settle must fail without touching the
	// buyer.

	err := m.SettleTrade(TradeSettlement{
		Trade: testTrade(), BaseAsset: "BTC", QuoteAsset: "USDT",
	})
	if !errors.Is(err, types.ErrInsufficientLocked) {
		t.Fatalf("err = %v, want ErrInsufficientLocked", err)
	}

	buyer, _ := m.Snapshot("buyer")
	if got := buyer.Balance("USDT").Locked; !got.Equal(dec("100")) {
		t.Errorf("buyer locked after failed settle = %v, want 100 untouched", got)
	}
	if tx, _ := m.Transactions("buyer"); len(tx) != 1 {
		t.Errorf("buyer journal grew on failed settle: %+v", tx)
	}
}

func TestSettleSelfTrade(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.CreateAccount("solo")
	m.Deposit("solo", "USDT", dec("50000"))
	m.Deposit("solo", "BTC", dec("1"))
	m.LockFunds("solo", "USDT", dec("50000"))
	m.LockFunds("solo", "BTC", dec("1"))

	tr := testTrade()
	tr.BuyerUserID = "solo"
	tr.SellerUserID = "solo"

	if err := m.SettleTrade(TradeSettlement{Trade: tr, BaseAsset: "BTC", QuoteAsset: "USDT"}); err != nil {
		t.Fatalf("self settle: %v", err)
	}

	snap, _ := m.Snapshot("solo")
	if got := snap.Balance("USDT"); !got.Free.Equal(dec("50000")) || !got.Locked.IsZero() {
		t.Errorf("USDT = %v/%v, want 50000/0", got.Free, got.Locked)
	}
	if got := snap.Balance("BTC"); !got.Free.Equal(dec("1")) || !got.Locked.IsZero() {
		t.Errorf("BTC = %v/%v, want 1/0", got.Free, got.Locked)
	}
}

func TestFeeUnderfundedClamps(t *testing.T) {
	t.Parallel()
	m := fundedManager(t)

	// Buyer fee asset is USDT but almost all of it is locked for the trade;
	// the charge clamps to what is free and the trade still settles.
	err := m.SettleTrade(TradeSettlement{
		Trade: testTrade(), BaseAsset: "BTC", QuoteAsset: "USDT",
		BuyerFee: dec("999999"), BuyerFeeAsset: "USDT",
	})
	if err != nil {
		t.Fatalf("SettleTrade: %v", err)
	}
	buyer, _ := m.Snapshot("buyer")
	if got := buyer.Balance("USDT").Free; !got.IsZero() {
		t.Errorf("buyer USDT free = %v, want 0 after clamped fee", got)
	}
	if got := buyer.Balance("BTC").Free; !got.Equal(dec("1")) {
		t.Errorf("buyer BTC = %v, want full 1 despite fee shortfall", got)
	}
}

func TestPositionTracking(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.CreateAccount("u1")
	m.CreateAccount("u2")
	m.Deposit("u1", "USDT", dec("100000"))
	m.Deposit("u2", "BTC", dec("10"))

	settle := func(id uint64, price, qty string, buyer, seller string) {
		t.Helper()
		p, q := dec(price), dec(qty)
		if buyer == "u1" {
			if err := m.LockFunds("u1", "USDT", p.Mul(q)); err != nil {
				t.Fatal(err)
			}
			if err := m.LockFunds("u2", "BTC", q); err != nil {
				t.Fatal(err)
			}
		} else {
			if err := m.LockFunds("u1", "BTC", q); err != nil {
				t.Fatal(err)
			}
			if err := m.LockFunds("u2", "USDT", p.Mul(q)); err != nil {
				t.Fatal(err)
			}
		}
		err := m.SettleTrade(TradeSettlement{
			Trade: types.Trade{
				ID: id, Symbol: "BTCUSDT", Price: p, Quantity: q,
				BuyerUserID: buyer, SellerUserID: seller, Timestamp: time.Now(),
			},
			BaseAsset: "BTC", QuoteAsset: "USDT",
		})
		if err != nil {
			t.Fatalf("settle %d: %v", id, err)
		}
	}

	// Two buys at different prices average the entry cost.
	settle(1, "100", "1", "u1", "u2")
	settle(2, "110", "1", "u1", "u2")

	snap, _ := m.Snapshot("u1")
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %+v, want one", snap.Positions)
	}
	pos := snap.Positions[0]
	if !pos.Quantity.Equal(dec("2")) || !pos.AvgCost.Equal(dec("105")) {
		t.Errorf("position = qty %v avg %v, want 2 @ 105", pos.Quantity, pos.AvgCost)
	}

	// Funding for u2's buy side.
	m.Deposit("u2", "USDT", dec("100000"))

	// Selling half realizes (120-105)*1 = 15.
	settle(3, "120", "1", "u2", "u1")
	snap, _ = m.Snapshot("u1")
	pos = snap.Positions[0]
	if !pos.RealizedPnL.Equal(dec("15")) {
		t.Errorf("realized = %v, want 15", pos.RealizedPnL)
	}
	if !pos.Quantity.Equal(dec("1")) || !pos.AvgCost.Equal(dec("105")) {
		t.Errorf("position after partial close = qty %v avg %v, want 1 @ 105", pos.Quantity, pos.AvgCost)
	}

	// Selling the rest flattens the position and resets the entry cost.
	settle(4, "100", "1", "u2", "u1")
	snap, _ = m.Snapshot("u1")
	pos = snap.Positions[0]
	if !pos.Quantity.IsZero() || !pos.AvgCost.IsZero() {
		t.Errorf("flat position = qty %v avg %v, want zeros", pos.Quantity, pos.AvgCost)
	}
	if !pos.RealizedPnL.Equal(dec("10")) {
		// 15 from trade 3, -5 from trade 4.
		t.Errorf("realized = %v, want 10", pos.RealizedPnL)
	}
}

func TestSnapshotOmitsZeroBalances(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.CreateAccount("u1")
	m.Deposit("u1", "USDT", dec("10"))
	m.Deposit("u1", "BTC", dec("1"))
	m.Withdraw("u1", "BTC", dec("1"))

	snap, _ := m.Snapshot("u1")
	if len(snap.Balances) != 1 || snap.Balances[0].Asset != "USDT" {
		t.Errorf("balances = %+v, want only USDT", snap.Balances)
	}
}

func TestOnChangeFires(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	var mu sync.Mutex
	var updates []types.AccountUpdate
	m.SetOnChange(func(u types.AccountUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	m.CreateAccount("u1")
	m.Deposit("u1", "USDT", dec("100"))
	m.LockFunds("u1", "USDT", dec("40"))

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2 (deposit, lock)", len(updates))
	}
	last := updates[1]
	if last.UserID != "u1" || len(last.Balances) != 1 {
		t.Fatalf("last update = %+v", last)
	}
	if !last.Balances[0].Locked.Equal(dec("40")) {
		t.Errorf("locked in update = %v, want 40", last.Balances[0].Locked)
	}
}

func TestValueConservation(t *testing.T) {
	t.Parallel()
	m := fundedManager(t)

	totalOf := func(asset string) decimal.Decimal {
		sum := decimal.Zero
		for _, u := range m.Users() {
			snap, _ := m.Snapshot(u)
			sum = sum.Add(snap.Balance(asset).Total())
		}
		return sum
	}

	usdtBefore, btcBefore := totalOf("USDT"), totalOf("BTC")

	// No fees: settlement must move value between accounts, never create
	// or destroy it.
	if err := m.SettleTrade(TradeSettlement{Trade: testTrade(), BaseAsset: "BTC", QuoteAsset: "USDT"}); err != nil {
		t.Fatal(err)
	}

	if got := totalOf("USDT"); !got.Equal(usdtBefore) {
		t.Errorf("total USDT = %v, want %v", got, usdtBefore)
	}
	if got := totalOf("BTC"); !got.Equal(btcBefore) {
		t.Errorf("total BTC = %v, want %v", got, btcBefore)
	}
}

func TestConcurrentSettlesNoDeadlock(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.CreateAccount("alice")
	m.CreateAccount("bob")
	m.Deposit("alice", "USDT", dec("100000"))
	m.Deposit("alice", "BTC", dec("100"))
	m.Deposit("bob", "USDT", dec("100000"))
	m.Deposit("bob", "BTC", dec("100"))
	m.LockFunds("alice", "USDT", dec("50000"))
	m.LockFunds("alice", "BTC", dec("50"))
	m.LockFunds("bob", "USDT", dec("50000"))
	m.LockFunds("bob", "BTC", dec("50"))

	// Opposite-direction settlements between the same pair must not
	// deadlock thanks to canonical lock ordering.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := uint64(i)
		go func() {
			defer wg.Done()
			m.SettleTrade(TradeSettlement{
				Trade: types.Trade{
					ID: id, Symbol: "BTCUSDT", Price: dec("10"), Quantity: dec("0.1"),
					BuyerUserID: "alice", SellerUserID: "bob", Timestamp: time.Now(),
				},
				BaseAsset: "BTC", QuoteAsset: "USDT",
			})
		}()
		go func() {
			defer wg.Done()
			m.SettleTrade(TradeSettlement{
				Trade: types.Trade{
					ID: id + 1000, Symbol: "BTCUSDT", Price: dec("10"), Quantity: dec("0.1"),
					BuyerUserID: "bob", SellerUserID: "alice", Timestamp: time.Now(),
				},
				BaseAsset: "BTC", QuoteAsset: "USDT",
			})
		}()
	}
	wg.Wait()
}
