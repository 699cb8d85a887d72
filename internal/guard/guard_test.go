package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeAccounts is a minimal AccountStore with conditional status updates.
type fakeAccounts struct {
	accounts map[string]*model.Account
	// raceOnce flips the status to SUSPENDED before the first CAS lands.
	raceOnce bool
}

func (f *fakeAccounts) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := f.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrAccountExists, a.ID)
	}
	cp := *a
	cp.WalletBalance = decimal.Zero
	f.accounts[a.ID] = &cp
	return nil
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) SetAccountStatus(_ context.Context, id string, from, to model.AccountStatus) (*model.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	if f.raceOnce {
		f.raceOnce = false
		a.Status = model.AccountSuspended
	}
	if a.Status != from {
		return nil, model.ErrStatusChanged
	}
	a.Status = to
	cp := *a
	return &cp, nil
}

func newFake(accts ...model.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[string]*model.Account)}
	for i := range accts {
		a := accts[i]
		f.accounts[a.ID] = &a
	}
	return f
}

func TestRule(t *testing.T) {
	g := NewGuard(nil, d(10000))

	tests := []struct {
		name    string
		role    model.Role
		current model.AccountStatus
		balance float64
		want    model.AccountStatus
	}{
		{"courier below limit", model.RoleCourier, model.AccountActive, 4000, model.AccountFrozen},
		{"courier at limit", model.RoleCourier, model.AccountFrozen, 10000, model.AccountActive},
		{"courier above limit", model.RoleCourier, model.AccountFrozen, 12000, model.AccountActive},
		{"suspended wins over balance", model.RoleCourier, model.AccountSuspended, 50000, model.AccountSuspended},
		{"merchant never frozen", model.RoleMerchant, model.AccountActive, 0, model.AccountActive},
		{"platform never frozen", model.RolePlatform, model.AccountFrozen, 0, model.AccountActive},
	}
	for _, tt := range tests {
		if got := g.Rule(tt.role, tt.current, d(tt.balance)); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestNewGuard_NegativeLimitIsZero(t *testing.T) {
	g := NewGuard(nil, d(-5))
	if !g.MinWalletLimit.IsZero() {
		t.Errorf("expected zero limit, got %s", g.MinWalletLimit)
	}
}

func TestCheckClaimable(t *testing.T) {
	g := NewGuard(nil, d(10000))

	ok := &model.Account{ID: "c1", Role: model.RoleCourier, Status: model.AccountActive, WalletBalance: d(10000)}
	if err := g.CheckClaimable(ok); err != nil {
		t.Errorf("expected claimable, got %v", err)
	}

	frozen := &model.Account{ID: "c2", Role: model.RoleCourier, Status: model.AccountActive, WalletBalance: d(4000)}
	if err := g.CheckClaimable(frozen); !errors.Is(err, model.ErrAccountFrozen) {
		t.Errorf("expected ErrAccountFrozen, got %v", err)
	}

	suspended := &model.Account{ID: "c3", Role: model.RoleCourier, Status: model.AccountSuspended, WalletBalance: d(90000)}
	if err := g.CheckClaimable(suspended); !errors.Is(err, model.ErrAccountSuspended) {
		t.Errorf("expected ErrAccountSuspended, got %v", err)
	}

	merchant := &model.Account{ID: "m1", Role: model.RoleMerchant, Status: model.AccountActive}
	if err := g.CheckClaimable(merchant); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected merchant to be rejected as courier, got %v", err)
	}
}

func TestEvaluate_PersistsFreeze(t *testing.T) {
	st := newFake(model.Account{ID: "c1", Role: model.RoleCourier, Status: model.AccountActive, WalletBalance: d(4000)})
	g := NewGuard(st, d(10000))

	status, err := g.Evaluate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != model.AccountFrozen {
		t.Errorf("expected FROZEN, got %s", status)
	}
	if st.accounts["c1"].Status != model.AccountFrozen {
		t.Errorf("expected stored status FROZEN, got %s", st.accounts["c1"].Status)
	}
}

func TestEvaluate_UnknownAccount(t *testing.T) {
	g := NewGuard(newFake(), d(10000))
	if _, err := g.Evaluate(context.Background(), "nobody"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestEvaluate_RetriesOnConcurrentChange(t *testing.T) {
	st := newFake(model.Account{ID: "c1", Role: model.RoleCourier, Status: model.AccountActive, WalletBalance: d(100)})
	st.raceOnce = true
	g := NewGuard(st, d(10000))

	status, err := g.Evaluate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The concurrent suspension must win.
	if status != model.AccountSuspended {
		t.Errorf("expected SUSPENDED after retry, got %s", status)
	}
}

func TestSuspendAndReinstate(t *testing.T) {
	st := newFake(model.Account{ID: "c1", Role: model.RoleCourier, Status: model.AccountActive, WalletBalance: d(3000)})
	g := NewGuard(st, d(10000))
	ctx := context.Background()

	acct, err := g.Suspend(ctx, "c1")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if acct.Status != model.AccountSuspended {
		t.Errorf("expected SUSPENDED, got %s", acct.Status)
	}

	acct, err = g.Reinstate(ctx, "c1")
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	// Balance 3000 < 10000, so reinstating lands in FROZEN.
	if acct.Status != model.AccountFrozen {
		t.Errorf("expected FROZEN after reinstate, got %s", acct.Status)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(_ context.Context, e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestSync_EmitsStatusChange(t *testing.T) {
	st := newFake(model.Account{ID: "c1", Role: model.RoleCourier, Status: model.AccountActive, WalletBalance: d(4000)})
	sink := &recordingSink{}
	g := NewGuard(st, d(10000)).WithAudit(sink)
	ctx := context.Background()

	if _, err := g.Evaluate(ctx, "c1"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Already FROZEN: no second event.
	if _, err := g.Evaluate(ctx, "c1"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := g.Suspend(ctx, "c1"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(sink.events))
	}
	first, second := sink.events[0], sink.events[1]
	if first.Type != audit.AccountStatus || first.EntityID != "c1" {
		t.Errorf("unexpected event %+v", first)
	}
	if first.Data["from"] != "ACTIVE" || first.Data["to"] != "FROZEN" {
		t.Errorf("expected ACTIVE → FROZEN, got %v → %v", first.Data["from"], first.Data["to"])
	}
	if second.Data["from"] != "FROZEN" || second.Data["to"] != "SUSPENDED" {
		t.Errorf("expected FROZEN → SUSPENDED, got %v → %v", second.Data["from"], second.Data["to"])
	}
}

func TestProvision(t *testing.T) {
	st := newFake()
	sink := &recordingSink{}
	g := NewGuard(st, d(10000)).WithAudit(sink)
	ctx := context.Background()

	courier, err := g.Provision(ctx, "c9", model.RoleCourier, "admin-1")
	if err != nil {
		t.Fatalf("provision courier: %v", err)
	}
	if courier.Status != model.AccountFrozen || !courier.WalletBalance.IsZero() {
		t.Errorf("new courier should be FROZEN at zero, got %s / %s", courier.Status, courier.WalletBalance)
	}

	merchant, err := g.Provision(ctx, "m9", model.RoleMerchant, "admin-1")
	if err != nil {
		t.Fatalf("provision merchant: %v", err)
	}
	if merchant.Status != model.AccountActive {
		t.Errorf("merchant should be ACTIVE, got %s", merchant.Status)
	}

	if _, err := g.Provision(ctx, "m9", model.RoleMerchant, "admin-1"); !errors.Is(err, model.ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}
	if _, err := g.Provision(ctx, "p2", model.RolePlatform, "admin-1"); !errors.Is(err, model.ErrInvalidAccount) {
		t.Errorf("expected platform role to be refused, got %v", err)
	}
	if _, err := g.Provision(ctx, "", model.RoleCourier, "admin-1"); !errors.Is(err, model.ErrInvalidAccount) {
		t.Errorf("expected missing id to be refused, got %v", err)
	}

	if len(sink.events) != 2 || sink.events[0].Type != audit.AccountCreated || sink.events[0].Actor != "admin-1" {
		t.Errorf("expected two account_created events, got %+v", sink.events)
	}
}
