package purchase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
	"github.com/vladislavdragonenkov/purchases/internal/lock"
	"github.com/vladislavdragonenkov/purchases/internal/metrics"
	"github.com/vladislavdragonenkov/purchases/internal/notify"
	"github.com/vladislavdragonenkov/purchases/internal/storage/memory"
)

var (
	customer = domain.Actor{ID: "user-1", Role: domain.RoleCustomer}
	stranger = domain.Actor{ID: "user-2", Role: domain.RoleCustomer}
	admin    = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	steward  = domain.Actor{ID: "gate-7", Role: domain.RoleStaff}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *memory.Store
	card     *gateway.SandboxGateway
	paypal   *gateway.SandboxGateway
	recorder *notify.Recorder
	locker   *lock.Memory
	clock    *testClock
	svc      *Service
}

var matchStart = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, gateways ...gateway.Gateway) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.NewStore(),
		card:     gateway.NewSandboxGateway(domain.PaymentMethodCard),
		paypal:   gateway.NewSandboxGateway(domain.PaymentMethodPayPal),
		recorder: notify.NewRecorder(),
		locker:   lock.NewMemory(),
		clock:    &testClock{now: matchStart.Add(-6 * time.Hour)},
	}
	if len(gateways) == 0 {
		gateways = []gateway.Gateway{f.card, f.paypal}
	}

	ctx := context.Background()
	repos := f.store.Repositories()
	for _, e := range []domain.LedgerEntry{
		{ResourceID: "size-5", Kind: domain.ResourceKindProductSize, Capacity: 10, PriceMinor: 1000, Currency: "USD"},
		{ResourceID: "size-last", Kind: domain.ResourceKindProductSize, Capacity: 1, PriceMinor: 5000, Currency: "USD"},
		{ResourceID: "sector-a", Kind: domain.ResourceKindTicketSector, Capacity: 100, PriceMinor: 2500, Currency: "EUR", MatchID: "match-1"},
		{ResourceID: "season-2026", Kind: domain.ResourceKindMembershipCampaign, Capacity: 500, PriceMinor: 9900, Currency: "EUR", CampaignID: "campaign-2026"},
		{ResourceID: "season-2025", Kind: domain.ResourceKindMembershipCampaign, Capacity: 500, PriceMinor: 8900, Currency: "EUR", CampaignID: "campaign-2025"},
	} {
		require.NoError(t, repos.Ledger.Upsert(ctx, e))
	}
	require.NoError(t, repos.Catalog.UpsertMatch(ctx, domain.Match{ID: "match-1", Title: "Derby", StartsAt: matchStart}))
	require.NoError(t, repos.Catalog.UpsertCampaign(ctx, domain.MembershipCampaign{ID: "campaign-2026", Title: "Season 2026", Active: true}))
	require.NoError(t, repos.Catalog.UpsertCampaign(ctx, domain.MembershipCampaign{ID: "campaign-2025", Title: "Season 2025", Active: false}))

	m := metrics.NewPurchaseMetricsWithRegisterer(prometheus.NewRegistry())
	f.svc = NewService(f.store, gateway.NewRegistry(gateways...),
		WithMetrics(m),
		WithDispatcher(notify.NewDispatcher(f.recorder, notify.WithMetrics(m))),
		WithLocker(f.locker),
		WithClock(f.clock.Now),
		WithRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}),
	)
	return f
}

func (f *fixture) available(t *testing.T, resourceID string) int64 {
	t.Helper()
	entry, err := f.store.Repositories().Ledger.Get(context.Background(), resourceID)
	require.NoError(t, err)
	return entry.Available()
}

func (f *fixture) payment(t *testing.T, paymentID string) domain.Payment {
	t.Helper()
	p, err := f.store.Repositories().Payments.Get(context.Background(), paymentID)
	require.NoError(t, err)
	return p
}

func (f *fixture) purchase(t *testing.T, id string) domain.Purchase {
	t.Helper()
	p, err := f.store.Repositories().Purchases.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) initiateOrder(t *testing.T, qty int32) PendingPayment {
	t.Helper()
	pending, err := f.svc.Initiate(context.Background(), customer, domain.PurchaseKindOrder, InitiateRequest{
		Items:  []domain.ItemRequest{{ResourceID: "size-5", Qty: qty}},
		Method: domain.PaymentMethodCard,
	})
	require.NoError(t, err)
	return pending
}

func (f *fixture) initiateTicket(t *testing.T) PendingPayment {
	t.Helper()
	pending, err := f.svc.Initiate(context.Background(), customer, domain.PurchaseKindTicket, InitiateRequest{
		Items:  []domain.ItemRequest{{ResourceID: "sector-a", Qty: 1}},
		Method: domain.PaymentMethodPayPal,
	})
	require.NoError(t, err)
	return pending
}

func TestOrder_InitiateReservesAndOpensPayment(t *testing.T) {
	f := newFixture(t)
	expected := int64(2000)

	pending, err := f.svc.Initiate(context.Background(), customer, domain.PurchaseKindOrder, InitiateRequest{
		Items:               []domain.ItemRequest{{ResourceID: "size-5", Qty: 2}},
		Method:              domain.PaymentMethodCard,
		ExpectedAmountMinor: &expected,
		Currency:            "usd",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateInitiated, pending.State)
	assert.Equal(t, int64(2000), pending.AmountMinor)
	assert.Equal(t, "USD", pending.Currency)
	assert.NotEmpty(t, pending.TransactionID)
	assert.NotEmpty(t, pending.ClientSecret)
	assert.Equal(t, f.clock.Now().Add(DefaultReservationTTL), pending.ExpiresAt)

	p := f.purchase(t, pending.PurchaseID)
	assert.Equal(t, customer.ID, p.OwnerID)
	assert.Equal(t, pending.PaymentID, p.PaymentID)
	require.Len(t, p.Lines, 1)
	assert.Equal(t, int64(1000), p.Lines[0].UnitPriceMinor)

	payment := f.payment(t, pending.PaymentID)
	assert.Equal(t, domain.PaymentStatusPending, payment.Status)
	assert.Equal(t, pending.TransactionID, payment.TransactionID)
	assert.Equal(t, p.ID, payment.PurchaseID)

	assert.Equal(t, int64(8), f.available(t, "size-5"))
	assert.Empty(t, f.recorder.Sent(), "initiation does not notify")

	history, err := f.store.Repositories().History.List(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StateInitiated, history[0].To)
}

func TestInitiate_Rejections(t *testing.T) {
	mismatch := int64(1)

	tests := []struct {
		name    string
		actor   domain.Actor
		kind    domain.PurchaseKind
		req     InitiateRequest
		wantErr error
	}{
		{
			name:    "anonymous caller",
			actor:   domain.Actor{},
			kind:    domain.PurchaseKindOrder,
			req:     InitiateRequest{Items: []domain.ItemRequest{{ResourceID: "size-5", Qty: 1}}, Method: domain.PaymentMethodCard},
			wantErr: domain.ErrUnauthenticated,
		},
		{
			name:    "missing method",
			actor:   customer,
			kind:    domain.PurchaseKindOrder,
			req:     InitiateRequest{Items: []domain.ItemRequest{{ResourceID: "size-5", Qty: 1}}},
			wantErr: domain.ErrPaymentMethodRequired,
		},
		{
			name:    "stale client amount",
			actor:   customer,
			kind:    domain.PurchaseKindOrder,
			req:     InitiateRequest{Items: []domain.ItemRequest{{ResourceID: "size-5", Qty: 1}}, Method: domain.PaymentMethodCard, ExpectedAmountMinor: &mismatch},
			wantErr: domain.ErrAmountMismatch,
		},
		{
			name:    "wrong currency",
			actor:   customer,
			kind:    domain.PurchaseKindOrder,
			req:     InitiateRequest{Items: []domain.ItemRequest{{ResourceID: "size-5", Qty: 1}}, Method: domain.PaymentMethodCard, Currency: "EUR"},
			wantErr: domain.ErrAmountMismatch,
		},
		{
			name:    "two tickets in one purchase",
			actor:   customer,
			kind:    domain.PurchaseKindTicket,
			req:     InitiateRequest{Items: []domain.ItemRequest{{ResourceID: "sector-a", Qty: 2}}, Method: domain.PaymentMethodCard},
			wantErr: domain.ErrSingleItemRequired,
		},
		{
			name:    "inactive campaign",
			actor:   customer,
			kind:    domain.PurchaseKindMembership,
			req:     InitiateRequest{Items: []domain.ItemRequest{{ResourceID: "season-2025", Qty: 1}}, Method: domain.PaymentMethodCard},
			wantErr: domain.ErrCampaignInactive,
		},
		{
			name:    "unknown kind",
			actor:   customer,
			kind:    domain.PurchaseKind("gift"),
			req:     InitiateRequest{Items: []domain.ItemRequest{{ResourceID: "size-5", Qty: 1}}, Method: domain.PaymentMethodCard},
			wantErr: domain.ErrUnknownPurchaseKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			before := map[string]int64{
				"size-5":      f.available(t, "size-5"),
				"sector-a":    f.available(t, "sector-a"),
				"season-2025": f.available(t, "season-2025"),
			}

			_, err := f.svc.Initiate(context.Background(), tt.actor, tt.kind, tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			for id, want := range before {
				assert.Equal(t, want, f.available(t, id), "reservation of %s is rolled back", id)
			}
		})
	}
}

func TestInitiate_GatewayFailureRollsBackReservation(t *testing.T) {
	f := newFixture(t)
	f.card.FailOpen(domain.ErrGatewayUnavailable)

	_, err := f.svc.Initiate(context.Background(), customer, domain.PurchaseKindOrder, InitiateRequest{
		Items:  []domain.ItemRequest{{ResourceID: "size-5", Qty: 3}},
		Method: domain.PaymentMethodCard,
	})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, domain.ErrorKindGateway, domain.KindOf(err))
	assert.Equal(t, int64(10), f.available(t, "size-5"))

	list, err := f.svc.ListByOwner(context.Background(), customer, "", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInitiate_LastUnitHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	const buyers = 16

	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		outOfStk atomic.Int32
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := domain.Actor{ID: "buyer-" + string(rune('a'+i)), Role: domain.RoleCustomer}
			_, err := f.svc.Initiate(context.Background(), actor, domain.PurchaseKindOrder, InitiateRequest{
				Items:  []domain.ItemRequest{{ResourceID: "size-last", Qty: 1}},
				Method: domain.PaymentMethodCard,
			})
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				outOfStk.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(buyers-1), outOfStk.Load())
	assert.Equal(t, int64(0), f.available(t, "size-last"))
	assert.Equal(t, 1, f.card.Calls().Open, "losers never reach the gateway")
}

func TestConfirm_MovesOrderToProcessing(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 2)

	p, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)

	assert.Equal(t, domain.StateProcessing, p.State)
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, f.clock.Now(), *p.CompletedAt)
	assert.Equal(t, domain.PaymentStatusCompleted, f.payment(t, pending.PaymentID).Status)
	assert.Equal(t, p.Version, f.purchase(t, p.ID).Version)

	sent := f.recorder.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, customer.ID, sent[0].Recipient)
	assert.Equal(t, domain.StateInitiated, sent[0].OldState)
	assert.Equal(t, domain.StateProcessing, sent[0].NewState)
}

func TestConfirm_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 1)

	first, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)
	second, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)

	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, 1, f.card.Calls().Confirm, "second confirm does not touch the gateway")
	assert.Len(t, f.recorder.Sent(), 1, "second confirm does not notify again")
}

func TestConfirm_GatewayDeclined(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 2)
	f.card.SetOutcome(pending.TransactionID, domain.PaymentStatusFailed)

	_, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.Equal(t, domain.ErrorKindGateway, domain.KindOf(err))

	assert.Equal(t, domain.PaymentStatusFailed, f.payment(t, pending.PaymentID).Status)
	assert.Equal(t, domain.StateInitiated, f.purchase(t, pending.PurchaseID).State)
	assert.Equal(t, int64(8), f.available(t, "size-5"), "reservation is held until cancel or expiry")
	assert.Empty(t, f.recorder.Sent())

	_, err = f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrPaymentNotPending)
}

func TestConfirm_NotApprovedYet(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateTicket(t)
	f.paypal.SetOutcome(pending.TransactionID, domain.PaymentStatusPending)

	_, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrPaymentNotApproved)
	assert.Equal(t, domain.StatePending, f.purchase(t, pending.PurchaseID).State)
	assert.Equal(t, domain.PaymentStatusPending, f.payment(t, pending.PaymentID).Status)

	f.paypal.SetOutcome(pending.TransactionID, domain.PaymentStatusCompleted)
	p, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateValid, p.State)
}

func TestConfirm_InProgress(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 1)

	release, err := f.locker.Acquire(context.Background(), ConfirmLockKey(pending.TransactionID), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrConfirmInProgress)
	assert.Equal(t, domain.ErrorKindConflict, domain.KindOf(err))
	assert.Zero(t, f.card.Calls().Confirm)

	release()
	_, err = f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)
}

// lockerWithHook выполняет before перед захватом блокировки.
type lockerWithHook struct {
	lock.Locker
	before func()
}

func (l lockerWithHook) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.before()
	return l.Locker.Acquire(ctx, key, ttl)
}

func TestConfirm_ExpiredWhileWaitingForLock(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 1)
	f.clock.Advance(DefaultReservationTTL)

	svc := NewService(f.store, gateway.NewRegistry(f.card, f.paypal),
		WithMetrics(metrics.NewPurchaseMetricsWithRegisterer(prometheus.NewRegistry())),
		WithDispatcher(notify.NewDispatcher(f.recorder)),
		WithLocker(lockerWithHook{Locker: f.locker, before: func() {
			_, err := f.svc.Expire(context.Background(), pending.PurchaseID)
			require.NoError(t, err)
		}}),
		WithClock(f.clock.Now),
	)

	_, err := svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrPurchaseExpired)
	assert.Zero(t, f.card.Calls().Confirm)
	assert.Zero(t, f.card.Calls().Refund)
	assert.Equal(t, domain.StateCancelled, f.purchase(t, pending.PurchaseID).State)
	assert.Equal(t, int64(10), f.available(t, "size-5"))
}

func TestConfirm_Access(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 1)

	_, err := f.svc.Confirm(context.Background(), stranger, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.Confirm(context.Background(), customer, "")
	require.ErrorIs(t, err, domain.ErrTransactionIDRequired)

	_, err = f.svc.Confirm(context.Background(), customer, "sbx_missing")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)

	p, err := f.svc.Confirm(context.Background(), admin, pending.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, p.State)
}

// racingGateway отменяет покупку между ответом провайдера и сохранением подтверждения.
type racingGateway struct {
	*gateway.SandboxGateway
	beforeReturn func()
}

func (g *racingGateway) ConfirmIntent(ctx context.Context, transactionID string) (domain.PaymentStatus, error) {
	status, err := g.SandboxGateway.ConfirmIntent(ctx, transactionID)
	if g.beforeReturn != nil {
		g.beforeReturn()
	}
	return status, err
}

func TestConfirm_RefundsWhenStateChangedConcurrently(t *testing.T) {
	sandbox := gateway.NewSandboxGateway(domain.PaymentMethodCard)
	racing := &racingGateway{SandboxGateway: sandbox}
	f := newFixture(t, racing)

	pending := f.initiateOrder(t, 2)
	racing.beforeReturn = func() {
		_, err := f.svc.Cancel(context.Background(), customer, pending.PurchaseID, "changed my mind")
		require.NoError(t, err)
	}

	_, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrPaymentStatusConflict)

	assert.True(t, sandbox.Refunded(pending.TransactionID), "captured money is returned")
	assert.Equal(t, domain.StateCancelled, f.purchase(t, pending.PurchaseID).State)
	assert.Equal(t, domain.PaymentStatusFailed, f.payment(t, pending.PaymentID).Status)
	assert.Equal(t, int64(10), f.available(t, "size-5"))
}

func TestOrder_AdminLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.initiateOrder(t, 1)
	_, err := f.svc.Confirm(ctx, customer, pending.TransactionID)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, admin, pending.PurchaseID, domain.StateShipped, "")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.Equal(t, domain.StateProcessing, f.purchase(t, pending.PurchaseID).State)

	_, err = f.svc.Transition(ctx, customer, pending.PurchaseID, domain.StateConfirmed, "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	p, err := f.svc.Transition(ctx, admin, pending.PurchaseID, domain.StateConfirmed, "packed")
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, p.State)
	assert.Equal(t, "packed", p.Notes)

	f.clock.Advance(time.Hour)
	p, err = f.svc.Transition(ctx, admin, pending.PurchaseID, domain.StateShipped, "tracking 42")
	require.NoError(t, err)
	require.NotNil(t, p.ShippedAt)
	assert.Equal(t, f.clock.Now(), *p.ShippedAt)

	f.clock.Advance(24 * time.Hour)
	p, err = f.svc.Transition(ctx, admin, pending.PurchaseID, domain.StateFinished, "")
	require.NoError(t, err)
	require.NotNil(t, p.DeliveredAt)
	assert.Equal(t, f.clock.Now(), *p.DeliveredAt)

	_, err = f.svc.Transition(ctx, admin, pending.PurchaseID, domain.StateCancelled, "")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	history, err := f.store.Repositories().History.List(ctx, pending.PurchaseID)
	require.NoError(t, err)
	assert.Len(t, history, 5)
	assert.Len(t, f.recorder.Sent(), 4)
}

func TestOrder_TransitionRejectsOtherKindsAndUnknownStates(t *testing.T) {
	f := newFixture(t)
	ticket := f.initiateTicket(t)
	order := f.initiateOrder(t, 1)

	_, err := f.svc.Transition(context.Background(), admin, ticket.PurchaseID, domain.StateConfirmed, "")
	require.ErrorIs(t, err, domain.ErrKindMismatch)

	_, err = f.svc.Transition(context.Background(), admin, order.PurchaseID, domain.PurchaseState("lost"), "")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestOrder_AdminCancelAfterPaymentRefunds(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 3)
	_, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)

	p, err := f.svc.Transition(context.Background(), admin, pending.PurchaseID, domain.StateCancelled, "out of stock at warehouse")
	require.NoError(t, err)

	assert.Equal(t, domain.StateCancelled, p.State)
	assert.Equal(t, "out of stock at warehouse", p.CancelReason)
	assert.Equal(t, domain.PaymentStatusRefunded, f.payment(t, pending.PaymentID).Status)
	assert.True(t, f.card.Refunded(pending.TransactionID))
	assert.Equal(t, int64(10), f.available(t, "size-5"))
}

func TestOrder_RefundFailureKeepsOrderProcessing(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 1)
	_, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)
	f.card.FailRefund(domain.ErrGatewayUnavailable)

	_, err = f.svc.Transition(context.Background(), admin, pending.PurchaseID, domain.StateCancelled, "")
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	assert.Equal(t, domain.StateProcessing, f.purchase(t, pending.PurchaseID).State)
	assert.Equal(t, domain.PaymentStatusCompleted, f.payment(t, pending.PaymentID).Status)
	assert.Equal(t, int64(9), f.available(t, "size-5"))
}

func TestCancel_BeforePayment(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateOrder(t, 2)

	_, err := f.svc.Cancel(context.Background(), stranger, pending.PurchaseID, "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	p, err := f.svc.Cancel(context.Background(), customer, pending.PurchaseID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, p.State)
	assert.Equal(t, "cancelled by customer", p.CancelReason)
	assert.Equal(t, domain.PaymentStatusFailed, f.payment(t, pending.PaymentID).Status)
	assert.Equal(t, int64(10), f.available(t, "size-5"))
	assert.Len(t, f.recorder.Sent(), 1)

	_, err = f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.ErrorIs(t, err, domain.ErrPaymentNotPending)
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	pending := f.initiateTicket(t)

	_, err := f.svc.Expire(context.Background(), pending.PurchaseID)
	require.ErrorIs(t, err, domain.ErrReservationNotExpired)
	assert.Equal(t, domain.ErrorKindConflict, domain.KindOf(err))
	assert.Equal(t, int64(99), f.available(t, "sector-a"))

	f.clock.Advance(DefaultReservationTTL)
	p, err := f.svc.Expire(context.Background(), pending.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, p.State)
	assert.Equal(t, "reservation expired", p.CancelReason)
	assert.Equal(t, int64(100), f.available(t, "sector-a"))
	assert.Equal(t, domain.PaymentStatusFailed, f.payment(t, pending.PaymentID).Status)
}

func TestTicket_SaleClosesAtKickoff(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(matchStart)

	_, err := f.svc.Initiate(context.Background(), customer, domain.PurchaseKindTicket, InitiateRequest{
		Items:  []domain.ItemRequest{{ResourceID: "sector-a", Qty: 1}},
		Method: domain.PaymentMethodCard,
	})
	require.ErrorIs(t, err, domain.ErrMatchStarted)
	assert.Equal(t, int64(100), f.available(t, "sector-a"))
}

func TestTicket_ConsumeWithinGraceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.initiateTicket(t)
	require.NotEmpty(t, pending.TicketCode)
	assert.NotEmpty(t, pending.ApprovalURL)

	p, err := f.svc.Confirm(ctx, customer, pending.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateValid, p.State)

	f.clock.Set(matchStart.Add(5 * time.Minute))

	_, err = f.svc.Consume(ctx, customer, pending.TicketCode)
	require.ErrorIs(t, err, domain.ErrForbidden)

	result, err := f.svc.Consume(ctx, steward, pending.TicketCode)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, domain.StateUsed, result.Purchase.State)
	require.NotNil(t, result.Purchase.UsedAt)
	assert.Equal(t, f.clock.Now(), *result.Purchase.UsedAt)

	result, err = f.svc.Consume(ctx, steward, pending.TicketCode)
	require.ErrorIs(t, err, domain.ErrTicketAlreadyUsed)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Message, "already used")
}

func TestTicket_ConsumeRejections(t *testing.T) {
	tests := []struct {
		name    string
		confirm bool
		at      time.Time
		code    func(PendingPayment) string
		wantErr error
	}{
		{
			name:    "after grace window",
			confirm: true,
			at:      matchStart.Add(DefaultGraceWindow + time.Second),
			wantErr: domain.ErrConsumeWindowClosed,
		},
		{
			name:    "unpaid ticket",
			at:      matchStart.Add(-time.Hour),
			wantErr: domain.ErrTicketNotValid,
		},
		{
			name:    "unknown code",
			confirm: true,
			at:      matchStart,
			code:    func(PendingPayment) string { return "TCK-UNKNOWN" },
			wantErr: domain.ErrTicketNotFound,
		},
		{
			name:    "empty code",
			at:      matchStart,
			code:    func(PendingPayment) string { return "  " },
			wantErr: domain.ErrTicketCodeRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			pending := f.initiateTicket(t)
			if tt.confirm {
				_, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
				require.NoError(t, err)
			}
			f.clock.Set(tt.at)

			code := pending.TicketCode
			if tt.code != nil {
				code = tt.code(pending)
			}

			result, err := f.svc.Consume(context.Background(), steward, code)
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, result.IsValid)
			assert.NotEmpty(t, result.Message)
		})
	}
}

func TestMembership_ConfirmMarksPaid(t *testing.T) {
	f := newFixture(t)
	pending, err := f.svc.Initiate(context.Background(), customer, domain.PurchaseKindMembership, InitiateRequest{
		Items:  []domain.ItemRequest{{ResourceID: "season-2026", Qty: 1}},
		Method: domain.PaymentMethodCard,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, pending.State)

	p, err := f.svc.Confirm(context.Background(), customer, pending.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaid, p.State)
	assert.Equal(t, "campaign-2026", p.CampaignID)

	_, err = f.svc.Cancel(context.Background(), customer, p.ID, "")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestService_GetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.initiateOrder(t, 1)
	f.clock.Advance(time.Minute)
	second := f.initiateTicket(t)

	details, err := f.svc.Get(ctx, customer, first.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, details.Payment.ID)
	assert.Len(t, details.History, 1)

	_, err = f.svc.Get(ctx, stranger, first.PurchaseID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	list, err := f.svc.ListByOwner(ctx, customer, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.PurchaseID, list[0].ID, "newest first")

	_, err = f.svc.ListByOwner(ctx, stranger, customer.ID, 10)
	require.ErrorIs(t, err, domain.ErrForbidden)

	list, err = f.svc.ListByOwner(ctx, admin, customer.ID, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_PendingStates(t *testing.T) {
	f := newFixture(t)
	assert.ElementsMatch(t, []domain.PurchaseState{domain.StateInitiated, domain.StatePending}, f.svc.PendingStates())
}
