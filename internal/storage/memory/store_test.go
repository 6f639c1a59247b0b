package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/storage/memory"
)

func seedEntry(t *testing.T, store *memory.Store, id string, capacity int64) {
	t.Helper()
	err := store.Repositories().Ledger.Upsert(context.Background(), domain.LedgerEntry{
		ResourceID: id,
		Kind:       domain.ResourceKindProductSize,
		Capacity:   capacity,
		PriceMinor: 1000,
		Currency:   "USD",
	})
	require.NoError(t, err)
}

func newPurchase(id string) domain.Purchase {
	now := time.Now().UTC()
	return domain.Purchase{
		ID:          id,
		OwnerID:     "user-1",
		Kind:        domain.PurchaseKindOrder,
		State:       domain.StateInitiated,
		AmountMinor: 2000,
		Currency:    "USD",
		PaymentID:   "pay-" + id,
		Lines:       []domain.ReservationLine{{ResourceID: "size-5", Qty: 2, UnitPriceMinor: 1000}},
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(15 * time.Minute),
	}
}

func TestStore_WithinTxRollsBackOnError(t *testing.T) {
	store := memory.NewStore()
	seedEntry(t, store, "size-5", 10)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		if _, err := repos.Ledger.Reserve(ctx, "size-5", 2); err != nil {
			return err
		}
		if err := repos.Purchases.Create(ctx, newPurchase("p-1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entry, err := store.Repositories().Ledger.Get(ctx, "size-5")
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Reserved)

	_, err = store.Repositories().Purchases.Get(ctx, "p-1")
	assert.ErrorIs(t, err, domain.ErrPurchaseNotFound)
}

func TestStore_WithinTxCommits(t *testing.T) {
	store := memory.NewStore()
	seedEntry(t, store, "size-5", 10)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		if _, err := repos.Ledger.Reserve(ctx, "size-5", 2); err != nil {
			return err
		}
		p := newPurchase("p-1")
		if err := repos.Purchases.Create(ctx, p); err != nil {
			return err
		}
		return repos.Payments.Create(ctx, domain.Payment{
			ID:            p.PaymentID,
			PurchaseID:    p.ID,
			TransactionID: "tx-1",
			Method:        domain.PaymentMethodCard,
			Status:        domain.PaymentStatusPending,
			AmountMinor:   p.AmountMinor,
			Currency:      p.Currency,
		})
	})
	require.NoError(t, err)

	entry, err := store.Repositories().Ledger.Get(ctx, "size-5")
	require.NoError(t, err)
	assert.Equal(t, int64(8), entry.Available())

	payment, err := store.Repositories().Payments.GetByTransactionID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", payment.PurchaseID)

	purchase, err := store.Repositories().Purchases.GetByPaymentID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "p-1", purchase.ID)
}

func TestLedger_ReserveInsufficientLeavesEntryUnchanged(t *testing.T) {
	store := memory.NewStore()
	seedEntry(t, store, "sector-a", 1)
	ctx := context.Background()
	ledger := store.Repositories().Ledger

	_, err := ledger.Reserve(ctx, "sector-a", 2)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	entry, err := ledger.Get(ctx, "sector-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Available())

	_, err = ledger.Reserve(ctx, "missing", 1)
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}

func TestLedger_ConcurrentReserveNeverOversells(t *testing.T) {
	store := memory.NewStore()
	seedEntry(t, store, "sector-a", 5)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
				_, err := repos.Ledger.Reserve(ctx, "sector-a", 1)
				return err
			})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	entry, err := store.Repositories().Ledger.Get(ctx, "sector-a")
	require.NoError(t, err)
	assert.Equal(t, int32(5), succeeded.Load())
	assert.Equal(t, int64(0), entry.Available())
}

func TestLedger_ReleaseDoesNotGoNegative(t *testing.T) {
	store := memory.NewStore()
	seedEntry(t, store, "size-5", 3)
	ctx := context.Background()
	ledger := store.Repositories().Ledger

	_, err := ledger.Reserve(ctx, "size-5", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, "size-5", 2))

	entry, err := ledger.Get(ctx, "size-5")
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Reserved)
}

func TestPurchaseRepository_SaveVersionConflict(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repo := store.Repositories().Purchases

	p := newPurchase("p-1")
	require.NoError(t, repo.Create(ctx, p))

	p.State = domain.StateProcessing
	require.NoError(t, repo.Save(ctx, p))

	stored, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	// p всё ещё содержит Version=0.
	err = repo.Save(ctx, p)
	assert.ErrorIs(t, err, domain.ErrPurchaseVersionConflict)
	assert.True(t, domain.IsVersionConflict(err))
}

func TestPurchaseRepository_CreateRejectsDuplicates(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repo := store.Repositories().Purchases

	require.NoError(t, repo.Create(ctx, newPurchase("p-1")))
	assert.ErrorIs(t, repo.Create(ctx, newPurchase("p-1")), domain.ErrPurchaseVersionConflict)

	sharedPayment := newPurchase("p-2")
	sharedPayment.PaymentID = "pay-p-1"
	assert.ErrorIs(t, repo.Create(ctx, sharedPayment), domain.ErrPurchaseVersionConflict)
}

func TestPurchaseRepository_ListExpired(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repo := store.Repositories().Purchases
	now := time.Now().UTC()

	expired := newPurchase("p-expired")
	expired.ExpiresAt = now.Add(-time.Minute)
	fresh := newPurchase("p-fresh")
	fresh.ExpiresAt = now.Add(time.Minute)
	paid := newPurchase("p-paid")
	paid.State = domain.StateProcessing
	paid.ExpiresAt = now.Add(-time.Hour)

	for _, p := range []domain.Purchase{expired, fresh, paid} {
		require.NoError(t, repo.Create(ctx, p))
	}

	result, err := repo.ListExpired(ctx, []domain.PurchaseState{domain.StateInitiated, domain.StatePending}, now, 10)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "p-expired", result[0].ID)
}

func TestPurchaseRepository_GetByTicketCode(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repo := store.Repositories().Purchases

	ticket := newPurchase("t-1")
	ticket.Kind = domain.PurchaseKindTicket
	ticket.State = domain.StateValid
	ticket.TicketCode = "ABC123"
	require.NoError(t, repo.Create(ctx, ticket))

	got, err := repo.GetByTicketCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.ID)

	_, err = repo.GetByTicketCode(ctx, "NOPE")
	assert.ErrorIs(t, err, domain.ErrTicketNotFound)
}

func TestPaymentRepository_UpdateStatusCompareAndSet(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repos := store.Repositories()

	p := newPurchase("p-1")
	require.NoError(t, repos.Purchases.Create(ctx, p))
	require.NoError(t, repos.Payments.Create(ctx, domain.Payment{
		ID:            p.PaymentID,
		PurchaseID:    p.ID,
		TransactionID: "tx-1",
		Method:        domain.PaymentMethodPayPal,
		Status:        domain.PaymentStatusPending,
		AmountMinor:   p.AmountMinor,
		Currency:      p.Currency,
	}))

	at := time.Now().UTC()
	require.NoError(t, repos.Payments.UpdateStatus(ctx, p.PaymentID, domain.PaymentStatusPending, domain.PaymentStatusCompleted, at))

	err := repos.Payments.UpdateStatus(ctx, p.PaymentID, domain.PaymentStatusPending, domain.PaymentStatusCompleted, at)
	assert.ErrorIs(t, err, domain.ErrPaymentStatusConflict)

	err = repos.Payments.UpdateStatus(ctx, p.PaymentID, domain.PaymentStatusCompleted, domain.PaymentStatusPending, at)
	assert.ErrorIs(t, err, domain.ErrPaymentStatusConflict)

	payment, err := repos.Payments.Get(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, payment.Status)
	require.NotNil(t, payment.CompletedAt)
}

func TestHistoryRepository_ListIsChronological(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repo := store.Repositories().History
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, domain.TransitionRecord{PurchaseID: "p-1", From: domain.StateProcessing, To: domain.StateConfirmed, Occurred: now.Add(time.Minute)}))
	require.NoError(t, repo.Append(ctx, domain.TransitionRecord{PurchaseID: "p-1", From: domain.StateInitiated, To: domain.StateProcessing, Occurred: now}))

	records, err := repo.List(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.StateProcessing, records[0].To)
	assert.Equal(t, domain.StateConfirmed, records[1].To)
}

func TestCatalogRepository(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repo := store.Repositories().Catalog

	require.NoError(t, repo.UpsertMatch(ctx, domain.Match{ID: "m-1", StartsAt: time.Now().Add(time.Hour)}))
	require.NoError(t, repo.UpsertCampaign(ctx, domain.MembershipCampaign{ID: "c-1", Active: true}))

	_, err := repo.GetMatch(ctx, "m-1")
	require.NoError(t, err)
	_, err = repo.GetMatch(ctx, "m-2")
	assert.ErrorIs(t, err, domain.ErrMatchNotFound)

	_, err = repo.GetCampaign(ctx, "c-1")
	require.NoError(t, err)
	_, err = repo.GetCampaign(ctx, "c-2")
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}
