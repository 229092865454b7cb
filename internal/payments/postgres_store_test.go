package payments

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satwatch/satwatch/internal/owner"
	"github.com/satwatch/satwatch/internal/testutil"
)

func newPGStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store, cleanup
}

func pendingInvoice(externalID string, o owner.Owner) *Invoice {
	return &Invoice{
		ID:             "inv_" + externalID,
		ExternalID:     externalID,
		Owner:          o,
		Amount:         100,
		PaymentRequest: "lnbc" + externalID,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestPostgresInsertAndLookup(t *testing.T) {
	store, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	o := owner.ForSession(1)
	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_a", o)))

	inv, err := store.Get(ctx, "inv_ext_a")
	require.NoError(t, err)
	assert.Equal(t, "ext_a", inv.ExternalID)
	assert.Equal(t, o, inv.Owner)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Nil(t, inv.PaidAt)

	inv, err = store.FindByExternalID(ctx, "ext_a")
	require.NoError(t, err)
	assert.Equal(t, "inv_ext_a", inv.ID)

	_, err = store.Get(ctx, "inv_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresMarkPaidAppliesOnce(t *testing.T) {
	store, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_b", owner.ForUser(2))))

	inv, applied, err := store.MarkPaid(ctx, "ext_b", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusPaid, inv.Status)
	require.NotNil(t, inv.PaidAt)
	assert.Equal(t, owner.ForUser(2), inv.Owner)

	_, applied, err = store.MarkPaid(ctx, "ext_b", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	_, applied, err = store.MarkPaid(ctx, "ext_missing", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPostgresConcurrentMarkPaid(t *testing.T) {
	store, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_c", owner.ForSession(3))))

	const workers = 10
	var appliedCount int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, applied, err := store.MarkPaid(ctx, "ext_c", time.Now().UTC())
			assert.NoError(t, err)
			if applied {
				atomic.AddInt64(&appliedCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), appliedCount)
}

func TestPostgresTerminalTransitions(t *testing.T) {
	store, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_d", owner.ForSession(4))))
	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_e", owner.ForSession(4))))

	applied, err := store.MarkFailed(ctx, "ext_d")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = store.MarkExpired(ctx, "ext_e")
	require.NoError(t, err)
	assert.True(t, applied)

	// A paid transition cannot follow a terminal one.
	_, applied, err = store.MarkPaid(ctx, "ext_d", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = store.MarkExpired(ctx, "ext_d")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPostgresListPending(t *testing.T) {
	store, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_f", owner.ForSession(5))))
	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_g", owner.ForSession(5))))
	_, _, err := store.MarkPaid(ctx, "ext_f", time.Now().UTC())
	require.NoError(t, err)

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ext_g", pending[0].ExternalID)
}

func TestPostgresConstraints(t *testing.T) {
	store, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	// Both owner columns set.
	_, err := store.db.ExecContext(ctx, `
		INSERT INTO payment_invoices (id, external_id, user_id, session_id, amount, payment_request)
		VALUES ('inv_x', 'ext_x', 1, 1, 100, 'lnbc')
	`)
	assert.Error(t, err)

	// Paid status without a paid timestamp.
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO payment_invoices (id, external_id, user_id, amount, payment_request, status)
		VALUES ('inv_y', 'ext_y', 1, 100, 'lnbc', 'paid')
	`)
	assert.Error(t, err)

	// Duplicate external ID surfaces as the idempotency-key error.
	require.NoError(t, store.Insert(ctx, pendingInvoice("ext_h", owner.ForUser(6))))
	err = store.Insert(ctx, &Invoice{
		ID: "inv_other", ExternalID: "ext_h", Owner: owner.ForUser(6),
		Amount: 100, PaymentRequest: "lnbc", Status: StatusPending, CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrDuplicateInvoice)
}
