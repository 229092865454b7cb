package credits

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satwatch/satwatch/internal/owner"
)

func TestGetOrCreateAccountIsIdempotent(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()
	o := owner.ForSession(1)

	first, err := ledger.GetOrCreateAccount(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Balance)

	require.NoError(t, ledger.AddCredits(ctx, o, 25))

	second, err := ledger.GetOrCreateAccount(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(25), second.Balance) // not reset
}

func TestBalanceLifecycle(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()
	o := owner.ForSession(7)

	bal, err := ledger.GetBalance(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	require.NoError(t, ledger.AddCredits(ctx, o, 100))
	bal, _ = ledger.GetBalance(ctx, o)
	assert.Equal(t, int64(100), bal)

	ok, err := ledger.DeductCredits(ctx, o, 50)
	require.NoError(t, err)
	assert.True(t, ok)
	bal, _ = ledger.GetBalance(ctx, o)
	assert.Equal(t, int64(50), bal)

	// Overdraw attempt: refused, balance untouched
	ok, err = ledger.DeductCredits(ctx, o, 100)
	require.NoError(t, err)
	assert.False(t, ok)
	bal, _ = ledger.GetBalance(ctx, o)
	assert.Equal(t, int64(50), bal)
}

func TestAddThenDeductRoundTrip(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()
	o := owner.ForUser(3)

	require.NoError(t, ledger.AddCredits(ctx, o, 40))
	before, _ := ledger.GetBalance(ctx, o)

	require.NoError(t, ledger.AddCredits(ctx, o, 77))
	ok, err := ledger.DeductCredits(ctx, o, 77)
	require.NoError(t, err)
	assert.True(t, ok)

	after, _ := ledger.GetBalance(ctx, o)
	assert.Equal(t, before, after)
}

func TestInvalidAmounts(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()
	o := owner.ForUser(1)

	require.NoError(t, ledger.AddCredits(ctx, o, 10))

	assert.ErrorIs(t, ledger.AddCredits(ctx, o, 0), ErrInvalidAmount)
	assert.ErrorIs(t, ledger.AddCredits(ctx, o, -5), ErrInvalidAmount)

	_, err := ledger.DeductCredits(ctx, o, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ledger.DeductCredits(ctx, o, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.HasCredits(ctx, o, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Balance unchanged by any of the rejected calls
	bal, _ := ledger.GetBalance(ctx, o)
	assert.Equal(t, int64(10), bal)
}

func TestInvalidOwnerRejected(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	_, err := ledger.GetOrCreateAccount(ctx, owner.Owner{})
	assert.ErrorIs(t, err, owner.ErrInvalid)

	err = ledger.AddCredits(ctx, owner.Owner{Kind: owner.KindUser, UserID: 1, SessionID: 2}, 10)
	assert.ErrorIs(t, err, owner.ErrInvalid)
}

func TestHasCreditsIsAdvisory(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()
	o := owner.ForSession(2)

	ok, err := ledger.HasCredits(ctx, o, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.AddCredits(ctx, o, 5))
	ok, _ = ledger.HasCredits(ctx, o, 5)
	assert.True(t, ok)
	ok, _ = ledger.HasCredits(ctx, o, 6)
	assert.False(t, ok)
}

// TestConcurrentDeductsNeverOversell exercises the no-lost-update
// property: with balance B and N concurrent deductions of `amount`,
// exactly floor(B/amount) succeed.
func TestConcurrentDeductsNeverOversell(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()
	o := owner.ForSession(99)

	const balance = 100
	const amount = 7
	const workers = 50

	require.NoError(t, ledger.AddCredits(ctx, o, balance))

	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.DeductCredits(ctx, o, amount)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}

	assert.Equal(t, balance/amount, succeeded)

	final, err := ledger.GetBalance(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(balance-amount*(balance/amount)), final)
	assert.GreaterOrEqual(t, final, int64(0))
}

// TestConcurrentGetOrCreateConverges checks that racing first accesses
// produce one account.
func TestConcurrentGetOrCreateConverges(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()
	o := owner.ForUser(42)

	var wg sync.WaitGroup
	ids := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct, err := ledger.GetOrCreateAccount(ctx, o)
			assert.NoError(t, err)
			ids <- acct.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
}
