package usage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satwatch/satwatch/internal/owner"
	"github.com/satwatch/satwatch/internal/testutil"
)

func TestPostgresInsertAndHistory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	log := NewLog(store)
	o := owner.ForSession(11)

	monitorID := int64(4)
	_, err := log.LogUsage(ctx, o, &monitorID, 10, ActionMonitorCreated)
	require.NoError(t, err)
	_, err = log.LogUsage(ctx, o, nil, 2, ActionAlertSent)
	require.NoError(t, err)

	records, err := log.History(ctx, o, 50)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ActionAlertSent, records[0].Action)
	assert.Nil(t, records[0].MonitorID)
	require.NotNil(t, records[1].MonitorID)
	assert.Equal(t, int64(4), *records[1].MonitorID)
	assert.Equal(t, o, records[0].Owner)

	total, err := log.TotalUsage(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)
}

func TestPostgresAmountConstraint(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	_, err := db.ExecContext(ctx, `
		INSERT INTO credit_usage (id, session_id, amount, action) VALUES ('use_x', 1, 0, 'alert_sent')
	`)
	assert.Error(t, err)
}

func TestPostgresTotalIsolatesOwners(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	log := NewLog(store)

	_, err := log.LogUsage(ctx, owner.ForUser(1), nil, 10, ActionCheckPerformed)
	require.NoError(t, err)
	_, err = log.LogUsage(ctx, owner.ForSession(1), nil, 20, ActionCheckPerformed)
	require.NoError(t, err)

	total, err := log.TotalUsage(ctx, owner.ForUser(1))
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)

	total, err = log.TotalUsage(ctx, owner.ForSession(1))
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)
}
