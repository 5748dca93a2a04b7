package journal

import (
	"math/big"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairex/perp/pkg/perp"
)

func newTestDB(t *testing.T) database.Database {
	t.Helper()
	dbManager := manager.NewManager(t.TempDir(), nil)
	db, err := dbManager.New(manager.DefaultMemoryConfig())
	require.NoError(t, err)
	return db
}

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func TestJournalStoresAndReplaysEvents(t *testing.T) {
	j := New(testLogger(t), newTestDB(t))

	j.Publish(perp.MarketOrderInitiated{OrderID: 1, Trader: "alice", Open: true})
	j.Publish(perp.MarketOrderInitiated{OrderID: 2, Trader: "bob", Open: true})
	j.Publish(perp.VaultDepositApplied{RequestID: 7, Trader: "carol", Assets: big.NewInt(100_000_000)})

	recs, err := j.Events(0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, "MarketOrderInitiated", recs[0].Name)
	assert.Equal(t, "VaultDepositApplied", recs[2].Name)
	assert.Equal(t, uint64(3), j.LastSeq())

	t.Run("from skips earlier sequences", func(t *testing.T) {
		recs, err := j.Events(3, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, uint64(3), recs[0].Seq)
	})

	t.Run("limit bounds the page", func(t *testing.T) {
		recs, err := j.Events(0, 2)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})
}
