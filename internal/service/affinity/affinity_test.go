package affinity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndLookup(t *testing.T) {
	tbl := NewTable(30 * time.Minute)
	tbl.Put("inst_A", "http://w1:3960", "u1")

	e, ok := tbl.Lookup("inst_A")
	require.True(t, ok)
	assert.Equal(t, "http://w1:3960", e.WorkerEndpoint)
	assert.Equal(t, "u1", e.OwnerUserID)
}

func TestLookupMissing(t *testing.T) {
	tbl := NewTable(30 * time.Minute)
	_, ok := tbl.Lookup("nope")
	assert.False(t, ok)
}

func TestLookupExpiresIdleEntries(t *testing.T) {
	tbl := NewTable(30 * time.Minute)
	base := time.Now()
	tbl.now = func() time.Time { return base }
	tbl.Put("inst_A", "http://w1:3960", "u1")

	tbl.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, ok := tbl.Lookup("inst_A")
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestLookupRefreshesIdleTimer(t *testing.T) {
	tbl := NewTable(30 * time.Minute)
	base := time.Now()
	tbl.now = func() time.Time { return base }
	tbl.Put("inst_A", "http://w1:3960", "u1")

	// Touch at +20m, then check at +40m: still within 30m of last use.
	tbl.now = func() time.Time { return base.Add(20 * time.Minute) }
	_, ok := tbl.Lookup("inst_A")
	require.True(t, ok)

	tbl.now = func() time.Time { return base.Add(40 * time.Minute) }
	_, ok = tbl.Lookup("inst_A")
	assert.True(t, ok)
}

func TestEvictWorkerDropsAllItsInstances(t *testing.T) {
	tbl := NewTable(30 * time.Minute)
	tbl.Put("inst_A", "http://w1:3960", "u1")
	tbl.Put("inst_B", "http://w1:3960", "u2")
	tbl.Put("inst_C", "http://w2:3960", "u1")

	tbl.EvictWorker("http://w1:3960")

	_, ok := tbl.Lookup("inst_A")
	assert.False(t, ok)
	_, ok = tbl.Lookup("inst_B")
	assert.False(t, ok)
	_, ok = tbl.Lookup("inst_C")
	assert.True(t, ok)
}

func TestSweepExpired(t *testing.T) {
	tbl := NewTable(30 * time.Minute)
	base := time.Now()
	tbl.now = func() time.Time { return base }
	tbl.Put("old", "http://w1:3960", "u1")

	tbl.now = func() time.Time { return base.Add(20 * time.Minute) }
	tbl.Put("fresh", "http://w1:3960", "u1")

	tbl.now = func() time.Time { return base.Add(35 * time.Minute) }
	n := tbl.SweepExpired()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tbl.Len())
}
