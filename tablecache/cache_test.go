// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tablecache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/quicken"
	"github.com/qutrack/qutrack/tablecache"
)

func sampleTable(t *testing.T) *quicken.Table {
	t.Helper()
	b, err := quicken.NewBuilder(quicken.ArchX86_64)
	require.NoError(t, err)
	require.NoError(t, b.AddFrame(quicken.FrameDescription{
		Start: 0x1000, End: 0x1040,
	}))
	return b.Finish("")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cache, err := tablecache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	table := sampleTable(t)
	fileID := libqut.NewFileID("/bin/app", 4096, 0)
	key := tablecache.Key(fileID, "")
	require.NoError(t, cache.Save(key, table))

	assert.True(t, cache.Has(key))
	loaded, err := cache.Load(key)
	require.NoError(t, err)
	assert.Equal(t, table.ContentHash, loaded.ContentHash)
}

func TestBuildDeduplicatesConcurrentRequests(t *testing.T) {
	cache, err := tablecache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	var calls atomic.Int64
	build := func() (*quicken.Table, error) {
		calls.Add(1)
		return sampleTable(t), nil
	}

	var wg sync.WaitGroup
	results := make([]*quicken.Table, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table, err := cache.Build("dedup-key", build)
			require.NoError(t, err)
			results[i] = table
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "build func must run exactly once across concurrent callers")
	// A caller that arrives after the build was saved loads its own copy
	// from disk, so the results share content rather than identity.
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ContentHash, r.ContentHash)
	}
}

func TestRegisterRequestDedupesByKey(t *testing.T) {
	cache, err := tablecache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	cache.RegisterRequest(tablecache.Identity{Key: "k1", Path: "/bin/app"})
	cache.RegisterRequest(tablecache.Identity{Key: "k1", Path: "/bin/app"})
	cache.RegisterRequest(tablecache.Identity{Key: "k2", Path: "/bin/other"})

	drained := cache.ConsumeRequests(context.Background())
	assert.Len(t, drained, 2, "a key registered twice before a drain must only be queued once")
}

func TestConsumeRequestsClearsTheQueue(t *testing.T) {
	cache, err := tablecache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	cache.RegisterRequest(tablecache.Identity{Key: "k1", Path: "/bin/app"})
	first := cache.ConsumeRequests(context.Background())
	require.Len(t, first, 1)

	second := cache.ConsumeRequests(context.Background())
	assert.Empty(t, second, "a second drain with nothing newly registered returns nothing")
}

func TestDrainAndBuildBuildsEveryPendingIdentity(t *testing.T) {
	cache, err := tablecache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	cache.RegisterRequest(tablecache.Identity{Key: "a", Path: "/bin/a"})
	cache.RegisterRequest(tablecache.Identity{Key: "b", Path: "/bin/b"})

	var built []string
	var mu sync.Mutex
	err = cache.DrainAndBuild(context.Background(), 2, func(identity tablecache.Identity) (*quicken.Table, error) {
		mu.Lock()
		built = append(built, identity.Key)
		mu.Unlock()
		return sampleTable(t), nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, built)
	assert.True(t, cache.Has("a"))
	assert.True(t, cache.Has("b"))
}

func TestDrainAndBuildWithNothingPendingIsNoop(t *testing.T) {
	cache, err := tablecache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	called := false
	err = cache.DrainAndBuild(context.Background(), 4, func(tablecache.Identity) (*quicken.Table, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestSaveRejectsOversizedTable(t *testing.T) {
	cache, err := tablecache.New(t.TempDir(), 4)
	require.NoError(t, err)

	err = cache.Save("too-big", sampleTable(t))
	require.ErrorIs(t, err, tablecache.ErrTooLarge)
	assert.False(t, cache.Has("too-big"))
}
