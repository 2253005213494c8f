package depgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazyd/internal/config"
	"lazyd/internal/depcache"
)

func sample() *Graph {
	g := New()
	g.Set("app", "db", "cache")
	g.Set("db", "driver")
	g.Set("cache", "driver")
	g.Set("driver")
	g.Set("standalone")
	return g
}

func TestOrderDepsFirst(t *testing.T) {
	order, err := sample().Order("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"driver", "cache", "db", "app"}, order)
}

func TestOrderWholeGraph(t *testing.T) {
	order, err := sample().Order()
	require.NoError(t, err)
	assert.Len(t, order, 5)
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["driver"], pos["db"])
	assert.Less(t, pos["db"], pos["app"])
	assert.Less(t, pos["cache"], pos["app"])
}

func TestOrderCycle(t *testing.T) {
	g := New()
	g.Set("a", "b")
	g.Set("b", "c")
	g.Set("c", "a")
	_, err := g.Order("a")
	require.Error(t, err)
	assert.True(t, IsCycle(err))
	assert.EqualError(t, err, "dependency cycle: a -> b -> c -> a")
}

func TestCheckSetLeavesGraphUntouched(t *testing.T) {
	g := New()
	g.Set("a", "b")
	g.Set("b")
	rev := g.Revision()

	err := g.CheckSet("b", "a")
	assert.True(t, IsCycle(err))
	assert.NoError(t, g.CheckSet("c", "a"))
	assert.Empty(t, g.Deps("b"))
	assert.False(t, g.Has("c"))
	assert.Equal(t, rev, g.Revision())
}

func TestOrderMissing(t *testing.T) {
	g := New()
	g.Set("a", "ghost")
	_, err := g.Order("a")
	assert.True(t, IsMissingDependency(err))
	assert.EqualError(t, err, "module a depends on unknown module ghost")

	_, err = g.Order("nobody")
	assert.EqualError(t, err, "unknown module nobody")
}

func TestDependentsAndExport(t *testing.T) {
	g := sample()
	assert.Equal(t, []string{"cache", "db"}, g.Dependents("driver"))
	exp := g.Export()
	exp["app"][0] = "mutated"
	assert.Equal(t, []string{"cache", "db"}, g.Deps("app"))

	h := New()
	h.Import(g.Export())
	order, err := h.Order("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"driver", "cache", "db", "app"}, order)

	rev := h.Revision()
	h.Remove("standalone")
	assert.NotEqual(t, rev, h.Revision())
	assert.False(t, h.Has("standalone"))
}

func TestResolverCachesOrder(t *testing.T) {
	cfg := config.New(config.Options{})
	cache := depcache.New(depcache.Options{Config: cfg})
	g := sample()
	r := NewResolver(g, cache, time.Minute)

	ctx := context.Background()
	first, err := r.Order(ctx, "app")
	require.NoError(t, err)
	second, err := r.Order(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	m := cache.Metrics()
	assert.Equal(t, uint64(1), m.Sets)
	assert.Equal(t, uint64(1), m.Hits)

	// a modified graph is never served a stale order
	g.Set("db", "driver", "standalone")
	third, err := r.Order(ctx, "app")
	require.NoError(t, err)
	assert.Contains(t, third, "standalone")

	assert.Equal(t, 2, cache.Invalidate(depcache.TagDependencyGraph))
}
