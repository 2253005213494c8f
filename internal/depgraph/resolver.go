package depgraph

import (
	"context"
	"time"

	"lazyd/internal/depcache"
)

// OpTopoSort is the cache operation name for computed load orders.
const OpTopoSort = "topo_sort"

// Resolver memoizes Graph.Order in a depcache.Cache. Keys include the graph
// revision, so a modified graph never reads a stale order; registry changes
// additionally invalidate the dependency-graph tag.
type Resolver struct {
	graph *Graph
	cache *depcache.Cache
	ttl   time.Duration
}

func NewResolver(g *Graph, c *depcache.Cache, ttl time.Duration) *Resolver {
	return &Resolver{graph: g, cache: c, ttl: ttl}
}

type orderParams struct {
	Targets  []string `json:"targets"`
	Revision uint64   `json:"revision"`
}

// Order is Graph.Order through the cache.
func (r *Resolver) Order(ctx context.Context, targets ...string) ([]string, error) {
	key := depcache.Key(OpTopoSort, orderParams{Targets: targets, Revision: r.graph.Revision()})
	v, err := r.cache.GetOrCompute(ctx, key, r.ttl, depcache.TagDependencyGraph, func(context.Context) (any, error) {
		return r.graph.Order(targets...)
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}
