package router

import (
	"fmt"

	"git.fiblab.net/general/common/v2/mathutil"
	"git.fiblab.net/sim/erv/router/algo"
	"git.fiblab.net/sim/erv/sim"
	"github.com/puzpuzpuz/xsync/v3"
)

type pair struct {
	start, end string
}

// Planner 带缓存的最短路规划，Dijkstra失败时退回模拟器自带路径规划
type Planner struct {
	graph *Graph
	sim   sim.Simulator
	cache *xsync.MapOf[pair, Route]

	MaxIterations int
}

func NewPlanner(s sim.Simulator) *Planner {
	return &Planner{
		graph:         NewGraph(s),
		sim:           s,
		cache:         xsync.NewMapOf[pair, Route](),
		MaxIterations: MAX_ITERATIONS,
	}
}

func (p *Planner) Graph() *Graph {
	return p.graph
}

// Invalidate 清空缓存，拥堵读数视为已过期
func (p *Planner) Invalidate() {
	p.cache.Clear()
}

func (p *Planner) CacheSize() int {
	return p.cache.Size()
}

// ShortestPath 返回start到end的路段序列（含start）及代价
// 代价为start之后每个路段的Weight之和
func (p *Planner) ShortestPath(start, end string) (route Route, err error) {
	// panic recover
	defer func() {
		if e := recover(); e != nil {
			route = Route{Cost: mathutil.INF}
			err = fmt.Errorf("%w: panic %v with start=%s, end=%s", ErrPathNotFound, e, start, end)
			log.Errorln(err)
		}
	}()

	if start == end {
		return Route{Segments: []string{start}, Cost: 0}, nil
	}
	key := pair{start, end}
	if cached, ok := p.cache.Load(key); ok {
		return cached.Clone(), nil
	}
	res, err := algo.Dijkstra(p.graph, start, end, p.MaxIterations)
	if err == nil {
		route = Route{Segments: res.Segments, Cost: res.Cost}
	} else {
		log.Debugf("dijkstra failed between %s and %s, fallback to simulator routing", start, end)
		segs, ferr := p.sim.FindRoute(start, end)
		if ferr != nil || len(segs) == 0 {
			log.Warnf("routing failed, no path between %s and %s", start, end)
			return Route{Cost: mathutil.INF}, fmt.Errorf("%w: %s -> %s", ErrPathNotFound, start, end)
		}
		route = Route{Segments: segs, Cost: algo.PathCost(p.graph, segs)}
	}
	p.cache.Store(key, route.Clone())
	return route, nil
}
