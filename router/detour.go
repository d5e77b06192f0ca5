package router

import (
	"math/rand"
	"sync"

	"git.fiblab.net/sim/erv/router/algo"
)

// Detour 局部绕行，找不到时返回nil
type Detour interface {
	Find(start, end string, blocked algo.Set) []string
}

// BFSDetour 按跳数最少绕开blocked
type BFSDetour struct {
	graph         algo.Graph
	MaxIterations int
}

func NewBFSDetour(g algo.Graph) *BFSDetour {
	return &BFSDetour{graph: g, MaxIterations: algo.MAX_BFS_ITERATIONS}
}

func (d *BFSDetour) Find(start, end string, blocked algo.Set) []string {
	return algo.BFSAvoiding(d.graph, start, end, blocked, d.MaxIterations)
}

// AntDetour 信息素引导的随机搜索，偏好低拥堵路段
// 信息素表在多次调用间保留
type AntDetour struct {
	mu    sync.Mutex
	graph algo.CongestionGraph
	table *algo.Pheromone
	rng   *rand.Rand
	cfg   AntConfig
}

func NewAntDetour(g algo.CongestionGraph, cfg AntConfig, seed int64) *AntDetour {
	return &AntDetour{
		graph: g,
		table: algo.NewPheromone(cfg.Evaporation),
		rng:   rand.New(rand.NewSource(seed)),
		cfg:   cfg,
	}
}

func (d *AntDetour) Find(start, end string, blocked algo.Set) []string {
	// rand.Rand不是并发安全的
	d.mu.Lock()
	defer d.mu.Unlock()
	path, score := algo.AntSearch(d.graph, start, end, blocked, d.table, d.rng, d.cfg)
	if path != nil {
		log.Debugf("ant detour %s -> %s found %d segments, congestion %.3f", start, end, len(path), score)
	}
	return path
}

func (d *AntDetour) Pheromone() *algo.Pheromone {
	return d.table
}
