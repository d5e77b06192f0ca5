package router

import (
	"sort"
	"strings"

	"git.fiblab.net/sim/erv/router/algo"
	"git.fiblab.net/sim/erv/sim"
	"github.com/samber/lo"
)

// Graph 模拟器路网的只读视图，查询失败时使用默认值
// 拥堵每次查询都重新读取，不做缓存
type Graph struct {
	sim sim.Simulator
}

var (
	_ algo.Graph           = (*Graph)(nil)
	_ algo.CongestionGraph = (*Graph)(nil)
)

func NewGraph(s sim.Simulator) *Graph {
	return &Graph{sim: s}
}

// IsPseudo 内部路段（":"开头）和停车路段不参与路径搜索
func IsPseudo(seg string) bool {
	return strings.HasPrefix(seg, ":") || strings.Contains(strings.ToLower(seg), "parking")
}

// Neighbors 有序、去重、过滤伪路段后的后继路段
func (g *Graph) Neighbors(seg string) []string {
	succ, err := g.sim.Successors(seg)
	if err != nil {
		log.Warnf("successors of %s unavailable: %v", seg, err)
		return nil
	}
	succ = lo.Uniq(lo.Reject(succ, func(s string, _ int) bool { return IsPseudo(s) }))
	sort.Strings(succ)
	return succ
}

func (g *Graph) Length(seg string) float64 {
	length, err := g.sim.SegmentLength(seg)
	if err != nil {
		log.Warnf("length of %s unavailable, use %v: %v", seg, DEFAULT_LENGTH, err)
		return DEFAULT_LENGTH
	}
	return length
}

// Congestion [0,1]，失败时取NEUTRAL_CONGESTION
func (g *Graph) Congestion(seg string) float64 {
	o, err := g.sim.Occupancy(seg)
	if err != nil {
		log.Warnf("occupancy of %s unavailable, use %v: %v", seg, NEUTRAL_CONGESTION, err)
		return NEUTRAL_CONGESTION
	}
	return lo.Clamp(o, 0, 1)
}

// Weight 驶入seg的代价：length × (1 + 2 × congestion/10)
func (g *Graph) Weight(seg string) float64 {
	w := g.Length(seg) * (1 + 2*g.Congestion(seg)/10)
	if w < MIN_WEIGHT {
		return MIN_WEIGHT
	}
	return w
}

// Endpoints 路段起终点路口，ok=false表示查询失败
func (g *Graph) Endpoints(seg string) (from, to string, ok bool) {
	from, to, err := g.sim.SegmentEndpoints(seg)
	if err != nil {
		log.Debugf("endpoints of %s unavailable: %v", seg, err)
		return "", "", false
	}
	return from, to, true
}
