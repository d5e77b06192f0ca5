package algo

import (
	"math"
	"math/rand"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
)

type AntConfig struct {
	NumAnts     int     // 独立随机试验次数
	MaxHops     int     // 单只蚂蚁最大跳数
	Alpha       float64 // 信息素指数
	Beta        float64 // 启发因子(1/拥堵)指数
	Evaporation float64 // 每次强化时的挥发率
}

func DefaultAntConfig() AntConfig {
	return AntConfig{
		NumAnts:     NUM_ANTS,
		MaxHops:     MAX_ANT_HOPS,
		Alpha:       ANT_ALPHA,
		Beta:        ANT_BETA,
		Evaporation: EVAPORATION_RATE,
	}
}

// Pheromone 路段 -> 信息素，可被多个goroutine共享
type Pheromone struct {
	m           *xsync.MapOf[string, float64]
	evaporation float64
}

func NewPheromone(evaporation float64) *Pheromone {
	return &Pheromone{
		m:           xsync.NewMapOf[string, float64](),
		evaporation: evaporation,
	}
}

// 未出现过的路段取初始值
func (p *Pheromone) Get(seg string) float64 {
	if v, ok := p.m.Load(seg); ok {
		return v
	}
	return INITIAL_PHEROMONE
}

// Reinforce 全表挥发一次，再沿path增加delta
func (p *Pheromone) Reinforce(path []string, delta float64) {
	keys := make([]string, 0, p.m.Size())
	p.m.Range(func(key string, _ float64) bool {
		keys = append(keys, key)
		return true
	})
	decay := 1 - p.evaporation
	for _, key := range keys {
		p.m.Compute(key, func(old float64, loaded bool) (float64, bool) {
			return old * decay, false
		})
	}
	for _, seg := range lo.Uniq(path) {
		p.m.Compute(seg, func(old float64, loaded bool) (float64, bool) {
			if !loaded {
				old = INITIAL_PHEROMONE * decay
			}
			return old + delta, false
		})
	}
}

func (p *Pheromone) Size() int {
	return p.m.Size()
}

// AntSearch 多只蚂蚁独立随机游走，取拥堵和最小的成功路径并强化信息素
// 没有任何蚂蚁到达终点时返回nil
func AntSearch(
	g CongestionGraph, start, end string, blocked Set,
	table *Pheromone, rng *rand.Rand, cfg AntConfig,
) ([]string, float64) {
	if start == end {
		return []string{start}, 0
	}
	var bestPath []string
	bestScore := math.Inf(0)
	for ant := 0; ant < cfg.NumAnts; ant++ {
		path := walk(g, start, end, blocked, table, rng, cfg)
		if path == nil {
			continue
		}
		score := lo.SumBy(path, g.Congestion)
		if score < bestScore {
			bestScore = score
			bestPath = path
		}
	}
	if bestPath != nil {
		table.Reinforce(bestPath, 1/(1+bestScore))
	}
	return bestPath, bestScore
}

// 单只蚂蚁从start出发，失败（无路可走或跳数耗尽）时返回nil
func walk(
	g CongestionGraph, start, end string, blocked Set,
	table *Pheromone, rng *rand.Rand, cfg AntConfig,
) []string {
	path := []string{start}
	visited := NewSet(start)
	cur := start
	for hops := 0; cur != end && hops < cfg.MaxHops; hops++ {
		candidates := lo.Filter(g.Neighbors(cur), func(seg string, _ int) bool {
			return !blocked.Has(seg) && !visited.Has(seg)
		})
		if len(candidates) == 0 {
			return nil
		}
		next := pick(g, candidates, table, rng, cfg)
		path = append(path, next)
		visited.Add(next)
		cur = next
	}
	if cur != end {
		return nil
	}
	return path
}

// 按 pheromone^α × (1/congestion)^β 的比例随机选取下一路段
func pick(g CongestionGraph, candidates []string, table *Pheromone, rng *rand.Rand, cfg AntConfig) string {
	scores := make([]float64, len(candidates))
	total := 0.0
	for i, seg := range candidates {
		tau := math.Pow(table.Get(seg), cfg.Alpha)
		eta := math.Pow(1/(g.Congestion(seg)+CONGESTION_EPSILON), cfg.Beta)
		scores[i] = tau * eta
		total += scores[i]
	}
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return candidates[rng.Intn(len(candidates))]
	}
	r := rng.Float64() * total
	for i, s := range scores {
		r -= s
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
