package erv

import (
	"math/rand"
	"sync"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/router"
	"git.fiblab.net/sim/erv/sim"
	"github.com/samber/lo"
)

const (
	// 不在位置表中的ERV的适应度
	SENTINEL_FITNESS = -9999
	// 路径代价归一化系数
	COST_SCALE = 500.0
	// 事故路段即为Home路段
	HOME_BONUS = 1.5
	// 事故路段与Home路段共享端点
	ADJACENT_BONUS = 0.8
)

type GAConfig struct {
	Population     int
	Generations    int
	TournamentSize int
	CrossoverRate  float64
	MutationRate   float64
}

func DefaultGAConfig() GAConfig {
	return GAConfig{
		Population:     20,
		Generations:    30,
		TournamentSize: 3,
		CrossoverRate:  0.8,
		MutationRate:   0.1,
	}
}

// Request 一次选择的输入
type Request struct {
	Location geometry.Point
	// 事故路段，可为空
	Segment string
	// ERV id -> 当前坐标，不在表中的ERV不参与
	Positions map[string]geometry.Point
}

// Selection 选择结果，Route为nil表示没有可用路径
type Selection struct {
	ERV     string             `json:"erv"`
	Route   *router.Route      `json:"route,omitempty"`
	Fitness float64            `json:"fitness"`
	Scores  map[string]float64 `json:"scores"`
}

// Selector 以遗传算法在ERV集合上搜索适应度最高者
// 个体即ERV id，交叉为在两个父代中随机取一，变异为随机替换
type Selector struct {
	mu      sync.Mutex
	fleet   *Fleet
	sim     sim.Simulator
	planner *router.Planner
	rng     *rand.Rand
	cfg     GAConfig
}

func NewSelector(fleet *Fleet, s sim.Simulator, planner *router.Planner, cfg GAConfig, seed int64) *Selector {
	cfg.Population = max(cfg.Population, 1)
	return &Selector{
		fleet:   fleet,
		sim:     s,
		planner: planner,
		rng:     rand.New(rand.NewSource(seed)),
		cfg:     cfg,
	}
}

// 单次选择内的适应度计算，结果按id缓存
type evaluator struct {
	s      *Selector
	req    Request
	scores map[string]float64
	routes map[string]*router.Route
}

func (e *evaluator) fitness(id string) float64 {
	if score, ok := e.scores[id]; ok {
		return score
	}
	score := e.evaluate(id)
	e.scores[id] = score
	return score
}

// readiness/100 − routeCost/500 + edgeBonus
func (e *evaluator) evaluate(id string) float64 {
	pos, ok := e.req.Positions[id]
	if !ok {
		return SENTINEL_FITNESS
	}
	unit, ok := e.s.fleet.Get(id)
	if !ok {
		return SENTINEL_FITNESS
	}
	cost := geometry.Distance(pos, e.req.Location)
	if route := e.route(id); route != nil {
		cost = route.Cost
	}
	return unit.Readiness/100 - cost/COST_SCALE + e.bonus(unit.Home)
}

// ERV当前路段到事故路段的路径，无法计算时返回nil
func (e *evaluator) route(id string) *router.Route {
	if r, ok := e.routes[id]; ok {
		return r
	}
	var result *router.Route
	defer func() { e.routes[id] = result }()
	if e.req.Segment == "" {
		return nil
	}
	seg, err := e.s.sim.VehicleSegment(id)
	if err != nil || seg == "" || router.IsPseudo(seg) {
		return nil
	}
	route, err := e.s.planner.ShortestPath(seg, e.req.Segment)
	if err != nil {
		log.Debugf("no route for %s from %s to %s, use straight-line distance", id, seg, e.req.Segment)
		return nil
	}
	result = &route
	return result
}

func (e *evaluator) bonus(home string) float64 {
	if e.req.Segment == "" || home == "" {
		return 0
	}
	if home == e.req.Segment {
		return HOME_BONUS
	}
	g := e.s.planner.Graph()
	hFrom, hTo, ok := g.Endpoints(home)
	if !ok {
		return 0
	}
	iFrom, iTo, ok := g.Endpoints(e.req.Segment)
	if !ok {
		return 0
	}
	if hFrom == iFrom || hFrom == iTo || hTo == iFrom || hTo == iTo {
		return ADJACENT_BONUS
	}
	return 0
}

// 选出适应度更高者，相同时取id字典序较小者
func (e *evaluator) better(a, b string) string {
	fa, fb := e.fitness(a), e.fitness(b)
	if fa > fb || (fa == fb && a < b) {
		return a
	}
	return b
}

// Select 清空路径缓存后运行遗传算法，返回最后一代中的最优ERV及其路径
func (s *Selector) Select(req Request) (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planner.Invalidate()

	ids := s.fleet.IDs()
	if len(lo.Filter(ids, func(id string, _ int) bool {
		_, ok := req.Positions[id]
		return ok
	})) == 0 {
		return Selection{}, ErrNoCandidate
	}
	e := &evaluator{
		s:      s,
		req:    req,
		scores: make(map[string]float64, len(ids)),
		routes: make(map[string]*router.Route, len(ids)),
	}
	random := func() string { return ids[s.rng.Intn(len(ids))] }
	tournament := func(population []string) string {
		best := population[s.rng.Intn(len(population))]
		for k := 1; k < s.cfg.TournamentSize; k++ {
			best = e.better(best, population[s.rng.Intn(len(population))])
		}
		return best
	}

	population := make([]string, s.cfg.Population)
	for i := range population {
		population[i] = random()
	}
	for gen := 0; gen < s.cfg.Generations; gen++ {
		next := make([]string, len(population))
		for i := range next {
			p1, p2 := tournament(population), tournament(population)
			child := p1
			if s.rng.Float64() < s.cfg.CrossoverRate && s.rng.Intn(2) == 1 {
				child = p2
			}
			if s.rng.Float64() < s.cfg.MutationRate {
				child = random()
			}
			next[i] = child
		}
		population = next
	}
	best := lo.Reduce(population[1:], func(acc string, id string, _ int) string {
		return e.better(acc, id)
	}, population[0])

	sel := Selection{ERV: best, Fitness: e.fitness(best), Scores: e.scores}
	if e.req.Segment != "" {
		if seg, err := s.sim.VehicleSegment(best); err == nil && !router.IsPseudo(seg) {
			if route, err := s.planner.ShortestPath(seg, req.Segment); err == nil {
				sel.Route = &route
			}
		}
	}
	log.Infof("selected %s for segment %s with fitness %.3f", best, req.Segment, sel.Fitness)
	return sel, nil
}
