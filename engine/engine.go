// Package engine 每个仿真步的编排：碰撞 → 告警 → 选择ERV → 调度 → 普通车辆绕行 → 周期广播
package engine

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/erv"
	"git.fiblab.net/sim/erv/relay"
	"git.fiblab.net/sim/erv/router"
	"git.fiblab.net/sim/erv/router/algo"
	"git.fiblab.net/sim/erv/scenario"
	"git.fiblab.net/sim/erv/sim"
	"github.com/samber/lo"
)

type Config struct {
	// 碰撞判定距离（m），<=0时不做检测
	CollisionDistance float64
	// 检查当前路段之后的路段数
	Lookahead int

	Relay    relay.Config
	GA       erv.GAConfig
	Dispatch erv.DispatchConfig
	Ant      router.AntConfig
	Seed     int64
}

func DefaultConfig() Config {
	return Config{
		CollisionDistance: 7.5,
		Lookahead:         3,
		Relay:             relay.DefaultConfig(),
		GA:                erv.DefaultGAConfig(),
		Dispatch:          erv.DefaultDispatchConfig(),
		Ant:               router.DefaultAntConfig(),
	}
}

// Report 一个tick内发生的事
type Report struct {
	Time float64 `json:"time"`
	// 新登记的事故
	Incidents []string `json:"incidents"`
	// 告警送达的事故
	Delivered []string `json:"delivered"`
	// 事故 -> ERV
	Assigned map[string]string `json:"assigned"`
	// 已送达但没有空闲ERV的事故
	Pending  []string `json:"pending"`
	Rerouted []string `json:"rerouted"`
	Held     []string `json:"held"`
	Released []string `json:"released"`
	Notices  int      `json:"notices"`
	Detours  []string `json:"detours"`
}

type Counters struct {
	Ticks      int `json:"ticks"`
	Incidents  int `json:"incidents"`
	Delivered  int `json:"delivered"`
	Assigned   int `json:"assigned"`
	Unassigned int `json:"unassigned"`
	Cleared    int `json:"cleared"`
	Rerouted   int `json:"rerouted"`
	Held       int `json:"held"`
	Released   int `json:"released"`
	Notices    int `json:"notices"`
	Detours    int `json:"detours"`
}

type IncidentStatus struct {
	relay.Incident
	ERV string `json:"erv,omitempty"`
}

// Status 引擎状态快照
type Status struct {
	Time      float64          `json:"time"`
	Incidents []IncidentStatus `json:"incidents"`
	ERVs      []erv.Unit       `json:"ervs"`
	Relay     relay.Stats      `json:"relay"`
	Blocked   []string         `json:"blocked"`
	Held      []string         `json:"held"`
	Counters  Counters         `json:"counters"`
}

type record struct {
	inc       erv.Incident
	blocked   []string
	delivered bool
	erv       string
	cleared   bool
}

// Engine 所有状态只在Tick中修改，Tick与查询之间由mu互斥
type Engine struct {
	mu  sync.Mutex
	sim sim.Simulator
	cfg Config

	planner    *router.Planner
	fleet      *erv.Fleet
	selector   *erv.Selector
	dispatcher *erv.Dispatcher
	relay      *relay.Relay
	bfs        *router.BFSDetour
	ant        *router.AntDetour
	detector   *Detector

	records  map[string]*record
	order    []string          // 事故id，按登记顺序
	involved map[string]string // 车辆 -> 未清除的事故
	blocked  map[string]int    // 路段 -> 未清除的事故数
	held     map[string]bool   // 找不到绕行路线而被停下的车辆
	queued   []Collision
	seq      int
	counters Counters
}

func New(s sim.Simulator, sc *scenario.Scenario, cfg Config) *Engine {
	planner := router.NewPlanner(s)
	fleet := erv.NewFleet()
	for _, v := range sc.ERVs {
		fleet.Add(v.ID, v.Readiness, v.Home)
	}
	nodes := lo.Map(sc.Infra, func(n scenario.Infra, _ int) *relay.Node {
		return relay.NewNode(n.ID, n.Name, n.Position, n.Radius)
	})
	e := &Engine{
		sim:        s,
		cfg:        cfg,
		planner:    planner,
		fleet:      fleet,
		selector:   erv.NewSelector(fleet, s, planner, cfg.GA, cfg.Seed),
		dispatcher: erv.NewDispatcher(fleet, s, planner, cfg.Dispatch),
		relay:      relay.New(s, nodes, cfg.Relay),
		bfs:        router.NewBFSDetour(planner.Graph()),
		ant:        router.NewAntDetour(planner.Graph(), cfg.Ant, cfg.Seed),
		detector:   NewDetector(cfg.CollisionDistance),
		records:    make(map[string]*record),
		involved:   make(map[string]string),
		blocked:    make(map[string]int),
		held:       make(map[string]bool),
	}
	e.dispatcher.OnCleared = e.onCleared
	e.relay.Exclude = e.silent
	return e
}

func (e *Engine) Fleet() *erv.Fleet {
	return e.fleet
}

func (e *Engine) Relay() *relay.Relay {
	return e.relay
}

// ERV、事故车辆和被停下的车辆不转发告警，也不参与碰撞检测
func (e *Engine) silent(vehicle string) bool {
	return e.fleet.Has(vehicle) || e.involved[vehicle] != "" || e.held[vehicle]
}

// Silent 加锁版本，供外部制造碰撞时过滤车辆
func (e *Engine) Silent(vehicle string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.silent(vehicle)
}

// ReportCollision 外部上报的碰撞，在下一个tick处理
func (e *Engine) ReportCollision(c Collision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = append(e.queued, c)
}

// Route 当前拥堵下的最短路
func (e *Engine) Route(from, to string) (router.Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.planner.ShortestPath(from, to)
}

// Tick 处理本步的碰撞并推进所有事故和ERV
func (e *Engine) Tick(collisions []Collision) Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.sim.Time()
	rep := Report{Time: now, Assigned: make(map[string]string)}
	e.counters.Ticks++

	all := append(e.queued, collisions...)
	all = append(all, e.detector.Detect(e.sim, e.silent)...)
	e.queued = nil
	for _, c := range all {
		if id, ok := e.open(c, now); ok {
			rep.Incidents = append(rep.Incidents, id)
		}
	}
	e.alert(&rep)
	e.assign(&rep)
	e.dispatcher.Manage(now)
	e.reroute(&rep)
	e.notify(now, &rep)
	return rep
}

// open 登记新事故：停下事故车辆并封闭其所在路段
func (e *Engine) open(c Collision, now float64) (string, bool) {
	vehicles := lo.Uniq(lo.Reject(c.Vehicles, func(v string, _ int) bool {
		return v == "" || e.fleet.Has(v)
	}))
	if len(vehicles) == 0 {
		return "", false
	}
	if v, ok := lo.Find(vehicles, func(v string) bool { return e.involved[v] != "" }); ok {
		log.Debugf("vehicle %s already involved in %s, collision ignored", v, e.involved[v])
		return "", false
	}
	seg, err := e.sim.VehicleSegment(vehicles[0])
	if err != nil {
		log.Warnf("segment of %s unavailable, collision ignored: %v", vehicles[0], err)
		return "", false
	}
	loc, err := e.sim.VehiclePosition(vehicles[0])
	if err != nil {
		log.Warnf("position of %s unavailable, collision ignored: %v", vehicles[0], err)
		return "", false
	}
	id := fmt.Sprintf("ACC_%03d", e.seq)
	e.seq++

	blocked := []string{seg}
	for _, v := range vehicles {
		if err := e.sim.SetSpeed(v, 0); err != nil {
			log.Errorf("stop %s: %v", v, err)
		}
		e.involved[v] = id
		delete(e.held, v)
		if s, err := e.sim.VehicleSegment(v); err == nil {
			blocked = append(blocked, s)
		}
	}
	blocked = lo.Uniq(blocked)
	for _, s := range blocked {
		e.blocked[s]++
	}
	inc := erv.Incident{ID: id, Location: loc, Segment: seg, Involved: vehicles}
	e.records[id] = &record{inc: inc, blocked: blocked}
	e.order = append(e.order, id)
	e.counters.Incidents++
	if _, err := e.relay.Register(relay.Incident{
		ID:         id,
		Location:   loc,
		Segment:    seg,
		DetectedAt: now,
		Involved:   vehicles,
	}); err != nil {
		log.Errorf("register incident %s: %v", id, err)
	}
	log.Infof("incident %s on %s involving %v, blocked %v", id, seg, vehicles, blocked)
	return id, true
}

// 对未送达的事故发起（或重试）告警传播
func (e *Engine) alert(rep *Report) {
	for _, id := range e.order {
		rec := e.records[id]
		if rec.delivered || rec.cleared {
			continue
		}
		if _, err := e.relay.Alert(id, rec.inc.Involved[0]); err != nil {
			log.Warnf("alert for %s failed, retry next tick: %v", id, err)
			continue
		}
		rec.delivered = true
		rep.Delivered = append(rep.Delivered, id)
		e.counters.Delivered++
	}
}

// 为已送达、未分配的事故选择并分配ERV
func (e *Engine) assign(rep *Report) {
	for _, id := range e.order {
		rec := e.records[id]
		if !rec.delivered || rec.cleared || rec.erv != "" {
			continue
		}
		if _, ok := e.fleet.FirstIdle(); !ok {
			log.Warnf("no idle erv for incident %s, left pending", id)
			rep.Pending = append(rep.Pending, id)
			e.counters.Unassigned++
			continue
		}
		positions := make(map[string]geometry.Point)
		for _, v := range e.fleet.IDs() {
			if p, err := e.sim.VehiclePosition(v); err == nil {
				positions[v] = p
			}
		}
		var selection *erv.Selection
		sel, err := e.selector.Select(erv.Request{
			Location:  rec.inc.Location,
			Segment:   rec.inc.Segment,
			Positions: positions,
		})
		if err == nil {
			selection = &sel
		} else {
			log.Warnf("selection for %s failed: %v", id, err)
		}
		v, err := e.dispatcher.Assign(rec.inc, selection)
		if err != nil {
			log.Warnf("assign incident %s: %v", id, err)
			rep.Pending = append(rep.Pending, id)
			e.counters.Unassigned++
			continue
		}
		rec.erv = v
		rep.Assigned[id] = v
		e.counters.Assigned++
	}
}

// 清理完成：解除路段封闭，事故不再广播
func (e *Engine) onCleared(inc erv.Incident) {
	rec, ok := e.records[inc.ID]
	if !ok || rec.cleared {
		return
	}
	rec.cleared = true
	for _, s := range rec.blocked {
		if e.blocked[s]--; e.blocked[s] <= 0 {
			delete(e.blocked, s)
		}
	}
	for _, v := range rec.inc.Involved {
		delete(e.involved, v)
	}
	if err := e.relay.MarkCleared(inc.ID); err != nil {
		log.Errorf("mark %s cleared: %v", inc.ID, err)
	}
	e.counters.Cleared++
	log.Infof("incident %s cleared, unblocked %v", inc.ID, rec.blocked)
}

// 接下来Lookahead个路段经过封闭路段的普通车辆用蚁群搜索绕行，找不到时停车
// 当前路段已无法避开，不计入
func (e *Engine) reroute(rep *Report) {
	blocked := algo.NewSet(lo.Keys(e.blocked)...)
	ids, err := e.sim.VehicleIDs()
	if err != nil {
		log.Warnf("vehicle ids unavailable, skip rerouting: %v", err)
		return
	}
	for _, v := range ids {
		if e.fleet.Has(v) || e.involved[v] != "" {
			continue
		}
		route, err := e.sim.VehicleRoute(v)
		if err != nil || len(route) == 0 {
			continue
		}
		ahead := route[1:min(len(route), e.cfg.Lookahead+1)]
		crosses := lo.ContainsBy(ahead, func(s string) bool { return blocked.Has(s) })
		if !crosses {
			if e.held[v] {
				e.release(v, rep)
			}
			continue
		}
		cur, dest := route[0], route[len(route)-1]
		var path []string
		if !blocked.Has(dest) {
			path = e.ant.Find(cur, dest, blocked)
		}
		if len(path) > 0 {
			err := e.sim.SetRoute(v, path)
			if err == nil {
				if e.held[v] {
					e.release(v, rep)
				}
				rep.Rerouted = append(rep.Rerouted, v)
				e.counters.Rerouted++
				log.Debugf("rerouted %s: %v", v, path)
				continue
			}
			log.Errorf("set route of %s: %v", v, err)
		}
		if e.held[v] {
			continue
		}
		if err := e.sim.SetSpeed(v, 0); err != nil {
			log.Errorf("hold %s: %v", v, err)
			continue
		}
		e.held[v] = true
		rep.Held = append(rep.Held, v)
		e.counters.Held++
		log.Infof("no detour for %s from %s to %s, stopped", v, cur, dest)
	}
}

func (e *Engine) release(v string, rep *Report) {
	if err := e.sim.SetSpeed(v, sim.SPEED_RELEASE); err != nil {
		log.Errorf("release %s: %v", v, err)
		return
	}
	delete(e.held, v)
	rep.Released = append(rep.Released, v)
	e.counters.Released++
}

// 周期广播，收到通知且路线经过事故路段的车辆用BFS绕开该路段
func (e *Engine) notify(now float64, rep *Report) {
	notices := e.relay.Broadcast(now)
	rep.Notices = len(notices)
	e.counters.Notices += len(notices)
	for _, n := range notices {
		if e.silent(n.Vehicle) {
			continue
		}
		route, err := e.sim.VehicleRoute(n.Vehicle)
		if err != nil || len(route) == 0 {
			continue
		}
		// 已在事故路段上或路线不经过
		if lo.IndexOf(route, n.Segment) <= 0 {
			continue
		}
		path := e.bfs.Find(route[0], route[len(route)-1], algo.NewSet(n.Segment))
		if path == nil || slices.Equal(path, route) {
			log.Debugf("no detour for %s around %s", n.Vehicle, n.Segment)
			continue
		}
		if err := e.sim.SetRoute(n.Vehicle, path); err != nil {
			log.Errorf("set route of %s: %v", n.Vehicle, err)
			continue
		}
		rep.Detours = append(rep.Detours, n.Vehicle)
		e.counters.Detours++
		log.Debugf("%s notified of %s, detour %v", n.Vehicle, n.Incident, path)
	}
}

// Snapshot 状态快照
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	incidents := lo.Map(e.relay.Incidents(), func(inc relay.Incident, _ int) IncidentStatus {
		s := IncidentStatus{Incident: inc}
		if rec, ok := e.records[inc.ID]; ok {
			s.ERV = rec.erv
		}
		return s
	})
	blocked := lo.Keys(e.blocked)
	sort.Strings(blocked)
	held := lo.Keys(e.held)
	sort.Strings(held)
	return Status{
		Time:      e.sim.Time(),
		Incidents: incidents,
		ERVs:      e.fleet.Snapshot(),
		Relay:     e.relay.Stats(),
		Blocked:   blocked,
		Held:      held,
		Counters:  e.counters,
	}
}
