package erv

import (
	"errors"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/router"
	"git.fiblab.net/sim/erv/sim"
)

type DispatchConfig struct {
	// 到达判定距离（m）
	ArrivalDistance float64
	// 出警最高速度（m/s）
	DispatchMaxSpeed float64
	// 返回最高速度（m/s）
	ReturnMaxSpeed float64
	// 到达后清理现场所需时间（s）
	ClearDelay float64
	// true时清理完成后直接瞬移回Home，不经过returning
	TeleportHome bool
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ArrivalDistance:  20,
		DispatchMaxSpeed: 30,
		ReturnMaxSpeed:   15,
		ClearDelay:       2,
	}
}

// Incident 分配给ERV时需要的事故信息
type Incident struct {
	ID       string
	Location geometry.Point
	Segment  string
	Involved []string
}

// Dispatcher 驱动ERV生命周期：assigned → en_route → arrived → (returning) → idle
type Dispatcher struct {
	fleet     *Fleet
	sim       sim.Simulator
	planner   *router.Planner
	incidents map[string]Incident // ERV id -> 当前事故
	cfg       DispatchConfig

	// 事故现场清理完成时调用
	OnCleared func(incident Incident)
}

func NewDispatcher(fleet *Fleet, s sim.Simulator, planner *router.Planner, cfg DispatchConfig) *Dispatcher {
	return &Dispatcher{
		fleet:     fleet,
		sim:       s,
		planner:   planner,
		incidents: make(map[string]Incident),
		cfg:       cfg,
	}
}

func (d *Dispatcher) Fleet() *Fleet {
	return d.fleet
}

// Assign 优先使用选择结果，其不空闲时退回按id顺序的第一辆空闲ERV
func (d *Dispatcher) Assign(inc Incident, sel *Selection) (string, error) {
	if holder := d.fleet.Holder(inc.ID); holder != "" {
		return holder, nil
	}
	id := ""
	var route *router.Route
	if sel != nil {
		if u, ok := d.fleet.Get(sel.ERV); ok && u.State == Idle {
			id = sel.ERV
			route = sel.Route
		}
	}
	if id == "" {
		idle, ok := d.fleet.FirstIdle()
		if !ok {
			log.Warnf("no idle erv for incident %s, left pending", inc.ID)
			return "", ErrNoCandidate
		}
		if sel != nil {
			log.Infof("selected %s is busy, fallback to idle %s for incident %s", sel.ERV, idle, inc.ID)
		}
		id = idle
	}
	err := d.fleet.Assign(id, Assignment{
		Incident:    inc.ID,
		Destination: inc.Location,
		Target:      inc.Segment,
		Route:       route,
	})
	if err != nil {
		return "", err
	}
	d.incidents[id] = inc
	log.Infof("assigned %s to incident %s on %s", id, inc.ID, inc.Segment)
	return id, nil
}

// Manage 每个tick推进所有ERV的状态
func (d *Dispatcher) Manage(now float64) {
	for _, u := range d.fleet.Snapshot() {
		switch u.State {
		case Assigned:
			d.dispatch(u)
		case EnRoute:
			d.checkArrival(u, now)
		case Arrived:
			d.clear(u, now)
		case Returning:
			d.checkHome(u)
		}
	}
}

// 依次尝试：预计算路径、实时规划路径、仅目标路段
func (d *Dispatcher) routeTo(id, cur, target string, precomputed *router.Route) error {
	var candidates [][]string
	if precomputed != nil && len(precomputed.Segments) > 0 && precomputed.Segments[0] == cur {
		candidates = append(candidates, precomputed.Segments)
	}
	if cur != "" {
		if route, err := d.planner.ShortestPath(cur, target); err == nil {
			candidates = append(candidates, route.Segments)
		}
	}
	candidates = append(candidates, []string{target})
	var errs []error
	for _, route := range candidates {
		err := d.sim.SetRoute(id, route)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatch(u Unit) {
	cur, err := d.sim.VehicleSegment(u.ID)
	if err != nil {
		log.Warnf("segment of %s unavailable, dispatch delayed: %v", u.ID, err)
		return
	}
	if err := d.sim.Resume(u.ID); err != nil {
		log.Errorf("resume %s: %v", u.ID, err)
	}
	if err := d.sim.SetMaxSpeed(u.ID, d.cfg.DispatchMaxSpeed); err != nil {
		log.Errorf("set max speed of %s: %v", u.ID, err)
	}
	if err := d.sim.SetSpeed(u.ID, sim.SPEED_RELEASE); err != nil {
		log.Errorf("set speed of %s: %v", u.ID, err)
	}
	if err := d.routeTo(u.ID, cur, u.Target, u.Route); err != nil {
		log.Errorf("route %s to %s: %v", u.ID, u.Target, err)
		return
	}
	if err := d.fleet.Dispatch(u.ID); err != nil {
		log.Errorf("dispatch %s: %v", u.ID, err)
		return
	}
	log.Infof("dispatched %s from %s to %s for incident %s", u.ID, cur, u.Target, u.Incident)
}

func (d *Dispatcher) checkArrival(u Unit, now float64) {
	cur, err := d.sim.VehicleSegment(u.ID)
	if err != nil {
		log.Warnf("segment of %s unavailable: %v", u.ID, err)
		return
	}
	arrived := cur == u.Target
	if !arrived {
		pos, err := d.sim.VehiclePosition(u.ID)
		if err != nil {
			log.Warnf("position of %s unavailable: %v", u.ID, err)
			return
		}
		arrived = geometry.Distance(pos, u.Destination) <= d.cfg.ArrivalDistance
	}
	if !arrived {
		return
	}
	if err := d.fleet.Arrive(u.ID, now); err != nil {
		log.Errorf("arrive %s: %v", u.ID, err)
		return
	}
	log.Infof("%s arrived at incident %s (t=%.1f)", u.ID, u.Incident, now)
}

func (d *Dispatcher) clear(u Unit, now float64) {
	if !u.Cleared {
		inc := d.incidents[u.ID]
		for _, v := range inc.Involved {
			if err := d.sim.Remove(v); err != nil && !errors.Is(err, sim.ErrUnknownVehicle) {
				log.Errorf("remove %s: %v", v, err)
			}
		}
		if d.OnCleared != nil {
			d.OnCleared(inc)
		}
		if err := d.fleet.MarkCleared(u.ID); err != nil {
			log.Errorf("mark cleared %s: %v", u.ID, err)
			return
		}
		log.Infof("incident %s cleared by %s", u.Incident, u.ID)
	}
	if now-u.ArrivedAt < d.cfg.ClearDelay {
		return
	}
	delete(d.incidents, u.ID)
	if d.cfg.TeleportHome {
		d.teleportHome(u)
	} else {
		d.returnHome(u)
	}
}

// 停在Home路段中点
func (d *Dispatcher) park(u Unit) {
	mid := router.DEFAULT_LENGTH / 2
	if length, err := d.sim.SegmentLength(u.Home); err == nil {
		mid = length / 2
	}
	if err := d.sim.Stop(u.ID, u.Home, mid, sim.STOP_FOREVER); err != nil {
		log.Errorf("park %s on %s: %v", u.ID, u.Home, err)
	}
}

func (d *Dispatcher) teleportHome(u Unit) {
	mid := router.DEFAULT_LENGTH / 2
	if length, err := d.sim.SegmentLength(u.Home); err == nil {
		mid = length / 2
	}
	if err := d.sim.MoveTo(u.ID, u.Home, mid); err != nil {
		log.Errorf("teleport %s to %s: %v", u.ID, u.Home, err)
	}
	d.park(u)
	if err := d.fleet.Release(u.ID); err != nil {
		log.Errorf("release %s: %v", u.ID, err)
		return
	}
	log.Infof("%s teleported home to %s", u.ID, u.Home)
}

func (d *Dispatcher) returnHome(u Unit) {
	cur, err := d.sim.VehicleSegment(u.ID)
	if err != nil {
		log.Warnf("segment of %s unavailable, return delayed: %v", u.ID, err)
		return
	}
	if err := d.sim.Resume(u.ID); err != nil {
		log.Errorf("resume %s: %v", u.ID, err)
	}
	if cur != u.Home {
		if err := d.routeTo(u.ID, cur, u.Home, nil); err != nil {
			log.Errorf("route %s home to %s: %v", u.ID, u.Home, err)
		}
	}
	if err := d.sim.SetMaxSpeed(u.ID, d.cfg.ReturnMaxSpeed); err != nil {
		log.Errorf("set max speed of %s: %v", u.ID, err)
	}
	if err := d.sim.SetSpeed(u.ID, sim.SPEED_RELEASE); err != nil {
		log.Errorf("set speed of %s: %v", u.ID, err)
	}
	d.park(u)
	if err := d.fleet.Return(u.ID); err != nil {
		log.Errorf("return %s: %v", u.ID, err)
		return
	}
	log.Infof("%s returning from %s to %s", u.ID, cur, u.Home)
}

func (d *Dispatcher) checkHome(u Unit) {
	cur, err := d.sim.VehicleSegment(u.ID)
	if err != nil {
		log.Warnf("segment of %s unavailable: %v", u.ID, err)
		return
	}
	if cur != u.Home {
		return
	}
	if err := d.fleet.Release(u.ID); err != nil {
		log.Errorf("release %s: %v", u.ID, err)
		return
	}
	log.Infof("%s back home at %s, idle", u.ID, u.Home)
}
