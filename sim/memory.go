package sim

import (
	"fmt"
	"math"
	"sort"

	"git.fiblab.net/general/common/v2/geometry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

const (
	// 默认巡航速度（m/s）
	DEFAULT_SPEED = 10.0
	// 计算占有率时单车占用长度（m）
	VEHICLE_LENGTH = 7.5
)

// 可注入失败的查询名，对应Memory的方法名
const (
	OP_LENGTH     = "SegmentLength"
	OP_SUCCESSORS = "Successors"
	OP_OCCUPANCY  = "Occupancy"
	OP_ENDPOINTS  = "SegmentEndpoints"
	OP_POSITION   = "VehiclePosition"
	OP_SEGMENT    = "VehicleSegment"
	OP_ROUTE      = "VehicleRoute"
	OP_FIND_ROUTE = "FindRoute"
)

// Segment 有向路段
type Segment struct {
	ID     string
	From   string // 起点路口
	To     string // 终点路口
	Length float64
	Start  geometry.Point
	End    geometry.Point
}

// 在路段上偏移s处的坐标
func (s *Segment) PositionAt(offset float64) geometry.Point {
	if s.Length <= 0 {
		return s.Start
	}
	k := lo.Clamp(offset/s.Length, 0, 1)
	return geometry.Point{
		X: s.Start.X + (s.End.X-s.Start.X)*k,
		Y: s.Start.Y + (s.End.Y-s.Start.Y)*k,
	}
}

type stop struct {
	seg      string
	pos      float64
	duration float64
	reached  bool
	until    float64
}

type vehicle struct {
	id       string
	route    []string
	index    int     // 当前路段在route中的下标
	pos      float64 // 当前路段上的偏移
	maxSpeed float64
	speed    float64 // <0表示由模拟器控制
	stop     *stop
}

func (v *vehicle) segment() string {
	return v.route[v.index]
}

// Memory 内存中的简化交通模拟器：车辆沿路线逐段匀速行驶，无跟驰和信号灯
type Memory struct {
	mu *xsync.RBMutex

	time      float64
	segments  map[string]*Segment
	outgoing  map[string][]string // 路口 -> 从该路口出发的路段
	vehicles  map[string]*vehicle
	occupancy map[string]float64 // 占有率覆盖值
	failing   map[string]bool

	// 按静态长度建立的路段图，供FindRoute使用
	g       *simple.WeightedDirectedGraph
	nodeIDs map[string]int64
	segIDs  []string
}

func NewMemory(segments []Segment) *Memory {
	m := &Memory{
		mu:        xsync.NewRBMutex(),
		segments:  make(map[string]*Segment, len(segments)),
		outgoing:  make(map[string][]string),
		vehicles:  make(map[string]*vehicle),
		occupancy: make(map[string]float64),
		failing:   make(map[string]bool),
		g:         simple.NewWeightedDirectedGraph(0, math.Inf(1)),
		nodeIDs:   make(map[string]int64, len(segments)),
	}
	for i := range segments {
		seg := segments[i]
		m.segments[seg.ID] = &seg
		m.outgoing[seg.From] = append(m.outgoing[seg.From], seg.ID)
	}
	for _, out := range m.outgoing {
		sort.Strings(out)
	}
	// 路段为点，连接关系为边，边权为驶入路段的长度
	m.segIDs = lo.Keys(m.segments)
	sort.Strings(m.segIDs)
	for i, id := range m.segIDs {
		m.nodeIDs[id] = int64(i)
		m.g.AddNode(simple.Node(i))
	}
	for _, id := range m.segIDs {
		for _, next := range m.outgoing[m.segments[id].To] {
			if next == id {
				continue
			}
			m.g.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(m.nodeIDs[id]),
				T: simple.Node(m.nodeIDs[next]),
				W: m.segments[next].Length,
			})
		}
	}
	return m
}

// 测试辅助

// SetFailing 令名为op的查询返回ErrUnavailable
func (m *Memory) SetFailing(op string, failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[op] = failing
}

// SetOccupancy 覆盖路段占有率，传入负数取消覆盖
func (m *Memory) SetOccupancy(seg string, occupancy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if occupancy < 0 {
		delete(m.occupancy, seg)
	} else {
		m.occupancy[seg] = occupancy
	}
}

// AddVehicle 在route[0]的pos处加入车辆
func (m *Memory) AddVehicle(id string, route []string, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(route) == 0 {
		return fmt.Errorf("add vehicle %s: %w", id, ErrInvalidRoute)
	}
	if err := m.checkRoute(route); err != nil {
		return fmt.Errorf("add vehicle %s: %w", id, err)
	}
	m.vehicles[id] = &vehicle{
		id:       id,
		route:    append([]string(nil), route...),
		pos:      pos,
		maxSpeed: DEFAULT_SPEED,
		speed:    SPEED_RELEASE,
	}
	return nil
}

func (m *Memory) Segments() []string {
	return append([]string(nil), m.segIDs...)
}

func (m *Memory) Segment(id string) (Segment, bool) {
	seg, ok := m.segments[id]
	if !ok {
		return Segment{}, false
	}
	return *seg, true
}

// Step 推进dt秒
func (m *Memory) Step(dt float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.time += dt
	for _, id := range lo.Keys(m.vehicles) {
		m.advance(m.vehicles[id], dt)
	}
}

func (m *Memory) advance(v *vehicle, dt float64) {
	if v.stop != nil && v.stop.reached {
		if m.time < v.stop.until {
			return
		}
		v.stop = nil
	}
	speed := v.speed
	if speed < 0 {
		speed = v.maxSpeed
	}
	if speed == 0 {
		return
	}
	v.pos += speed * dt
	for {
		seg := m.segments[v.segment()]
		if v.stop != nil && v.stop.seg == seg.ID && v.pos >= v.stop.pos {
			v.pos = v.stop.pos
			v.stop.reached = true
			v.stop.until = m.time + v.stop.duration
			return
		}
		if v.pos < seg.Length {
			return
		}
		if v.index+1 >= len(v.route) {
			// 路线终点，停在路段末尾
			v.pos = seg.Length
			return
		}
		v.pos -= seg.Length
		v.index++
	}
}

func (m *Memory) checkRoute(route []string) error {
	for i, id := range route {
		seg, ok := m.segments[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSegment, id)
		}
		if i+1 < len(route) && !lo.Contains(m.outgoing[seg.To], route[i+1]) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidRoute, id, route[i+1])
		}
	}
	return nil
}

func (m *Memory) fail(op string) error {
	if m.failing[op] {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return nil
}

func (m *Memory) getVehicle(id string) (*vehicle, error) {
	v, ok := m.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVehicle, id)
	}
	return v, nil
}

func (m *Memory) getSegment(id string) (*Segment, error) {
	seg, ok := m.segments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, id)
	}
	return seg, nil
}

// 查询

func (m *Memory) Time() float64 {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	return m.time
}

func (m *Memory) SegmentLength(id string) (float64, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_LENGTH); err != nil {
		return 0, err
	}
	seg, err := m.getSegment(id)
	if err != nil {
		return 0, err
	}
	return seg.Length, nil
}

func (m *Memory) Successors(id string) ([]string, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_SUCCESSORS); err != nil {
		return nil, err
	}
	seg, err := m.getSegment(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), m.outgoing[seg.To]...), nil
}

// 未覆盖时按路段上的车辆数估算
func (m *Memory) Occupancy(id string) (float64, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_OCCUPANCY); err != nil {
		return 0, err
	}
	seg, err := m.getSegment(id)
	if err != nil {
		return 0, err
	}
	if o, ok := m.occupancy[id]; ok {
		return o, nil
	}
	count := lo.CountBy(lo.Values(m.vehicles), func(v *vehicle) bool {
		return v.segment() == id
	})
	if seg.Length <= 0 {
		return 0, nil
	}
	return lo.Clamp(float64(count)*VEHICLE_LENGTH/seg.Length, 0, 1), nil
}

func (m *Memory) SegmentEndpoints(id string) (string, string, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_ENDPOINTS); err != nil {
		return "", "", err
	}
	seg, err := m.getSegment(id)
	if err != nil {
		return "", "", err
	}
	return seg.From, seg.To, nil
}

func (m *Memory) VehicleIDs() ([]string, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	ids := lo.Keys(m.vehicles)
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) VehicleSegment(id string) (string, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_SEGMENT); err != nil {
		return "", err
	}
	v, err := m.getVehicle(id)
	if err != nil {
		return "", err
	}
	return v.segment(), nil
}

func (m *Memory) VehiclePosition(id string) (geometry.Point, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_POSITION); err != nil {
		return geometry.Point{}, err
	}
	v, err := m.getVehicle(id)
	if err != nil {
		return geometry.Point{}, err
	}
	return m.segments[v.segment()].PositionAt(v.pos), nil
}

func (m *Memory) VehicleRoute(id string) ([]string, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_ROUTE); err != nil {
		return nil, err
	}
	v, err := m.getVehicle(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.route[v.index:]...), nil
}

// FindRoute 按静态长度求最短路
func (m *Memory) FindRoute(from, to string) ([]string, error) {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	if err := m.fail(OP_FIND_ROUTE); err != nil {
		return nil, err
	}
	fromID, ok := m.nodeIDs[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, from)
	}
	toID, ok := m.nodeIDs[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, to)
	}
	shortest := path.DijkstraFrom(m.g.Node(fromID), m.g)
	nodes, _ := shortest.To(toID)
	return lo.Map(nodes, func(n graph.Node, _ int) string {
		return m.segIDs[n.ID()]
	}), nil
}

// 命令

func (m *Memory) SetRoute(id string, route []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.getVehicle(id)
	if err != nil {
		return err
	}
	if len(route) == 0 {
		return fmt.Errorf("set route of %s: %w", id, ErrInvalidRoute)
	}
	if route[0] != v.segment() {
		route = append([]string{v.segment()}, route...)
	}
	if err := m.checkRoute(route); err != nil {
		return fmt.Errorf("set route of %s: %w", id, err)
	}
	v.route = append([]string(nil), route...)
	v.index = 0
	return nil
}

func (m *Memory) SetMaxSpeed(id string, speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.getVehicle(id)
	if err != nil {
		return err
	}
	v.maxSpeed = speed
	return nil
}

func (m *Memory) SetSpeed(id string, speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.getVehicle(id)
	if err != nil {
		return err
	}
	v.speed = speed
	return nil
}

func (m *Memory) Stop(id, seg string, pos, duration float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.getVehicle(id)
	if err != nil {
		return err
	}
	if _, err := m.getSegment(seg); err != nil {
		return err
	}
	v.stop = &stop{seg: seg, pos: pos, duration: duration}
	// 已越过停车点时原地停下
	if seg == v.segment() && v.pos >= pos {
		v.stop.pos = v.pos
		v.stop.reached = true
		v.stop.until = m.time + duration
	}
	return nil
}

func (m *Memory) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.getVehicle(id)
	if err != nil {
		return err
	}
	v.stop = nil
	return nil
}

func (m *Memory) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getVehicle(id); err != nil {
		return err
	}
	delete(m.vehicles, id)
	return nil
}

func (m *Memory) MoveTo(id, seg string, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.getVehicle(id)
	if err != nil {
		return err
	}
	if _, err := m.getSegment(seg); err != nil {
		return err
	}
	v.route = []string{seg}
	v.index = 0
	v.pos = pos
	v.stop = nil
	return nil
}

// Stopped 车辆当前是否停靠或速度为0
func (m *Memory) Stopped(id string) bool {
	t := m.mu.RLock()
	defer m.mu.RUnlock(t)
	v, ok := m.vehicles[id]
	if !ok {
		return false
	}
	return v.speed == 0 || (v.stop != nil && v.stop.reached)
}
