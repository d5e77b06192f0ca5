// Package relay 模拟事故告警在车辆（V2V）和基础设施节点（V2I）之间的多跳传播
package relay

import (
	"errors"
	"fmt"
	"sort"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/sim"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
)

var (
	ErrUnknownIncident   = errors.New("unknown incident")
	ErrDuplicateIncident = errors.New("duplicated incident")
	ErrCleared           = errors.New("incident already cleared")
	// 错误：告警未能送达任何基础设施节点
	ErrNotDelivered = errors.New("alert not delivered")
)

type Config struct {
	// 车辆间通信半径（m）
	Range float64
	// 最大跳数
	MaxHops int
	// 单次传播最多生成的消息数
	MaxExpansions int
	// 周期广播间隔（s）
	Interval float64
}

func DefaultConfig() Config {
	return Config{
		Range:         200,
		MaxHops:       5,
		MaxExpansions: 10000,
		Interval:      10,
	}
}

// Incident 事故登记项，cleared只能由false变为true
type Incident struct {
	ID         string         `json:"id"`
	Location   geometry.Point `json:"location"`
	Segment    string         `json:"segment"`
	DetectedAt float64        `json:"detected_at"`
	Involved   []string       `json:"involved"`
	// 登记该事故的最近节点
	Node    string `json:"node"`
	Message string `json:"message"`
	// 接收告警的节点
	Receiver      string  `json:"receiver,omitempty"`
	Delivered     bool    `json:"delivered"`
	Cleared       bool    `json:"cleared"`
	LastBroadcast float64 `json:"last_broadcast"`
}

// Delivery 一次告警传播的结果
type Delivery struct {
	Incident  string   `json:"incident"`
	Message   string   `json:"message"`
	Delivered bool     `json:"delivered"`
	Node      string   `json:"node,omitempty"`
	Hops      int      `json:"hops"`
	Path      []string `json:"path"`
	// 本次传播生成的消息实例数（不含初始消息）
	Messages int `json:"messages"`
}

// Notice 周期广播通知到的车辆
type Notice struct {
	Incident string `json:"incident"`
	Segment  string `json:"segment"`
	Vehicle  string `json:"vehicle"`
}

// Stats 传播统计
type Stats struct {
	Messages   int         `json:"messages"`
	Hops       int         `json:"hops"`
	Histogram  map[int]int `json:"histogram"`
	Delivered  int         `json:"delivered"`
	Failed     int         `json:"failed"`
	Broadcasts int         `json:"broadcasts"`
	Notices    int         `json:"notices"`
	Nodes      []NodeStats `json:"nodes"`
}

type entry struct {
	Incident
	root  Message
	heard map[string]bool // 已收到周期广播的车辆
}

// Relay 事故登记表与告警传播
type Relay struct {
	mu  *xsync.RBMutex
	sim sim.Simulator
	cfg Config

	nodes     []*Node
	incidents map[string]*entry
	history   map[string][]Message // 消息id -> 各跳消息
	stats     Stats

	// 返回true的车辆不参与转发也不接收广播（如ERV、已停车辆）
	Exclude func(vehicle string) bool
}

func New(s sim.Simulator, nodes []*Node, cfg Config) *Relay {
	return &Relay{
		mu:        xsync.NewRBMutex(),
		sim:       s,
		cfg:       cfg,
		nodes:     nodes,
		incidents: make(map[string]*entry),
		history:   make(map[string][]Message),
		stats:     Stats{Histogram: make(map[int]int)},
	}
}

func (r *Relay) excluded(vehicle string) bool {
	return r.Exclude != nil && r.Exclude(vehicle)
}

// 离p最近的节点，没有节点时返回nil
func (r *Relay) nearest(p geometry.Point) *Node {
	if len(r.nodes) == 0 {
		return nil
	}
	return lo.MinBy(r.nodes, func(a, b *Node) bool {
		return geometry.Distance(a.Position, p) < geometry.Distance(b.Position, p)
	})
}

// Register 登记事故并绑定到最近的节点
func (r *Relay) Register(inc Incident) (Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.incidents[inc.ID]; ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrDuplicateIncident, inc.ID)
	}
	inc.Involved = append([]string(nil), inc.Involved...)
	inc.Cleared = false
	inc.Delivered = false
	inc.LastBroadcast = inc.DetectedAt
	if node := r.nearest(inc.Location); node != nil {
		inc.Node = node.ID
	} else {
		log.Warnf("no infrastructure node for incident %s", inc.ID)
	}
	source := ""
	if len(inc.Involved) > 0 {
		source = inc.Involved[0]
	}
	e := &entry{Incident: inc, heard: make(map[string]bool)}
	e.root = newMessage(newMessageID(), source, Payload{
		Incident:   inc.ID,
		Involved:   inc.Involved,
		Location:   inc.Location,
		DetectedAt: inc.DetectedAt,
	})
	e.Message = e.root.ID
	r.incidents[inc.ID] = e
	r.history[e.root.ID] = []Message{e.root}
	log.Infof("incident %s registered at (%.1f, %.1f) on %s, node %s", inc.ID, inc.Location.X, inc.Location.Y, inc.Segment, inc.Node)
	return e.Incident, nil
}

func (r *Relay) Get(id string) (Incident, bool) {
	t := r.mu.RLock()
	defer r.mu.RUnlock(t)
	e, ok := r.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return e.snapshot(), true
}

// Incidents 按id排序
func (r *Relay) Incidents() []Incident {
	t := r.mu.RLock()
	defer r.mu.RUnlock(t)
	return r.sorted()
}

func (r *Relay) sorted() []Incident {
	incidents := lo.MapToSlice(r.incidents, func(_ string, e *entry) Incident { return e.snapshot() })
	sort.Slice(incidents, func(i, j int) bool { return incidents[i].ID < incidents[j].ID })
	return incidents
}

func (e *entry) snapshot() Incident {
	inc := e.Incident
	inc.Involved = append([]string(nil), e.Involved...)
	return inc
}

// MarkCleared 幂等，清除后不再传播或广播
func (r *Relay) MarkCleared(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if !e.Cleared {
		e.Cleared = true
		log.Infof("incident %s cleared", id)
	}
	return nil
}

// History 某消息的所有跳
func (r *Relay) History(messageID string) []Message {
	t := r.mu.RLock()
	defer r.mu.RUnlock(t)
	return append([]Message(nil), r.history[messageID]...)
}

// 所有可见车辆的当前位置，查询失败的车辆跳过
func (r *Relay) positions() map[string]geometry.Point {
	ids, err := r.sim.VehicleIDs()
	if err != nil {
		log.Warnf("vehicle ids unavailable: %v", err)
		return nil
	}
	ps := make(map[string]geometry.Point, len(ids))
	for _, id := range ids {
		p, err := r.sim.VehiclePosition(id)
		if err != nil {
			log.Debugf("position of %s unavailable: %v", id, err)
			continue
		}
		ps[id] = p
	}
	return ps
}

// 传播栈中的一帧
type frame struct {
	msg        Message
	candidates []string
	next       int
}

// Alert 从source开始深度优先传播incident的告警，第一条到达节点的分支即成功
// 每个载体先检查范围内的节点（按距离），再按距离升序尝试范围内的车辆
// 路径中的车辆、事故车辆和被排除的车辆不参与转发
func (r *Relay) Alert(incidentID, source string) (Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.incidents[incidentID]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: %s", ErrUnknownIncident, incidentID)
	}
	if e.Cleared {
		return Delivery{}, fmt.Errorf("%w: %s", ErrCleared, incidentID)
	}
	if e.Delivered {
		return Delivery{Incident: incidentID, Message: e.Message, Delivered: true, Node: e.Receiver}, nil
	}
	root := e.root
	if source != "" && source != root.Source {
		root = newMessage(root.ID, source, root.Payload)
	}
	d := Delivery{Incident: incidentID, Message: root.ID}

	ps := r.positions()
	if _, ok := ps[root.Source]; !ok {
		r.stats.Failed++
		return d, fmt.Errorf("%w: position of source %s unavailable", ErrNotDelivered, root.Source)
	}
	involved := lo.Associate(e.Involved, func(id string) (string, bool) { return id, true })
	now := r.sim.Time()

	// 返回接收消息的节点，或压入新的帧
	var stack []frame
	visit := func(m Message) *Node {
		if m.Hops >= r.cfg.MaxHops {
			log.Debugf("message %s reached max hops %d at %s", m.ID, r.cfg.MaxHops, m.Carrier())
			return nil
		}
		pos := ps[m.Carrier()]
		inRange := lo.Filter(r.nodes, func(n *Node, _ int) bool { return n.inRange(pos) })
		sort.SliceStable(inRange, func(i, j int) bool {
			return geometry.Distance(inRange[i].Position, pos) < geometry.Distance(inRange[j].Position, pos)
		})
		for _, n := range inRange {
			if n.accept(m, now) {
				return n
			}
		}
		candidates := lo.Filter(lo.Keys(ps), func(id string, _ int) bool {
			return !m.visited(id) && !involved[id] && !r.excluded(id) &&
				geometry.Distance(ps[id], pos) <= r.cfg.Range
		})
		sort.Slice(candidates, func(i, j int) bool {
			di, dj := geometry.Distance(ps[candidates[i]], pos), geometry.Distance(ps[candidates[j]], pos)
			if di != dj {
				return di < dj
			}
			return candidates[i] < candidates[j]
		})
		stack = append(stack, frame{msg: m, candidates: candidates})
		return nil
	}

	r.stats.Messages++
	final := root
	node := visit(root)
	for node == nil && len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.candidates) {
			stack = stack[:len(stack)-1]
			continue
		}
		if d.Messages >= r.cfg.MaxExpansions {
			log.Warnf("alert %s for %s stopped after %d messages", root.ID, incidentID, d.Messages)
			break
		}
		next := top.msg.forward(top.candidates[top.next])
		top.next++
		d.Messages++
		r.stats.Messages++
		r.history[next.ID] = append(r.history[next.ID], next)
		final = next
		node = visit(next)
	}

	if node == nil {
		r.stats.Failed++
		log.Warnf("alert %s for incident %s not delivered after %d messages", root.ID, incidentID, d.Messages)
		return d, fmt.Errorf("%w: %s", ErrNotDelivered, incidentID)
	}
	delivered := final.delivered()
	r.history[delivered.ID] = append(r.history[delivered.ID], delivered)
	d.Delivered = true
	d.Node = node.ID
	d.Hops = delivered.Hops
	d.Path = delivered.Path
	e.Delivered = true
	e.Receiver = node.ID
	r.stats.Delivered++
	r.stats.Hops += delivered.Hops
	r.stats.Histogram[delivered.Hops]++
	log.Infof("alert %s for incident %s reached %s in %d hops: %v", root.ID, incidentID, node.ID, delivered.Hops, delivered.Path)
	return d, nil
}

// Broadcast 对距上次广播已满Interval的未清除事故：
// 已送达的事故向事故位置范围内的其他节点重新通告（节点按消息id去重），
// 并通知登记节点范围内尚未收到该事故的车辆
func (r *Relay) Broadcast(now float64) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*entry
	for _, inc := range r.sorted() {
		e := r.incidents[inc.ID]
		if !e.Cleared && now-e.LastBroadcast >= r.cfg.Interval {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil
	}
	ps := r.positions()
	ids := lo.Keys(ps)
	sort.Strings(ids)

	var notices []Notice
	for _, e := range due {
		r.stats.Broadcasts++
		e.LastBroadcast = now
		center := e.Location
		for _, n := range r.nodes {
			if n.ID == e.Node {
				center = n.Position
				continue
			}
			// 未送达前不向其他节点通告，节点的已见消息留给告警重试
			if e.Delivered && n.inRange(e.Location) && n.accept(e.root, now) {
				log.Debugf("incident %s announced to %s", e.ID, n.ID)
			}
		}
		for _, id := range ids {
			if e.heard[id] || lo.Contains(e.Involved, id) || r.excluded(id) {
				continue
			}
			if geometry.Distance(ps[id], center) > r.cfg.Range {
				continue
			}
			e.heard[id] = true
			notices = append(notices, Notice{Incident: e.ID, Segment: e.Segment, Vehicle: id})
		}
		log.Debugf("broadcast incident %s at t=%.1f", e.ID, now)
	}
	r.stats.Notices += len(notices)
	return notices
}

// Stats 统计快照
func (r *Relay) Stats() Stats {
	t := r.mu.RLock()
	defer r.mu.RUnlock(t)
	s := r.stats
	s.Histogram = lo.Assign(r.stats.Histogram)
	s.Nodes = lo.Map(r.nodes, func(n *Node, _ int) NodeStats { return n.stats() })
	return s
}
