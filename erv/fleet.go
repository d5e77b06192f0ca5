package erv

import (
	"fmt"
	"sort"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/router"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
)

// Unit 一辆ERV的静态信息与动态状态
type Unit struct {
	ID        string  `json:"id"`
	Readiness float64 `json:"readiness"`
	Home      string  `json:"home"`

	State       State          `json:"state"`
	Incident    string         `json:"incident,omitempty"`
	Destination geometry.Point `json:"destination"`
	Target      string         `json:"target,omitempty"`
	Route       *router.Route  `json:"route,omitempty"`
	ArrivedAt   float64        `json:"arrived_at"`
	// 到达后是否已完成清理
	Cleared bool `json:"cleared"`
}

// Assignment 分配给ERV的任务
type Assignment struct {
	Incident    string
	Destination geometry.Point
	Target      string
	Route       *router.Route
}

// Fleet ERV登记表，是ERV动态字段的唯一修改者
// 保证：每辆ERV至多一个事故，每个事故至多一辆ERV
type Fleet struct {
	mu    *xsync.RBMutex
	units map[string]*Unit
	ids   []string // 有序
}

func NewFleet() *Fleet {
	return &Fleet{
		mu:    xsync.NewRBMutex(),
		units: make(map[string]*Unit),
	}
}

// Add 登记一辆空闲ERV
func (f *Fleet) Add(id string, readiness float64, home string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.units[id]; !ok {
		f.ids = append(f.ids, id)
		sort.Strings(f.ids)
	}
	f.units[id] = &Unit{ID: id, Readiness: readiness, Home: home, State: Idle}
}

func (f *Fleet) Len() int {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	return len(f.ids)
}

// IDs 按字典序
func (f *Fleet) IDs() []string {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	return append([]string(nil), f.ids...)
}

func (f *Fleet) Has(id string) bool {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	_, ok := f.units[id]
	return ok
}

// Get 返回副本
func (f *Fleet) Get(id string) (Unit, bool) {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	u, ok := f.units[id]
	if !ok {
		return Unit{}, false
	}
	return *u, true
}

// Snapshot 全部ERV的副本，按id排序
func (f *Fleet) Snapshot() []Unit {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	return lo.Map(f.ids, func(id string, _ int) Unit { return *f.units[id] })
}

// FirstIdle 按id顺序的第一辆空闲ERV
func (f *Fleet) FirstIdle() (string, bool) {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	return lo.Find(f.ids, func(id string) bool { return f.units[id].State == Idle })
}

// Holder 持有incident的ERV，没有时返回空串
func (f *Fleet) Holder(incident string) string {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	return f.holder(incident)
}

func (f *Fleet) holder(incident string) string {
	if incident == "" {
		return ""
	}
	for _, id := range f.ids {
		if f.units[id].Incident == incident {
			return id
		}
	}
	return ""
}

// Assign idle → assigned
func (f *Fleet) Assign(id string, a Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownERV, id)
	}
	if u.State != Idle || u.Incident != "" {
		return fmt.Errorf("erv %s is %v: %w", id, u.State, ErrAlreadyAssigned)
	}
	if holder := f.holder(a.Incident); holder != "" {
		return fmt.Errorf("incident %s held by %s: %w", a.Incident, holder, ErrAlreadyAssigned)
	}
	u.State = Assigned
	u.Incident = a.Incident
	u.Destination = a.Destination
	u.Target = a.Target
	u.Route = a.Route
	u.ArrivedAt = 0
	u.Cleared = false
	return nil
}

// 在状态转移合法时执行update
func (f *Fleet) transition(id string, to State, update func(u *Unit)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownERV, id)
	}
	if !u.State.CanTransition(to) {
		return fmt.Errorf("erv %s %v -> %v: %w", id, u.State, to, ErrInvalidTransition)
	}
	u.State = to
	if update != nil {
		update(u)
	}
	return nil
}

// Dispatch assigned → en_route
func (f *Fleet) Dispatch(id string) error {
	return f.transition(id, EnRoute, nil)
}

// Arrive en_route → arrived
func (f *Fleet) Arrive(id string, now float64) error {
	return f.transition(id, Arrived, func(u *Unit) {
		u.ArrivedAt = now
	})
}

// MarkCleared 记录到达后的清理已完成
func (f *Fleet) MarkCleared(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownERV, id)
	}
	if u.State != Arrived {
		return fmt.Errorf("erv %s clear in state %v: %w", id, u.State, ErrInvalidTransition)
	}
	u.Cleared = true
	return nil
}

// Return arrived → returning，事故分配随之释放
func (f *Fleet) Return(id string) error {
	return f.transition(id, Returning, func(u *Unit) {
		u.Incident = ""
		u.Route = nil
	})
}

// Release arrived/returning → idle
func (f *Fleet) Release(id string) error {
	return f.transition(id, Idle, func(u *Unit) {
		u.Incident = ""
		u.Destination = geometry.Point{}
		u.Target = ""
		u.Route = nil
		u.Cleared = false
	})
}

// CheckInvariants 检查分配关系
func (f *Fleet) CheckInvariants() error {
	t := f.mu.RLock()
	defer f.mu.RUnlock(t)
	holders := make(map[string]string)
	for _, id := range f.ids {
		u := f.units[id]
		switch u.State {
		case Idle, Returning:
			if u.Incident != "" {
				return fmt.Errorf("erv %s is %v but holds incident %s", id, u.State, u.Incident)
			}
		default:
			if u.Incident == "" {
				return fmt.Errorf("erv %s is %v without incident", id, u.State)
			}
		}
		if u.Incident == "" {
			continue
		}
		if other, ok := holders[u.Incident]; ok {
			return fmt.Errorf("incident %s held by both %s and %s", u.Incident, other, id)
		}
		holders[u.Incident] = id
	}
	return nil
}
