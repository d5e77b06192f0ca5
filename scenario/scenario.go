// Package scenario 描述路网、ERV、基础设施节点和普通车辆，并据此构建内存模拟器
package scenario

import (
	"fmt"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/sim"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "scenario")

const (
	// 默认通信半径（m）
	DEFAULT_RADIUS = 200.0
	// ERV未给出待命度时的默认值
	DEFAULT_READINESS = 50.0
)

type Junction struct {
	ID       string         `json:"id"`
	Position geometry.Point `json:"position"`
}

// ERV 应急车辆的静态信息，初始停在Home路段中点
type ERV struct {
	ID        string  `json:"id"`
	Home      string  `json:"home"`
	Readiness float64 `json:"readiness"`
}

// Infra 固定基础设施节点（CEN）
type Infra struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Position geometry.Point `json:"position"`
	Radius   float64        `json:"radius"`
}

// Vehicle 普通车辆
type Vehicle struct {
	ID    string   `json:"id"`
	Route []string `json:"route"`
	Pos   float64  `json:"pos"`
}

type Scenario struct {
	Junctions []Junction
	Segments  []sim.Segment
	ERVs      []ERV
	Infra     []Infra
	Vehicles  []Vehicle
}

// Validate 检查引用关系
func (s *Scenario) Validate() error {
	segs := make(map[string]bool, len(s.Segments))
	for _, seg := range s.Segments {
		if seg.ID == "" {
			return fmt.Errorf("segment without id")
		}
		if segs[seg.ID] {
			return fmt.Errorf("duplicated segment %s", seg.ID)
		}
		segs[seg.ID] = true
	}
	for _, e := range s.ERVs {
		if !segs[e.Home] {
			return fmt.Errorf("erv %s: unknown home segment %s", e.ID, e.Home)
		}
	}
	for _, v := range s.Vehicles {
		if len(v.Route) == 0 {
			return fmt.Errorf("vehicle %s: empty route", v.ID)
		}
		for _, seg := range v.Route {
			if !segs[seg] {
				return fmt.Errorf("vehicle %s: unknown segment %s", v.ID, seg)
			}
		}
	}
	return nil
}

// Build 构建内存模拟器，ERV停在各自Home路段中点
func (s *Scenario) Build() (*sim.Memory, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m := sim.NewMemory(s.Segments)
	for _, e := range s.ERVs {
		seg, _ := m.Segment(e.Home)
		mid := seg.Length / 2
		if err := m.AddVehicle(e.ID, []string{e.Home}, mid); err != nil {
			return nil, err
		}
		if err := m.Stop(e.ID, e.Home, mid, sim.STOP_FOREVER); err != nil {
			return nil, err
		}
	}
	for _, v := range s.Vehicles {
		if err := m.AddVehicle(v.ID, v.Route, v.Pos); err != nil {
			return nil, err
		}
	}
	log.Infof("scenario built: %d segments, %d ervs, %d infra nodes, %d vehicles",
		len(s.Segments), len(s.ERVs), len(s.Infra), len(s.Vehicles))
	return m, nil
}
