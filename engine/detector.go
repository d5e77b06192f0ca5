package engine

import (
	"math/rand"
	"sort"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/sim"
	"github.com/samber/lo"
)

// Collision 模拟器报告的碰撞
type Collision struct {
	Vehicles []string `json:"vehicles"`
}

type pair struct {
	a, b string
}

// Detector 按车辆间距检测碰撞，每对车辆只报告一次
type Detector struct {
	Distance float64
	reported map[pair]bool
}

func NewDetector(distance float64) *Detector {
	return &Detector{Distance: distance, reported: make(map[pair]bool)}
}

// Detect skip返回true的车辆不参与检测（ERV、已停车辆）
func (d *Detector) Detect(s sim.Simulator, skip func(vehicle string) bool) []Collision {
	if d.Distance <= 0 {
		return nil
	}
	ids, err := s.VehicleIDs()
	if err != nil {
		log.Warnf("vehicle ids unavailable, skip collision detection: %v", err)
		return nil
	}
	ids = lo.Reject(ids, func(id string, _ int) bool { return skip(id) })
	sort.Strings(ids)
	ps := make(map[string]geometry.Point, len(ids))
	for _, id := range ids {
		if p, err := s.VehiclePosition(id); err == nil {
			ps[id] = p
		}
	}
	var collisions []Collision
	used := make(map[string]bool)
	for i, a := range ids {
		pa, ok := ps[a]
		if !ok || used[a] {
			continue
		}
		for _, b := range ids[i+1:] {
			pb, ok := ps[b]
			if !ok || used[b] || d.reported[pair{a, b}] {
				continue
			}
			if geometry.Distance(pa, pb) < d.Distance {
				d.reported[pair{a, b}] = true
				used[a], used[b] = true, true
				collisions = append(collisions, Collision{Vehicles: []string{a, b}})
				log.Infof("collision detected: %s and %s at (%.1f, %.1f)", a, b, pa.X, pa.Y)
				break
			}
		}
	}
	return collisions
}

// Synthetic 随机选取两辆车制造碰撞，车辆不足时返回nil
func Synthetic(s sim.Simulator, rng *rand.Rand, skip func(vehicle string) bool) []Collision {
	ids, err := s.VehicleIDs()
	if err != nil {
		return nil
	}
	ids = lo.Reject(ids, func(id string, _ int) bool { return skip(id) })
	if len(ids) < 2 {
		return nil
	}
	sort.Strings(ids)
	i := rng.Intn(len(ids))
	j := rng.Intn(len(ids) - 1)
	if j >= i {
		j++
	}
	return []Collision{{Vehicles: []string{ids[i], ids[j]}}}
}
