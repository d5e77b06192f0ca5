package scenario

import (
	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/sim"
)

const (
	// 网格间距（m）
	GRID_SPACING = 100.0
)

// 3×3网格的路口布局，y向上
//
//	G---H---I
//	|   |   |
//	D---E---F
//	|   |   |
//	A---B---C
var gridLayout = [3][3]string{
	{"A", "B", "C"},
	{"D", "E", "F"},
	{"G", "H", "I"},
}

// Grid 内置的3×3网格场景：双向路段，三辆救护车，四个基础设施节点
func Grid() *Scenario {
	s := &Scenario{}
	pos := make(map[string]geometry.Point)
	for row, names := range gridLayout {
		for col, name := range names {
			p := geometry.Point{X: float64(col) * GRID_SPACING, Y: float64(row) * GRID_SPACING}
			pos[name] = p
			s.Junctions = append(s.Junctions, Junction{ID: name, Position: p})
		}
	}
	link := func(a, b string) {
		s.Segments = append(s.Segments,
			sim.Segment{ID: a + "_" + b, From: a, To: b, Length: GRID_SPACING, Start: pos[a], End: pos[b]},
			sim.Segment{ID: b + "_" + a, From: b, To: a, Length: GRID_SPACING, Start: pos[b], End: pos[a]},
		)
	}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			if col < 2 {
				link(gridLayout[row][col], gridLayout[row][col+1])
			}
			if row < 2 {
				link(gridLayout[row][col], gridLayout[row+1][col])
			}
		}
	}
	s.ERVs = []ERV{
		{ID: "ambulance0", Home: "A_B", Readiness: 85},
		{ID: "ambulance1", Home: "D_G", Readiness: 70},
		{ID: "ambulance2", Home: "H_I", Readiness: 90},
	}
	s.Infra = []Infra{
		{ID: "EdgeNode_A", Name: "EdgeCEN_A", Position: geometry.Point{X: 20, Y: 20}, Radius: DEFAULT_RADIUS},
		{ID: "EdgeNode_D", Name: "EdgeCEN_D", Position: geometry.Point{X: 20, Y: 120}, Radius: DEFAULT_RADIUS},
		{ID: "EdgeNode_C", Name: "EdgeCEN_C", Position: geometry.Point{X: 180, Y: 20}, Radius: DEFAULT_RADIUS},
		{ID: "EdgeNode_I", Name: "EdgeCEN_I", Position: geometry.Point{X: 180, Y: 180}, Radius: DEFAULT_RADIUS},
	}
	s.Vehicles = []Vehicle{
		{ID: "veh0", Route: []string{"A_B", "B_C", "C_F", "F_I"}, Pos: 10},
		{ID: "veh1", Route: []string{"G_H", "H_I", "I_F", "F_C"}, Pos: 10},
		{ID: "veh2", Route: []string{"D_E", "E_F", "F_C", "C_B"}, Pos: 10},
		{ID: "veh3", Route: []string{"B_E", "E_H", "H_G", "G_D"}, Pos: 10},
		{ID: "veh4", Route: []string{"C_B", "B_A", "A_D", "D_G"}, Pos: 10},
		{ID: "veh5", Route: []string{"I_H", "H_E", "E_D", "D_A"}, Pos: 10},
	}
	return s
}

// GridSegments 仅包含网格路段，不含车辆
func GridSegments() []sim.Segment {
	return Grid().Segments
}
