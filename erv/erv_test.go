package erv_test

import (
	"testing"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/erv"
	"git.fiblab.net/sim/erv/router"
	"git.fiblab.net/sim/erv/scenario"
	"git.fiblab.net/sim/erv/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 网格场景，不含普通车辆，拥堵为0
func setup(t *testing.T) (*sim.Memory, *erv.Fleet, *router.Planner) {
	s := scenario.Grid()
	s.Vehicles = nil
	m, err := s.Build()
	require.NoError(t, err)
	for _, seg := range m.Segments() {
		m.SetOccupancy(seg, 0)
	}
	fleet := erv.NewFleet()
	for _, e := range s.ERVs {
		fleet.Add(e.ID, e.Readiness, e.Home)
	}
	return m, fleet, router.NewPlanner(m)
}

func positions(t *testing.T, m *sim.Memory, ids ...string) map[string]geometry.Point {
	ps := make(map[string]geometry.Point)
	for _, id := range ids {
		p, err := m.VehiclePosition(id)
		require.NoError(t, err)
		ps[id] = p
	}
	return ps
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, erv.Idle.CanTransition(erv.Assigned))
	assert.True(t, erv.Assigned.CanTransition(erv.EnRoute))
	assert.True(t, erv.EnRoute.CanTransition(erv.Arrived))
	assert.True(t, erv.Arrived.CanTransition(erv.Idle))
	assert.True(t, erv.Arrived.CanTransition(erv.Returning))
	assert.True(t, erv.Returning.CanTransition(erv.Idle))

	assert.False(t, erv.Idle.CanTransition(erv.EnRoute))
	assert.False(t, erv.Assigned.CanTransition(erv.Idle))
	assert.False(t, erv.EnRoute.CanTransition(erv.Returning))
	assert.False(t, erv.Returning.CanTransition(erv.Assigned))

	assert.Equal(t, "en_route", erv.EnRoute.String())
	text, err := erv.Returning.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "returning", string(text))
	var s erv.State
	require.NoError(t, s.UnmarshalText(text))
	assert.Equal(t, erv.Returning, s)
	assert.Error(t, s.UnmarshalText([]byte("parked")))
}

func TestFleetInvariants(t *testing.T) {
	f := erv.NewFleet()
	f.Add("ambulance1", 70, "D_G")
	f.Add("ambulance0", 85, "A_B")
	assert.Equal(t, []string{"ambulance0", "ambulance1"}, f.IDs())

	id, ok := f.FirstIdle()
	assert.True(t, ok)
	assert.Equal(t, "ambulance0", id)

	require.NoError(t, f.Assign("ambulance0", erv.Assignment{Incident: "ACC_000", Target: "B_C"}))
	// 同一ERV不能持有两个事故
	err := f.Assign("ambulance0", erv.Assignment{Incident: "ACC_001"})
	assert.ErrorIs(t, err, erv.ErrAlreadyAssigned)
	// 同一事故不能分配给两辆ERV
	err = f.Assign("ambulance1", erv.Assignment{Incident: "ACC_000"})
	assert.ErrorIs(t, err, erv.ErrAlreadyAssigned)
	assert.Equal(t, "ambulance0", f.Holder("ACC_000"))
	assert.NoError(t, f.CheckInvariants())

	// 非法转移
	assert.ErrorIs(t, f.Arrive("ambulance0", 1), erv.ErrInvalidTransition)
	assert.ErrorIs(t, f.Dispatch("ambulance1"), erv.ErrInvalidTransition)
	assert.ErrorIs(t, f.Dispatch("ambulance9"), erv.ErrUnknownERV)

	require.NoError(t, f.Dispatch("ambulance0"))
	require.NoError(t, f.Arrive("ambulance0", 5))
	u, _ := f.Get("ambulance0")
	assert.Equal(t, erv.Arrived, u.State)
	assert.Equal(t, 5.0, u.ArrivedAt)
	require.NoError(t, f.MarkCleared("ambulance0"))
	require.NoError(t, f.Return("ambulance0"))
	assert.Equal(t, "", f.Holder("ACC_000"))
	require.NoError(t, f.Release("ambulance0"))
	u, _ = f.Get("ambulance0")
	assert.Equal(t, erv.Idle, u.State)
	assert.Equal(t, "", u.Target)
	assert.NoError(t, f.CheckInvariants())
}

func TestSelectHomeBonus(t *testing.T) {
	m, fleet, planner := setup(t)
	// ambulance1的Home为D_G，但被移到较远的C_F
	// ambulance0更近且待命度更高，但无端点奖励
	require.NoError(t, m.MoveTo("ambulance1", "C_F", 50))
	require.NoError(t, m.MoveTo("ambulance0", "A_D", 50))
	sel := erv.NewSelector(fleet, m, planner, erv.DefaultGAConfig(), 1)
	res, err := sel.Select(erv.Request{
		Location:  geometry.Point{X: 0, Y: 150},
		Segment:   "D_G",
		Positions: positions(t, m, "ambulance0", "ambulance1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ambulance1", res.ERV)
	// 0.7 - 300/500 + 1.5
	assert.InDelta(t, 1.6, res.Fitness, 1e-9)
	// 0.85 - 100/500，无端点奖励
	assert.InDelta(t, 0.65, res.Scores["ambulance0"], 1e-9)
	require.NotNil(t, res.Route)
	assert.Equal(t, "C_F", res.Route.Segments[0])
	assert.Equal(t, "D_G", res.Route.Last())
	// 不在位置表中的ERV不会被选中
	if score, ok := res.Scores["ambulance2"]; ok {
		assert.Equal(t, float64(erv.SENTINEL_FITNESS), score)
	}
}

func TestSelectArgmax(t *testing.T) {
	m, fleet, planner := setup(t)
	sel := erv.NewSelector(fleet, m, planner, erv.DefaultGAConfig(), 7)
	for _, seg := range []string{"B_C", "E_F", "G_H", "C_F"} {
		res, err := sel.Select(erv.Request{
			Location:  geometry.Point{X: 150, Y: 0},
			Segment:   seg,
			Positions: positions(t, m, "ambulance0", "ambulance1", "ambulance2"),
		})
		require.NoError(t, err)
		for id, score := range res.Scores {
			assert.GreaterOrEqual(t, res.Fitness, score, "segment %s, erv %s", seg, id)
		}
	}
}

func TestSelectStraightLine(t *testing.T) {
	m, fleet, planner := setup(t)
	sel := erv.NewSelector(fleet, m, planner, erv.DefaultGAConfig(), 3)
	// 没有事故路段时按直线距离计算
	res, err := sel.Select(erv.Request{
		Location:  geometry.Point{X: 150, Y: 200},
		Positions: positions(t, m, "ambulance2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ambulance2", res.ERV)
	assert.Nil(t, res.Route)
	// H_I中点(150,200)
	assert.InDelta(t, 0.9, res.Fitness, 1e-9)

	_, err = sel.Select(erv.Request{Location: geometry.Point{}, Positions: nil})
	assert.ErrorIs(t, err, erv.ErrNoCandidate)
}

func TestSelectZeroReadiness(t *testing.T) {
	m, _, planner := setup(t)
	// 待命度0是合法值，不替换为默认值
	fleet := erv.NewFleet()
	fleet.Add("ambulance2", 0, "H_I")
	sel := erv.NewSelector(fleet, m, planner, erv.DefaultGAConfig(), 3)
	res, err := sel.Select(erv.Request{
		Location:  geometry.Point{X: 150, Y: 200},
		Positions: positions(t, m, "ambulance2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ambulance2", res.ERV)
	assert.InDelta(t, 0.0, res.Fitness, 1e-9)
}

func TestAssignFallbackToIdle(t *testing.T) {
	m, _, planner := setup(t)
	fleet := erv.NewFleet()
	fleet.Add("ambulance0", 70, "A_B")
	fleet.Add("ambulance2", 90, "H_I")
	d := erv.NewDispatcher(fleet, m, planner, erv.DefaultDispatchConfig())

	// 待命度更高的ambulance2已被占用
	id, err := d.Assign(erv.Incident{ID: "ACC_000", Segment: "H_I"}, &erv.Selection{ERV: "ambulance2"})
	require.NoError(t, err)
	assert.Equal(t, "ambulance2", id)

	sel := erv.NewSelector(fleet, m, planner, erv.DefaultGAConfig(), 1)
	res, err := sel.Select(erv.Request{
		Location:  geometry.Point{X: 200, Y: 150},
		Segment:   "I_F",
		Positions: positions(t, m, "ambulance0", "ambulance2"),
	})
	require.NoError(t, err)
	id, err = d.Assign(erv.Incident{ID: "ACC_001", Segment: "I_F"}, &res)
	require.NoError(t, err)
	assert.Equal(t, "ambulance0", id)
	assert.NoError(t, fleet.CheckInvariants())

	// 重复分配返回已有持有者
	id, err = d.Assign(erv.Incident{ID: "ACC_001", Segment: "I_F"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ambulance0", id)

	// 没有空闲ERV
	_, err = d.Assign(erv.Incident{ID: "ACC_002", Segment: "B_C"}, nil)
	assert.ErrorIs(t, err, erv.ErrNoCandidate)
}

// 运行直到ambulance0回到idle，检查每一步的状态转移
func runLifecycle(t *testing.T, cfg erv.DispatchConfig) (*sim.Memory, []erv.State, int) {
	m, fleet, planner := setup(t)
	require.NoError(t, m.AddVehicle("veh9", []string{"B_C"}, 50))
	require.NoError(t, m.SetSpeed("veh9", 0))
	d := erv.NewDispatcher(fleet, m, planner, cfg)
	cleared := 0
	d.OnCleared = func(inc erv.Incident) {
		assert.Equal(t, "ACC_000", inc.ID)
		cleared++
	}
	_, err := d.Assign(erv.Incident{
		ID:       "ACC_000",
		Location: geometry.Point{X: 150, Y: 0},
		Segment:  "B_C",
		Involved: []string{"veh9"},
	}, &erv.Selection{ERV: "ambulance0"})
	require.NoError(t, err)

	states := []erv.State{erv.Assigned}
	for tick := 0; tick < 200; tick++ {
		d.Manage(m.Time())
		require.NoError(t, fleet.CheckInvariants())
		u, _ := fleet.Get("ambulance0")
		last := states[len(states)-1]
		if u.State != last {
			require.True(t, last.CanTransition(u.State), "%v -> %v", last, u.State)
			states = append(states, u.State)
		}
		if u.State == erv.Idle {
			break
		}
		m.Step(1)
	}
	return m, states, cleared
}

func TestLifecycleReturning(t *testing.T) {
	m, states, cleared := runLifecycle(t, erv.DefaultDispatchConfig())
	assert.Equal(t, []erv.State{erv.Assigned, erv.EnRoute, erv.Arrived, erv.Returning, erv.Idle}, states)
	assert.Equal(t, 1, cleared)
	// 事故车辆已被移除
	_, err := m.VehicleSegment("veh9")
	assert.ErrorIs(t, err, sim.ErrUnknownVehicle)
	seg, _ := m.VehicleSegment("ambulance0")
	assert.Equal(t, "A_B", seg)
}

func TestLifecycleTeleport(t *testing.T) {
	cfg := erv.DefaultDispatchConfig()
	cfg.TeleportHome = true
	m, states, cleared := runLifecycle(t, cfg)
	assert.Equal(t, []erv.State{erv.Assigned, erv.EnRoute, erv.Arrived, erv.Idle}, states)
	assert.Equal(t, 1, cleared)
	p, _ := m.VehiclePosition("ambulance0")
	assert.InDelta(t, 50, p.X, 1e-9)
	assert.InDelta(t, 0, p.Y, 1e-9)
	// 停在Home
	m.Step(10)
	p, _ = m.VehiclePosition("ambulance0")
	assert.InDelta(t, 50, p.X, 1e-9)
}
