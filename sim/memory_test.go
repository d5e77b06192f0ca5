package sim_test

import (
	"testing"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A -(100m)- B -(100m)- C，双向
func lineSegments() []sim.Segment {
	pA, pB, pC := geometry.Point{X: 0}, geometry.Point{X: 100}, geometry.Point{X: 200}
	return []sim.Segment{
		{ID: "A_B", From: "A", To: "B", Length: 100, Start: pA, End: pB},
		{ID: "B_A", From: "B", To: "A", Length: 100, Start: pB, End: pA},
		{ID: "B_C", From: "B", To: "C", Length: 100, Start: pB, End: pC},
		{ID: "C_B", From: "C", To: "B", Length: 100, Start: pC, End: pB},
	}
}

func TestMemoryTopology(t *testing.T) {
	m := sim.NewMemory(lineSegments())
	succ, err := m.Successors("A_B")
	require.NoError(t, err)
	assert.Equal(t, []string{"B_A", "B_C"}, succ)

	from, to, err := m.SegmentEndpoints("B_C")
	require.NoError(t, err)
	assert.Equal(t, "B", from)
	assert.Equal(t, "C", to)

	_, err = m.SegmentLength("X_Y")
	assert.ErrorIs(t, err, sim.ErrUnknownSegment)

	route, err := m.FindRoute("A_B", "C_B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A_B", "B_C", "C_B"}, route)
}

func TestMemoryStep(t *testing.T) {
	m := sim.NewMemory(lineSegments())
	require.NoError(t, m.AddVehicle("v0", []string{"A_B", "B_C"}, 0))
	require.NoError(t, m.SetMaxSpeed("v0", 10))

	m.Step(5)
	assert.Equal(t, 5.0, m.Time())
	p, err := m.VehiclePosition("v0")
	require.NoError(t, err)
	assert.InDelta(t, 50, p.X, 1e-9)

	m.Step(10)
	seg, err := m.VehicleSegment("v0")
	require.NoError(t, err)
	assert.Equal(t, "B_C", seg)
	route, err := m.VehicleRoute("v0")
	require.NoError(t, err)
	assert.Equal(t, []string{"B_C"}, route)

	// 路线终点停在路段末尾
	m.Step(100)
	p, _ = m.VehiclePosition("v0")
	assert.InDelta(t, 200, p.X, 1e-9)
}

func TestMemoryStopResume(t *testing.T) {
	m := sim.NewMemory(lineSegments())
	require.NoError(t, m.AddVehicle("v0", []string{"A_B", "B_C"}, 0))
	require.NoError(t, m.Stop("v0", "A_B", 50, 10))
	m.Step(10)
	p, _ := m.VehiclePosition("v0")
	assert.InDelta(t, 50, p.X, 1e-9)
	assert.True(t, m.Stopped("v0"))

	// 停车时间未到
	m.Step(5)
	p, _ = m.VehiclePosition("v0")
	assert.InDelta(t, 50, p.X, 1e-9)

	require.NoError(t, m.Resume("v0"))
	m.Step(1)
	p, _ = m.VehiclePosition("v0")
	assert.InDelta(t, 60, p.X, 1e-9)

	require.NoError(t, m.SetSpeed("v0", 0))
	m.Step(1)
	p, _ = m.VehiclePosition("v0")
	assert.InDelta(t, 60, p.X, 1e-9)
	assert.True(t, m.Stopped("v0"))
}

func TestMemoryCommands(t *testing.T) {
	m := sim.NewMemory(lineSegments())
	require.NoError(t, m.AddVehicle("v0", []string{"A_B"}, 10))

	// 首项不是当前路段时自动补上
	require.NoError(t, m.SetRoute("v0", []string{"B_C"}))
	route, _ := m.VehicleRoute("v0")
	assert.Equal(t, []string{"A_B", "B_C"}, route)

	err := m.SetRoute("v0", []string{"C_B"})
	assert.ErrorIs(t, err, sim.ErrInvalidRoute)

	require.NoError(t, m.MoveTo("v0", "C_B", 50))
	p, _ := m.VehiclePosition("v0")
	assert.InDelta(t, 150, p.X, 1e-9)

	require.NoError(t, m.Remove("v0"))
	_, err = m.VehicleSegment("v0")
	assert.ErrorIs(t, err, sim.ErrUnknownVehicle)
	assert.ErrorIs(t, m.Remove("v0"), sim.ErrUnknownVehicle)
}

func TestMemoryOccupancy(t *testing.T) {
	m := sim.NewMemory(lineSegments())
	require.NoError(t, m.AddVehicle("v0", []string{"A_B"}, 0))
	require.NoError(t, m.AddVehicle("v1", []string{"A_B"}, 20))
	o, err := m.Occupancy("A_B")
	require.NoError(t, err)
	assert.InDelta(t, 0.15, o, 1e-9)

	m.SetOccupancy("A_B", 0.9)
	o, _ = m.Occupancy("A_B")
	assert.Equal(t, 0.9, o)
	m.SetOccupancy("A_B", -1)
	o, _ = m.Occupancy("A_B")
	assert.InDelta(t, 0.15, o, 1e-9)
}

func TestMemoryFailureInjection(t *testing.T) {
	m := sim.NewMemory(lineSegments())
	m.SetFailing(sim.OP_OCCUPANCY, true)
	_, err := m.Occupancy("A_B")
	assert.ErrorIs(t, err, sim.ErrUnavailable)
	m.SetFailing(sim.OP_OCCUPANCY, false)
	_, err = m.Occupancy("A_B")
	assert.NoError(t, err)
}
