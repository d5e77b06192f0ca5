package relay_test

import (
	"fmt"
	"strings"
	"testing"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/relay"
	"git.fiblab.net/sim/erv/sim"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// x轴上10段100m的直路
func lineSim() *sim.Memory {
	var segs []sim.Segment
	for i := 0; i < 10; i++ {
		segs = append(segs, sim.Segment{
			ID:     fmt.Sprintf("s%d", i),
			From:   fmt.Sprintf("j%d", i),
			To:     fmt.Sprintf("j%d", i+1),
			Length: 100,
			Start:  geometry.Point{X: float64(i) * 100},
			End:    geometry.Point{X: float64(i+1) * 100},
		})
	}
	return sim.NewMemory(segs)
}

// 在x处放置车辆
func place(t *testing.T, m *sim.Memory, id string, x float64) {
	seg := min(int(x/100), 9)
	require.NoError(t, m.AddVehicle(id, []string{fmt.Sprintf("s%d", seg)}, x-float64(seg)*100))
}

func config(maxHops int) relay.Config {
	cfg := relay.DefaultConfig()
	cfg.Range = 150
	cfg.MaxHops = maxHops
	return cfg
}

// v0..v9每隔100m一辆，节点N只有v5、v6能到达
func chain(t *testing.T, maxHops int) (*relay.Relay, relay.Incident) {
	m := lineSim()
	for i := 0; i < 10; i++ {
		place(t, m, fmt.Sprintf("v%d", i), float64(i)*100)
	}
	r := relay.New(m, []*relay.Node{
		relay.NewNode("N", "EdgeCEN_N", geometry.Point{X: 550}, 60),
	}, config(maxHops))
	inc, err := r.Register(relay.Incident{
		ID:       "ACC_000",
		Location: geometry.Point{X: 0},
		Segment:  "s0",
		Involved: []string{"v0"},
	})
	require.NoError(t, err)
	return r, inc
}

func TestRegister(t *testing.T) {
	r, inc := chain(t, 5)
	assert.Equal(t, "N", inc.Node)
	assert.True(t, strings.HasPrefix(inc.Message, relay.MESSAGE_PREFIX))
	assert.Len(t, inc.Message, len(relay.MESSAGE_PREFIX)+8)
	assert.False(t, inc.Cleared)

	_, err := r.Register(relay.Incident{ID: "ACC_000"})
	assert.ErrorIs(t, err, relay.ErrDuplicateIncident)

	_, err = r.Alert("ACC_404", "v0")
	assert.ErrorIs(t, err, relay.ErrUnknownIncident)
	assert.ErrorIs(t, r.MarkCleared("ACC_404"), relay.ErrUnknownIncident)
}

func TestRegisterNearestNode(t *testing.T) {
	r := relay.New(lineSim(), []*relay.Node{
		relay.NewNode("A", "EdgeCEN_A", geometry.Point{X: 20, Y: 20}, 200),
		relay.NewNode("C", "EdgeCEN_C", geometry.Point{X: 180, Y: 20}, 200),
	}, relay.DefaultConfig())
	inc, err := r.Register(relay.Incident{ID: "ACC_000", Location: geometry.Point{X: 150}})
	require.NoError(t, err)
	assert.Equal(t, "C", inc.Node)
	inc, err = r.Register(relay.Incident{ID: "ACC_001", Location: geometry.Point{X: 30}})
	require.NoError(t, err)
	assert.Equal(t, "A", inc.Node)
}

func TestAlertHopCap(t *testing.T) {
	// 需要5跳才能到达v5，最大跳数为5时失败
	r, inc := chain(t, 5)
	d, err := r.Alert(inc.ID, "v0")
	assert.ErrorIs(t, err, relay.ErrNotDelivered)
	assert.False(t, d.Delivered)
	for _, m := range r.History(inc.Message) {
		assert.LessOrEqual(t, m.Hops, 5)
		assert.Len(t, m.Path, m.Hops+1)
	}
	got, _ := r.Get(inc.ID)
	assert.False(t, got.Delivered)
	assert.Equal(t, 1, r.Stats().Failed)
	assert.Equal(t, 0, r.Stats().Nodes[0].Received)
}

func TestAlertDelivered(t *testing.T) {
	r, inc := chain(t, 6)
	d, err := r.Alert(inc.ID, "v0")
	require.NoError(t, err)
	assert.True(t, d.Delivered)
	assert.Equal(t, "N", d.Node)
	assert.Equal(t, 5, d.Hops)
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4", "v5"}, d.Path)
	assert.Equal(t, 5, d.Messages)

	// 每跳一个新实例，跳数递增
	history := r.History(inc.Message)
	require.Len(t, history, 7)
	for i, m := range history[:6] {
		assert.Equal(t, i, m.Hops)
		assert.Equal(t, fmt.Sprintf("v%d", i), m.Source)
		assert.False(t, m.Delivered)
	}
	assert.True(t, history[6].Delivered)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 5, stats.Hops)
	assert.Equal(t, map[int]int{5: 1}, stats.Histogram)
	assert.Equal(t, 1, stats.Nodes[0].Received)
	assert.Equal(t, 1, stats.Nodes[0].Incidents)
	require.Len(t, stats.Nodes[0].Records, 1)
	assert.Equal(t, 5, stats.Nodes[0].Records[0].Hops)

	// 已送达的事故不再传播
	again, err := r.Alert(inc.ID, "v0")
	require.NoError(t, err)
	assert.Equal(t, "N", again.Node)
	assert.Equal(t, 1, r.Stats().Nodes[0].Received)
}

func TestAlertNoCycles(t *testing.T) {
	// 5辆车互相都在范围内，没有节点
	m := lineSim()
	for i := 0; i < 5; i++ {
		place(t, m, fmt.Sprintf("v%d", i), float64(i)*20)
	}
	r := relay.New(m, nil, config(5))
	inc, err := r.Register(relay.Incident{ID: "ACC_000", Involved: []string{"v0"}})
	require.NoError(t, err)
	_, err = r.Alert(inc.ID, "v0")
	assert.ErrorIs(t, err, relay.ErrNotDelivered)

	history := r.History(inc.Message)
	// 4辆可转发车辆的全部简单路径：4 + 4·3 + 4·3·2 + 4·3·2·1
	assert.Len(t, history, 1+4+12+24+24)
	for _, m := range history {
		assert.Len(t, lo.Uniq(m.Path), len(m.Path), "path %v", m.Path)
		assert.LessOrEqual(t, m.Hops, 5)
	}
}

func TestAlertExclusions(t *testing.T) {
	setup := func() (*relay.Relay, *sim.Memory) {
		m := lineSim()
		place(t, m, "src", 0)
		place(t, m, "bridge", 100)
		r := relay.New(m, []*relay.Node{
			relay.NewNode("N", "EdgeCEN_N", geometry.Point{X: 160}, 70),
		}, config(5))
		return r, m
	}

	// 事故车辆不转发
	r, _ := setup()
	_, err := r.Register(relay.Incident{ID: "ACC_000", Involved: []string{"src", "bridge"}})
	require.NoError(t, err)
	_, err = r.Alert("ACC_000", "src")
	assert.ErrorIs(t, err, relay.ErrNotDelivered)

	// 被排除的车辆不转发
	r, _ = setup()
	r.Exclude = func(id string) bool { return id == "bridge" }
	_, err = r.Register(relay.Incident{ID: "ACC_000", Involved: []string{"src"}})
	require.NoError(t, err)
	_, err = r.Alert("ACC_000", "src")
	assert.ErrorIs(t, err, relay.ErrNotDelivered)

	r, _ = setup()
	_, err = r.Register(relay.Incident{ID: "ACC_000", Involved: []string{"src"}})
	require.NoError(t, err)
	d, err := r.Alert("ACC_000", "src")
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "bridge"}, d.Path)
	assert.Equal(t, 1, d.Hops)
}

func TestAlertSourceUnavailable(t *testing.T) {
	r, inc := chain(t, 6)
	_, err := r.Alert(inc.ID, "ghost")
	assert.ErrorIs(t, err, relay.ErrNotDelivered)
}

func TestBroadcast(t *testing.T) {
	m := lineSim()
	place(t, m, "inv", 10)
	place(t, m, "erv", 50)
	place(t, m, "w1", 100)
	place(t, m, "w2", 300)
	r := relay.New(m, []*relay.Node{
		relay.NewNode("NA", "EdgeCEN_A", geometry.Point{X: 0}, 200),
		relay.NewNode("NB", "EdgeCEN_B", geometry.Point{X: 150}, 200),
	}, relay.DefaultConfig())
	r.Exclude = func(id string) bool { return id == "erv" }
	inc, err := r.Register(relay.Incident{
		ID:       "ACC_000",
		Location: geometry.Point{X: 10},
		Segment:  "s0",
		Involved: []string{"inv"},
	})
	require.NoError(t, err)
	assert.Equal(t, "NA", inc.Node)
	d, err := r.Alert(inc.ID, "inv")
	require.NoError(t, err)
	assert.Equal(t, "NA", d.Node)

	// 未到间隔
	assert.Empty(t, r.Broadcast(5))

	notices := r.Broadcast(10)
	assert.Equal(t, []relay.Notice{{Incident: "ACC_000", Segment: "s0", Vehicle: "w1"}}, notices)
	received := func(id string) int {
		s, _ := lo.Find(r.Stats().Nodes, func(n relay.NodeStats) bool { return n.ID == id })
		return s.Received
	}
	assert.Equal(t, 1, received("NB"))
	assert.Equal(t, 1, received("NA"))

	// 已通知的车辆不再通知，节点按消息id去重
	assert.Empty(t, r.Broadcast(20))
	assert.Equal(t, 1, received("NB"))

	place(t, m, "w3", 150)
	notices = r.Broadcast(30)
	assert.Equal(t, []relay.Notice{{Incident: "ACC_000", Segment: "s0", Vehicle: "w3"}}, notices)
	got, _ := r.Get("ACC_000")
	assert.Equal(t, 30.0, got.LastBroadcast)

	// 清除后不再广播
	require.NoError(t, r.MarkCleared("ACC_000"))
	require.NoError(t, r.MarkCleared("ACC_000"))
	place(t, m, "w4", 120)
	assert.Empty(t, r.Broadcast(40))
	assert.Empty(t, r.Broadcast(100))
	stats := r.Stats()
	assert.Equal(t, 3, stats.Broadcasts)
	assert.Equal(t, 2, stats.Notices)
	_, err = r.Alert("ACC_000", "inv")
	assert.ErrorIs(t, err, relay.ErrCleared)
	got, _ = r.Get("ACC_000")
	assert.True(t, got.Cleared)
}

func TestBroadcastBeforeDelivery(t *testing.T) {
	// NA离事故最近但半径小，只有NB能从inv处收到告警
	m := lineSim()
	place(t, m, "inv", 50)
	r := relay.New(m, []*relay.Node{
		relay.NewNode("NA", "EdgeCEN_A", geometry.Point{X: 0}, 10),
		relay.NewNode("NB", "EdgeCEN_B", geometry.Point{X: 150}, 200),
	}, relay.DefaultConfig())
	inc, err := r.Register(relay.Incident{
		ID:       "ACC_000",
		Location: geometry.Point{X: 0},
		Segment:  "s0",
		Involved: []string{"inv"},
	})
	require.NoError(t, err)
	assert.Equal(t, "NA", inc.Node)

	// 未送达时广播不通告其他节点
	r.Broadcast(10)
	nb, _ := lo.Find(r.Stats().Nodes, func(n relay.NodeStats) bool { return n.ID == "NB" })
	assert.Equal(t, 0, nb.Received)

	d, err := r.Alert(inc.ID, "inv")
	require.NoError(t, err)
	assert.Equal(t, "NB", d.Node)
	assert.Equal(t, 0, d.Hops)
}
