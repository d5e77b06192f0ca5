package bridge

import (
	"bytes"
	"net"
	"testing"

	"git.fiblab.net/sim/erv/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// 模拟对端：按endpoint返回固定结果，并记录收到的请求
type fakeSimulator struct {
	conn     net.Conn
	results  map[string]any
	requests chan request
}

func (f *fakeSimulator) serve() {
	defer close(f.requests)
	for {
		raw, err := readFrame(f.conn)
		if err != nil {
			return
		}
		var req request
		if err := msgpack.Unmarshal(raw, &req); err != nil {
			return
		}
		f.requests <- req
		resp := map[string]any{"ok": true, "error": ""}
		if result, ok := f.results[req.Endpoint]; ok {
			resp["result"] = result
		} else if req.Endpoint == "broken" || req.Endpoint == "occupancy" {
			resp["ok"] = false
			resp["error"] = "no such lane"
		}
		body, _ := msgpack.Marshal(resp)
		if err := writeFrame(f.conn, body); err != nil {
			return
		}
	}
}

func newPair(t *testing.T, results map[string]any) (*Client, *fakeSimulator) {
	clientConn, serverConn := net.Pipe()
	f := &fakeSimulator{conn: serverConn, results: results, requests: make(chan request, 16)}
	go f.serve()
	c := NewClient(clientConn)
	t.Cleanup(func() {
		c.Close()
		serverConn.Close()
	})
	return c, f
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])
	payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	// 超长帧
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err = readFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestClientQueries(t *testing.T) {
	c, f := newPair(t, map[string]any{
		"time":              12.5,
		"successors":        []string{"B_C", "B_E"},
		"segment_endpoints": map[string]any{"from": "A", "to": "B"},
		"vehicle_position":  map[string]any{"x": 3.0, "y": 4.0},
	})

	assert.Equal(t, 12.5, c.Time())
	req := <-f.requests
	assert.Equal(t, "time", req.Endpoint)

	succ, err := c.Successors("A_B")
	require.NoError(t, err)
	assert.Equal(t, []string{"B_C", "B_E"}, succ)
	req = <-f.requests
	assert.Equal(t, "A_B", req.Params["segment"])

	from, to, err := c.SegmentEndpoints("A_B")
	require.NoError(t, err)
	assert.Equal(t, "A", from)
	assert.Equal(t, "B", to)
	<-f.requests

	p, err := c.VehiclePosition("v0")
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.X)
	assert.Equal(t, 4.0, p.Y)
	<-f.requests
}

func TestClientErrors(t *testing.T) {
	c, f := newPair(t, map[string]any{})
	_, err := c.Occupancy("A_B")
	assert.ErrorIs(t, err, sim.ErrUnavailable)
	<-f.requests

	// 命令没有result
	require.NoError(t, c.SetSpeed("v0", 0))
	req := <-f.requests
	assert.Equal(t, "set_speed", req.Endpoint)
	assert.Equal(t, "v0", req.Params["vehicle"])

	require.NoError(t, c.Step())
	req = <-f.requests
	assert.Equal(t, "step", req.Endpoint)

	// 连接断开
	c.Close()
	_, err = c.Successors("A_B")
	assert.ErrorIs(t, err, sim.ErrUnavailable)
}
