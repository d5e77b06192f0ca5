// Package bridge 通过unix socket与外部交通模拟器进程通信，实现sim.Simulator
// 帧格式：4字节大端长度 + msgpack消息体
package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/sim"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

var log = logrus.WithField("module", "bridge")

const (
	// 单帧最大长度
	MAX_FRAME_SIZE = 64 << 20
	// 连接失败后的重试间隔
	RETRY_INTERVAL = time.Second
)

var ErrFrameTooLarge = errors.New("frame too large")

type request struct {
	Endpoint string         `msgpack:"endpoint"`
	Params   map[string]any `msgpack:"params,omitempty"`
}

type response struct {
	OK     bool               `msgpack:"ok"`
	Error  string             `msgpack:"error"`
	Result msgpack.RawMessage `msgpack:"result"`
}

type position struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

type endpoints struct {
	From string `msgpack:"from"`
	To   string `msgpack:"to"`
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, nil
	}
	if length > MAX_FRAME_SIZE {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Client 同一时刻只有一个请求在途
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	lastTime float64
}

var _ sim.Simulator = (*Client)(nil)

func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Dial 连接socketPath，失败时每隔RETRY_INTERVAL重试直到ctx结束
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", socketPath)
		if err == nil {
			log.Infof("connected to simulator at %s", socketPath)
			return NewClient(conn), nil
		}
		log.Warnf("failed to connect to %s: %v, retrying", socketPath, err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", socketPath, ctx.Err())
		case <-time.After(RETRY_INTERVAL):
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// call 发送一次请求并把result解码到out（out为nil时忽略result）
func (c *Client) call(endpoint string, params map[string]any, out any) error {
	body, err := msgpack.Marshal(request{Endpoint: endpoint, Params: params})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", endpoint, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.conn, body); err != nil {
		return fmt.Errorf("%s: %w: %v", endpoint, sim.ErrUnavailable, err)
	}
	raw, err := readFrame(c.conn)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", endpoint, sim.ErrUnavailable, err)
	}
	var resp response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	if !resp.OK {
		return fmt.Errorf("%s: %w: %s", endpoint, sim.ErrUnavailable, resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", endpoint, err)
	}
	return nil
}

// Step 让模拟器前进一步
func (c *Client) Step() error {
	return c.call("step", nil, nil)
}

// 查询

// 失败时返回上一次成功读到的时间
func (c *Client) Time() float64 {
	var t float64
	if err := c.call("time", nil, &t); err != nil {
		log.Errorf("query time: %v", err)
		return c.lastTime
	}
	c.lastTime = t
	return t
}

func (c *Client) SegmentLength(seg string) (float64, error) {
	var length float64
	err := c.call("segment_length", map[string]any{"segment": seg}, &length)
	return length, err
}

func (c *Client) Successors(seg string) ([]string, error) {
	var succ []string
	err := c.call("successors", map[string]any{"segment": seg}, &succ)
	return succ, err
}

func (c *Client) Occupancy(seg string) (float64, error) {
	var o float64
	err := c.call("occupancy", map[string]any{"segment": seg}, &o)
	return o, err
}

func (c *Client) SegmentEndpoints(seg string) (string, string, error) {
	var e endpoints
	err := c.call("segment_endpoints", map[string]any{"segment": seg}, &e)
	return e.From, e.To, err
}

func (c *Client) VehicleIDs() ([]string, error) {
	var ids []string
	err := c.call("vehicle_ids", nil, &ids)
	return ids, err
}

func (c *Client) VehicleSegment(id string) (string, error) {
	var seg string
	err := c.call("vehicle_segment", map[string]any{"vehicle": id}, &seg)
	return seg, err
}

func (c *Client) VehiclePosition(id string) (geometry.Point, error) {
	var p position
	err := c.call("vehicle_position", map[string]any{"vehicle": id}, &p)
	return geometry.Point{X: p.X, Y: p.Y}, err
}

func (c *Client) VehicleRoute(id string) ([]string, error) {
	var route []string
	err := c.call("vehicle_route", map[string]any{"vehicle": id}, &route)
	return route, err
}

func (c *Client) FindRoute(from, to string) ([]string, error) {
	var route []string
	err := c.call("find_route", map[string]any{"from": from, "to": to}, &route)
	return route, err
}

// 命令

func (c *Client) SetRoute(id string, route []string) error {
	return c.call("set_route", map[string]any{"vehicle": id, "route": route}, nil)
}

func (c *Client) SetMaxSpeed(id string, speed float64) error {
	return c.call("set_max_speed", map[string]any{"vehicle": id, "speed": speed}, nil)
}

func (c *Client) SetSpeed(id string, speed float64) error {
	return c.call("set_speed", map[string]any{"vehicle": id, "speed": speed}, nil)
}

func (c *Client) Stop(id, seg string, pos, duration float64) error {
	return c.call("stop_vehicle", map[string]any{
		"vehicle":  id,
		"segment":  seg,
		"pos":      pos,
		"duration": duration,
	}, nil)
}

func (c *Client) Resume(id string) error {
	return c.call("resume", map[string]any{"vehicle": id}, nil)
}

func (c *Client) Remove(id string) error {
	return c.call("remove", map[string]any{"vehicle": id}, nil)
}

func (c *Client) MoveTo(id, seg string, pos float64) error {
	return c.call("move_to", map[string]any{"vehicle": id, "segment": seg, "pos": pos}, nil)
}
