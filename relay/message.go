package relay

import (
	"git.fiblab.net/general/common/v2/geometry"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	// 唯一有实际作用的消息类型
	TYPE_EMERGENCY = "EMERGENCY"
	// 消息id前缀
	MESSAGE_PREFIX = "EMERGENCY_"
)

// Payload 告警内容
type Payload struct {
	Incident   string         `json:"incident"`
	Involved   []string       `json:"involved"`
	Location   geometry.Point `json:"location"`
	DetectedAt float64        `json:"detected_at"`
}

// Message 一跳的告警消息，创建后不再修改
// 每转发一次生成新的实例，跳数+1，路径追加新的载体
type Message struct {
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Type      string   `json:"type"`
	Payload   Payload  `json:"payload"`
	Hops      int      `json:"hops"`
	Path      []string `json:"path"`
	Delivered bool     `json:"delivered"`
}

func newMessageID() string {
	return MESSAGE_PREFIX + uuid.New().String()[:8]
}

func newMessage(id, source string, payload Payload) Message {
	return Message{
		ID:      id,
		Source:  source,
		Type:    TYPE_EMERGENCY,
		Payload: payload,
		Path:    []string{source},
	}
}

// 当前载体
func (m Message) Carrier() string {
	return m.Path[len(m.Path)-1]
}

// forward 转发给carrier后的新消息
func (m Message) forward(carrier string) Message {
	path := make([]string, len(m.Path), len(m.Path)+1)
	copy(path, m.Path)
	next := m
	next.Source = carrier
	next.Hops = m.Hops + 1
	next.Path = append(path, carrier)
	return next
}

func (m Message) delivered() Message {
	d := m
	d.Path = append([]string(nil), m.Path...)
	d.Delivered = true
	return d
}

// 路径中是否已包含vehicle
func (m Message) visited(vehicle string) bool {
	return lo.Contains(m.Path, vehicle)
}
