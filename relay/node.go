package relay

import (
	"git.fiblab.net/general/common/v2/geometry"
)

// Record 节点收到的一条告警
type Record struct {
	Incident   string   `json:"incident"`
	Message    string   `json:"message"`
	Hops       int      `json:"hops"`
	Path       []string `json:"path"`
	ReceivedAt float64  `json:"received_at"`
}

// Node 固定基础设施节点（CEN），告警传播的终点
type Node struct {
	ID       string
	Name     string
	Position geometry.Point
	Radius   float64

	seen      map[string]bool // 已收到的消息id
	incidents map[string]bool
	received  int
	records   []Record
}

func NewNode(id, name string, pos geometry.Point, radius float64) *Node {
	return &Node{
		ID:        id,
		Name:      name,
		Position:  pos,
		Radius:    radius,
		seen:      make(map[string]bool),
		incidents: make(map[string]bool),
	}
}

func (n *Node) inRange(p geometry.Point) bool {
	return geometry.Distance(n.Position, p) <= n.Radius
}

// accept 未见过的消息被接收并记录，否则返回false
func (n *Node) accept(m Message, now float64) bool {
	if n.seen[m.ID] {
		return false
	}
	n.seen[m.ID] = true
	n.received++
	n.incidents[m.Payload.Incident] = true
	n.records = append(n.records, Record{
		Incident:   m.Payload.Incident,
		Message:    m.ID,
		Hops:       m.Hops,
		Path:       append([]string(nil), m.Path...),
		ReceivedAt: now,
	})
	return true
}

// NodeStats 节点计数
type NodeStats struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Received  int      `json:"received"`
	Incidents int      `json:"incidents"`
	Records   []Record `json:"records"`
}

func (n *Node) stats() NodeStats {
	return NodeStats{
		ID:        n.ID,
		Name:      n.Name,
		Received:  n.received,
		Incidents: len(n.incidents),
		Records:   append([]Record(nil), n.records...),
	}
}
