package router

import (
	"errors"

	"git.fiblab.net/sim/erv/router/algo"
)

const (
	// Dijkstra最大出堆次数
	MAX_ITERATIONS = algo.MAX_DIJKSTRA_ITERATIONS

	// 查询失败时使用的中性拥堵值
	NEUTRAL_CONGESTION = 0.5
	// 查询失败时使用的默认路段长度（m）
	DEFAULT_LENGTH = 100.0
	// 路段权重下限，保证为正
	MIN_WEIGHT = 0.01
)

var (
	// 错误：Dijkstra与模拟器自带路径规划均失败
	ErrPathNotFound = errors.New("path not found")
)

// Route 路段序列（含起点路段）及代价
type Route struct {
	Segments []string `json:"segments"`
	Cost     float64  `json:"cost"`
}

func (r Route) Clone() Route {
	return Route{Segments: append([]string(nil), r.Segments...), Cost: r.Cost}
}

// 起点为当前路段，终点为最后一个路段
func (r Route) Last() string {
	if len(r.Segments) == 0 {
		return ""
	}
	return r.Segments[len(r.Segments)-1]
}

type AntConfig = algo.AntConfig

func DefaultAntConfig() AntConfig {
	return algo.DefaultAntConfig()
}
