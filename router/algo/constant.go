package algo

import "errors"

const (
	// Dijkstra最大出堆次数，保证在退化/不连通的图上终止
	MAX_DIJKSTRA_ITERATIONS = 300
	// BFS最大扩展次数
	MAX_BFS_ITERATIONS = 200

	// 蚁群搜索参数
	NUM_ANTS         = 12
	MAX_ANT_HOPS     = 30
	ANT_ALPHA        = 1.0
	ANT_BETA         = 2.0
	EVAPORATION_RATE = 0.1
	// 信息素初始值
	INITIAL_PHEROMONE = 1.0
	// 防止拥堵为0时除零
	CONGESTION_EPSILON = 1e-6
)

var (
	// 错误：搜索耗尽（含迭代上限）仍未到达终点
	ErrNoPath = errors.New("no path between segments")
)
