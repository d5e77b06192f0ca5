package algo

import (
	"container/heap"

	"git.fiblab.net/general/common/v2/mathutil"
)

// Dijkstra 在路段图上求start到end的最小代价路径
// maxIterations限制出堆次数（<=0时使用MAX_DIJKSTRA_ITERATIONS），
// 超出上限或图被耗尽时返回ErrNoPath
func Dijkstra(g Graph, start, end string, maxIterations int) (Result, error) {
	if start == end {
		return Result{Segments: []string{start}, Cost: 0}, nil
	}
	if maxIterations <= 0 {
		maxIterations = MAX_DIJKSTRA_ITERATIONS
	}
	openSet := make(PriorityQueue, 1)
	openSetMap := make(map[string]*Item, 1) // openSet value -> openSet item
	closed := make(map[string]bool)
	cameFrom := make(map[string]string)
	gScore := map[string]float64{start: 0}
	openSet[0] = &Item{Value: start, Priority: 0, Index: 0}
	openSetMap[start] = openSet[0]
	heap.Init(&openSet)
	for iterations := 0; openSet.Len() > 0 && iterations < maxIterations; iterations++ {
		cur := heap.Pop(&openSet).(*Item).Value
		delete(openSetMap, cur)
		closed[cur] = true
		if cur == end {
			return Result{Segments: reconstructPath(cameFrom, cur), Cost: gScore[cur]}, nil
		}
		for _, neighbor := range g.Neighbors(cur) {
			// 已确定最短距离的路段，跳过
			if closed[neighbor] {
				continue
			}
			gScoreTentative := gScore[cur] + g.Weight(neighbor)
			gScoreNeighbor, ok := gScore[neighbor]
			if !ok {
				gScoreNeighbor = mathutil.INF
			}
			if gScoreTentative < gScoreNeighbor {
				cameFrom[neighbor] = cur
				gScore[neighbor] = gScoreTentative
				if item, inOpen := openSetMap[neighbor]; inOpen {
					// 已在堆中，修改其优先级
					item.Priority = gScoreTentative
					heap.Fix(&openSet, item.Index)
				} else {
					item := &Item{Value: neighbor, Priority: gScoreTentative}
					heap.Push(&openSet, item)
					openSetMap[neighbor] = item
				}
			}
		}
	}
	return Result{Cost: mathutil.INF}, ErrNoPath
}
