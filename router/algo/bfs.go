package algo

// BFSAvoiding 按跳数求start到end的最短路径，不进入blocked中的任何路段
// 找不到（含超过扩展上限）时返回nil
func BFSAvoiding(g Graph, start, end string, blocked Set, maxIterations int) []string {
	if start == end {
		return []string{start}
	}
	if blocked.Has(start) {
		return nil
	}
	if maxIterations <= 0 {
		maxIterations = MAX_BFS_ITERATIONS
	}
	cameFrom := make(map[string]string)
	visited := NewSet(start)
	queue := []string{start}
	for iterations := 0; len(queue) > 0 && iterations < maxIterations; iterations++ {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Neighbors(cur) {
			if blocked.Has(next) || visited.Has(next) {
				continue
			}
			cameFrom[next] = cur
			if next == end {
				return reconstructPath(cameFrom, next)
			}
			visited.Add(next)
			queue = append(queue, next)
		}
	}
	return nil
}
