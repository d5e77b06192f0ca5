package algo

import "github.com/samber/lo"

// 根据前驱表回溯得到从起点到cur的路段序列
func reconstructPath(cameFrom map[string]string, cur string) []string {
	pathBeforeReversed := []string{cur}
	for {
		if from, ok := cameFrom[cur]; ok {
			cur = from
			pathBeforeReversed = append(pathBeforeReversed, cur)
		} else {
			break
		}
	}
	return lo.Reverse(pathBeforeReversed)
}

// PathCost 按"进入路段的代价"累加，起点路段已被占据不计入
func PathCost(g Graph, segs []string) float64 {
	if len(segs) < 2 {
		return 0
	}
	return lo.SumBy(segs[1:], g.Weight)
}
