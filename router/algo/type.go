package algo

// 道路图的只读视图：点为路段(segment)，边为路段之间的连接关系
type Graph interface {
	// 可以从seg直接驶入的后继路段（有序）
	Neighbors(seg string) []string
	// 驶入seg的代价，恒为正
	Weight(seg string) float64
}

// 蚁群搜索额外需要的拥堵读数
type CongestionGraph interface {
	Neighbors(seg string) []string
	Congestion(seg string) float64
}

// Set 路段集合
type Set map[string]struct{}

func NewSet(segs ...string) Set {
	s := make(Set, len(segs))
	for _, seg := range segs {
		s[seg] = struct{}{}
	}
	return s
}

func (s Set) Has(seg string) bool {
	_, ok := s[seg]
	return ok
}

func (s Set) Add(seg string) {
	s[seg] = struct{}{}
}

func (s Set) Remove(seg string) {
	delete(s, seg)
}

// Result 搜索结果：路段序列（含起点）及总代价
type Result struct {
	Segments []string
	Cost     float64
}
