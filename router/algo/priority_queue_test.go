package algo_test

import (
	"container/heap"
	"testing"

	"git.fiblab.net/sim/erv/router/algo"
	"github.com/stretchr/testify/assert"
)

func TestPriorityQueue(t *testing.T) {
	pq := make(algo.PriorityQueue, 0)
	pq.Push(&algo.Item{Value: "D", Priority: 4})
	pq.Push(&algo.Item{Value: "B", Priority: 2})
	pq.Push(&algo.Item{Value: "A", Priority: 1})
	pq.Push(&algo.Item{Value: "C", Priority: 3})

	// 建堆
	heap.Init(&pq)

	// 弹出
	item := heap.Pop(&pq).(*algo.Item)
	assert.Equal(t, "A", item.Value)
	assert.Equal(t, 1.0, item.Priority)
	item = heap.Pop(&pq).(*algo.Item)
	assert.Equal(t, "B", item.Value)
	assert.Equal(t, 2.0, item.Priority)
}

func TestPriorityQueueChangePriority(t *testing.T) {
	pq := make(algo.PriorityQueue, 0)
	pq.Push(&algo.Item{Value: "D", Priority: 4})
	pq.Push(&algo.Item{Value: "B", Priority: 2})
	pq.Push(&algo.Item{Value: "A", Priority: 1})
	pq.Push(&algo.Item{Value: "C", Priority: 3})

	heap.Init(&pq)

	// 修改优先级（将C的优先级改为0）
	for _, item := range pq {
		if item.Value == "C" {
			item.Priority = 0
			heap.Fix(&pq, item.Index)
		}
	}

	for _, want := range []string{"C", "A", "B", "D"} {
		item := heap.Pop(&pq).(*algo.Item)
		assert.Equal(t, want, item.Value)
	}

	// 空堆
	assert.Equal(t, 0, pq.Len())
}

func TestPriorityQueueTieBreak(t *testing.T) {
	pq := make(algo.PriorityQueue, 0)
	heap.Push(&pq, &algo.Item{Value: "E_F", Priority: 1})
	heap.Push(&pq, &algo.Item{Value: "A_B", Priority: 1})
	heap.Push(&pq, &algo.Item{Value: "C_D", Priority: 1})

	// 代价相同按字典序
	for _, want := range []string{"A_B", "C_D", "E_F"} {
		assert.Equal(t, want, heap.Pop(&pq).(*algo.Item).Value)
	}
}
