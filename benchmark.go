package main

import (
	"flag"
	"math/rand"
	"time"

	"git.fiblab.net/sim/erv/engine"
	"git.fiblab.net/sim/erv/scenario"
	"github.com/sirupsen/logrus"
)

var (
	benchmarkSteps = flag.Int("benchmark.steps", 3600, "the simulation steps for benchmark")
	benchmarkRate  = flag.Float64("benchmark.rate", 0.01, "the probability of a synthetic collision per step")
	benchmarkSeed  = flag.Int64("benchmark.seed", 0, "the seed for synthetic collisions")
)

// BenchmarkResult 离线运行的统计
type BenchmarkResult struct {
	Steps    int
	Cost     time.Duration
	Counters engine.Counters
	// 已送达事故的平均跳数
	AvgHops float64
}

// benchmarkRun 在内存模拟器上随机制造碰撞并运行steps步
func benchmarkRun(sc *scenario.Scenario, cfg engine.Config, steps int, rate float64, seed int64) (BenchmarkResult, error) {
	m, err := sc.Build()
	if err != nil {
		return BenchmarkResult{}, err
	}
	e := engine.New(m, sc, cfg)
	// 设置随机种子
	rng := rand.New(rand.NewSource(seed))
	start := time.Now()
	for i := 0; i < steps; i++ {
		var collisions []engine.Collision
		if rng.Float64() < rate {
			collisions = engine.Synthetic(m, rng, e.Silent)
		}
		e.Tick(collisions)
		m.Step(*stepLength)
	}
	status := e.Snapshot()
	res := BenchmarkResult{
		Steps:    steps,
		Cost:     time.Since(start),
		Counters: status.Counters,
	}
	if status.Relay.Delivered > 0 {
		res.AvgHops = float64(status.Relay.Hops) / float64(status.Relay.Delivered)
	}
	return res, nil
}

func runBenchmark(sc *scenario.Scenario) {
	logrus.SetLevel(logrus.WarnLevel)
	res, err := benchmarkRun(sc, engineConfig(), *benchmarkSteps, *benchmarkRate, *benchmarkSeed)
	if err != nil {
		log.Errorf("benchmark failed, err: %v", err)
		return
	}
	c := res.Counters
	log.Error(
		"benchmark finished", "\n",
		"steps:", res.Steps, "\n",
		"time:", res.Cost, "\n",
		"avg:", res.Cost/time.Duration(max(res.Steps, 1)), "\n",
		"incidents:", c.Incidents, "\n",
		"delivered:", c.Delivered, "\n",
		"assigned:", c.Assigned, "\n",
		"cleared:", c.Cleared, "\n",
		"rerouted:", c.Rerouted, "\n",
		"held:", c.Held, "\n",
		"avg hops:", res.AvgHops, "\n",
	)
}
