package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.fiblab.net/general/common/v2/mongoutil"
	"git.fiblab.net/sim/erv/engine"
	"git.fiblab.net/sim/erv/scenario"
	"git.fiblab.net/sim/erv/sim"
	"git.fiblab.net/sim/erv/sim/bridge"
	easy "git.fiblab.net/utils/logrus-easy-formatter"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var (
	// 配置信息
	mongoURI        = flag.String("mongo_uri", "", "mongo db uri")
	scenarioPathStr = flag.String("scenario", "", "scenario geojson file or database and collection, empty means built-in grid [format: {fspath} or {db}.{col}]")
	simSocket       = flag.String("sim", "", "unix socket of the external simulator bridge, empty means in-memory simulator")
	grpcEndpoint    = flag.String("listen", "localhost:52111", "control server listening address")
	logLevel        = flag.String("log-level", "info", "log level [debug, info, warn, error, fatal, panic]")

	// 仿真参数
	steps        = flag.Int("steps", 3600, "simulation steps, <=0 means run until stopped")
	stepLength   = flag.Float64("step-length", 1, "seconds per step of the in-memory simulator")
	seed         = flag.Int64("seed", 0, "random seed for erv selection and ant detours")
	teleportHome = flag.Bool("teleport-home", false, "move ervs back to their home segment directly after clearing")

	// 性能测试
	benchmark = flag.Bool("benchmark", false, "benchmark mode")
	pprofAddr = flag.String("pprof", "localhost:52112", "pprof listening address")

	LOG_LEVELS = map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"fatal": logrus.FatalLevel,
		"panic": logrus.PanicLevel,
	}
)

// loadScenario 文件按GeoJSON读取，{db}.{col}从MongoDB读取，空则使用内置网格
func loadScenario(path *Path) (*scenario.Scenario, error) {
	switch {
	case path == nil:
		log.Info("no scenario given, use built-in grid")
		return scenario.Grid(), nil
	case path.File != "":
		return scenario.LoadGeoJSON(path.File)
	default:
		client := mongoutil.NewClient(*mongoURI)
		defer client.Disconnect(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return scenario.LoadMongo(ctx, mongoutil.GetMongoColl(client, path))
	}
}

// stepper 推进一步仿真
type stepper func() error

// newSimulator socket非空时连接外部模拟器，否则由场景构建内存模拟器
func newSimulator(sc *scenario.Scenario) (sim.Simulator, stepper, func(), error) {
	if *simSocket == "" {
		m, err := sc.Build()
		if err != nil {
			return nil, nil, nil, err
		}
		return m, func() error { m.Step(*stepLength); return nil }, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c, err := bridge.Dial(ctx, *simSocket)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, c.Step, func() { c.Close() }, nil
}

func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Seed = *seed
	cfg.Dispatch.TeleportHome = *teleportHome
	return cfg
}

// runSimulation 每步先编排再推进，暂停期间阻塞
func runSimulation(server *ControlServer, e *engine.Engine, step stepper, stop <-chan struct{}) {
	for i := 0; *steps <= 0 || i < *steps; i++ {
		select {
		case <-stop:
			return
		default:
		}
		server.Wait()
		rep := e.Tick(nil)
		if len(rep.Incidents) > 0 || len(rep.Assigned) > 0 {
			log.Infof("t=%.1f incidents=%v assigned=%v pending=%v",
				rep.Time, rep.Incidents, rep.Assigned, rep.Pending)
		}
		if err := step(); err != nil {
			log.Errorf("simulation step failed: %v", err)
			return
		}
	}
	c := e.Snapshot().Counters
	log.Infof("simulation finished: %d ticks, %d incidents, %d assigned, %d cleared, %d rerouted",
		c.Ticks, c.Incidents, c.Assigned, c.Cleared, c.Rerouted)
}

func main() {
	logrus.SetFormatter(&easy.Formatter{
		TimestampFormat: "2006-01-02 15:04:05.0000",
		LogFormat:       "[%module%] [%time%] [%lvl%] %msg%\n",
	})
	flag.Parse()
	if level, ok := LOG_LEVELS[*logLevel]; ok {
		logrus.SetLevel(level)
	} else {
		logrus.Fatalf("invalid log level: %s", *logLevel)
	}

	scenarioPath, err := NewPath(*scenarioPathStr)
	if err != nil {
		logrus.Fatalf("invalid scenario path: %s", err)
	}
	sc, err := loadScenario(scenarioPath)
	if err != nil {
		logrus.Fatalf("failed to load scenario from %s: %v", *scenarioPathStr, err)
	}

	if *pprofAddr != "" {
		// 启动pprof
		startHTTPDebugger(*pprofAddr)
	}

	if *benchmark {
		// 性能测试
		runBenchmark(sc)
		return
	}

	s, step, closeSim, err := newSimulator(sc)
	if err != nil {
		logrus.Fatalf("failed to start simulator: %v", err)
	}
	e := engine.New(s, sc, engineConfig())
	server := NewControlServer(e)

	// 启动tcp监听和初始化connect服务端
	mux := http.NewServeMux()
	mux.Handle(NewControlServiceHandler(server))

	addr := *grpcEndpoint
	// 使用HTTP/2 w.o. TLS
	hs := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	stop := make(chan struct{})
	go runSimulation(server, e, step, stop)

	// 优雅退出
	// 创建监听退出chan
	signalCh := make(chan os.Signal, 1)
	//监听指定信号 ctrl+c kill
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Info("stopping...")
		go func() {
			<-signalCh
			os.Exit(1) // 强制结束
		}()
		// 停止仿真，暂停中的循环需要先恢复
		close(stop)
		server.Resume()
		// 退出connect-go
		hs.Close()
		closeSim()
	}()

	// 启动connect server
	log.Infof("server listening at %v", hs.Addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("failed to serve: %v", err)
	}
	time.Sleep(1 * time.Second) // 延迟等待"优雅退出"
	log.Info("erv closes")
}
