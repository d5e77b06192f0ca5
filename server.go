package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"git.fiblab.net/sim/erv/engine"
	"git.fiblab.net/sim/erv/router"
	"github.com/samber/lo"
)

const CONTROL_SERVICE_NAME = "erv.v1.ControlService"

const (
	GetStatusProcedure       = "/" + CONTROL_SERVICE_NAME + "/GetStatus"
	ReportCollisionProcedure = "/" + CONTROL_SERVICE_NAME + "/ReportCollision"
	GetRouteProcedure        = "/" + CONTROL_SERVICE_NAME + "/GetRoute"
	SuspendProcedure         = "/" + CONTROL_SERVICE_NAME + "/Suspend"
	ResumeProcedure          = "/" + CONTROL_SERVICE_NAME + "/Resume"
)

type GetStatusRequest struct{}

type ReportCollisionRequest struct {
	Vehicles []string `json:"vehicles"`
}

type ReportCollisionResponse struct {
	Queued bool `json:"queued"`
}

type GetRouteRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type GetRouteResponse struct {
	Route *router.Route `json:"route,omitempty"`
}

type SuspendRequest struct{}

type SuspendResponse struct {
	Running bool `json:"running"`
}

type ControlServer struct {
	engine *engine.Engine

	// 仿真推进开启true或暂停false
	ok bool
	// 条件变量
	cond *sync.Cond
}

func NewControlServer(e *engine.Engine) *ControlServer {
	return &ControlServer{
		engine: e,
		ok:     true, cond: sync.NewCond(&sync.Mutex{})}
}

// NewControlServiceHandler 返回服务路径前缀及其handler
func NewControlServiceHandler(s *ControlServer) (string, http.Handler) {
	codec := connect.WithCodec(jsonCodec{})
	mux := http.NewServeMux()
	mux.Handle(GetStatusProcedure, connect.NewUnaryHandler(GetStatusProcedure, s.GetStatus, codec))
	mux.Handle(ReportCollisionProcedure, connect.NewUnaryHandler(ReportCollisionProcedure, s.ReportCollision, codec))
	mux.Handle(GetRouteProcedure, connect.NewUnaryHandler(GetRouteProcedure, s.GetRoute, codec))
	mux.Handle(SuspendProcedure, connect.NewUnaryHandler(SuspendProcedure, s.handleSuspend, codec))
	mux.Handle(ResumeProcedure, connect.NewUnaryHandler(ResumeProcedure, s.handleResume, codec))
	return "/" + CONTROL_SERVICE_NAME + "/", mux
}

func (s *ControlServer) GetStatus(
	ctx context.Context,
	req *connect.Request[GetStatusRequest],
) (*connect.Response[engine.Status], error) {
	status := s.engine.Snapshot()
	return connect.NewResponse(&status), nil
}

func (s *ControlServer) ReportCollision(
	ctx context.Context,
	req *connect.Request[ReportCollisionRequest],
) (*connect.Response[ReportCollisionResponse], error) {
	vehicles := lo.Uniq(lo.Reject(req.Msg.Vehicles, func(v string, _ int) bool { return v == "" }))
	if len(vehicles) == 0 {
		return nil, connect.NewError(
			connect.CodeInvalidArgument,
			errors.New("no vehicle in collision"),
		)
	}
	log.Infof("collision reported: %v", vehicles)
	s.engine.ReportCollision(engine.Collision{Vehicles: vehicles})
	return connect.NewResponse(&ReportCollisionResponse{Queued: true}), nil
}

func (s *ControlServer) GetRoute(
	ctx context.Context,
	req *connect.Request[GetRouteRequest],
) (*connect.Response[GetRouteResponse], error) {
	in := req.Msg
	if in.From == "" || in.To == "" {
		return nil, connect.NewError(
			connect.CodeInvalidArgument,
			errors.New("from and to segments are required"),
		)
	}
	log.Debugf("Search route from %v to %v", in.From, in.To)
	route, err := s.engine.Route(in.From, in.To)
	if err != nil {
		// 无法找到通路，返回空响应
		return connect.NewResponse(&GetRouteResponse{}), nil
	}
	return connect.NewResponse(&GetRouteResponse{Route: &route}), nil
}

func (s *ControlServer) handleSuspend(
	ctx context.Context,
	req *connect.Request[SuspendRequest],
) (*connect.Response[SuspendResponse], error) {
	s.Suspend()
	return connect.NewResponse(&SuspendResponse{Running: s.Running()}), nil
}

func (s *ControlServer) handleResume(
	ctx context.Context,
	req *connect.Request[SuspendRequest],
) (*connect.Response[SuspendResponse], error) {
	s.Resume()
	return connect.NewResponse(&SuspendResponse{Running: s.Running()}), nil
}

// 暂停仿真推进
func (s *ControlServer) Suspend() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.ok = false
}

// 恢复仿真推进
func (s *ControlServer) Resume() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.ok = true
	s.cond.Broadcast()
}

func (s *ControlServer) Running() bool {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	return s.ok
}

// Wait 暂停期间阻塞，直到Resume
func (s *ControlServer) Wait() {
	s.cond.L.Lock()
	for !s.ok {
		// 暂停中
		s.cond.Wait()
	}
	s.cond.L.Unlock()
}
