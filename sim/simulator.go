package sim

import (
	"errors"

	"git.fiblab.net/general/common/v2/geometry"
)

const (
	// 停车/事故停留的"无限"时长（秒）
	STOP_FOREVER = 1e6
	// SetSpeed传入该值表示交还给模拟器控制
	SPEED_RELEASE = -1
)

var (
	// 外部查询暂时失败
	ErrUnavailable    = errors.New("simulator source unavailable")
	ErrUnknownSegment = errors.New("unknown segment")
	ErrUnknownVehicle = errors.New("unknown vehicle")
	// 路线中相邻路段不连通
	ErrInvalidRoute = errors.New("invalid route")
)

// Simulator 核心逻辑对交通模拟器的全部依赖
// 查询可能失败（ErrUnavailable等），调用方负责给出默认值
type Simulator interface {
	// 查询

	// 当前模拟时间（秒）
	Time() float64
	SegmentLength(seg string) (float64, error)
	// seg终点处可驶入的路段（未过滤内部/停车路段）
	Successors(seg string) ([]string, error)
	// 路段占有率，[0,1]
	Occupancy(seg string) (float64, error)
	// 路段起终点路口id
	SegmentEndpoints(seg string) (from string, to string, err error)
	VehicleIDs() ([]string, error)
	VehicleSegment(id string) (string, error)
	VehiclePosition(id string) (geometry.Point, error)
	// 车辆剩余路线，首项为当前路段
	VehicleRoute(id string) ([]string, error)
	// 模拟器自带的路径规划
	FindRoute(from, to string) ([]string, error)

	// 命令

	// 若route首项不是当前路段，会补上当前路段
	SetRoute(id string, route []string) error
	SetMaxSpeed(id string, speed float64) error
	// speed<0时交还给模拟器控制
	SetSpeed(id string, speed float64) error
	// 在seg的pos处停车duration秒
	Stop(id, seg string, pos, duration float64) error
	// 取消停车
	Resume(id string) error
	Remove(id string) error
	// 瞬移到seg的pos处
	MoveTo(id, seg string, pos float64) error
}
