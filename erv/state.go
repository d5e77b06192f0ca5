package erv

import (
	"errors"
	"fmt"
)

var (
	// 错误：没有可用的ERV
	ErrNoCandidate = errors.New("no candidate erv")
	// 错误：状态机不允许的转移
	ErrInvalidTransition = errors.New("invalid erv state transition")
	// 错误：ERV或事故已有分配
	ErrAlreadyAssigned = errors.New("already assigned")
	ErrUnknownERV      = errors.New("unknown erv")
)

// State ERV生命周期状态
type State int

const (
	Idle State = iota
	Assigned
	EnRoute
	Arrived
	Returning
)

var stateNames = [...]string{
	Idle:      "idle",
	Assigned:  "assigned",
	EnRoute:   "en_route",
	Arrived:   "arrived",
	Returning: "returning",
}

// idle → assigned → en_route → arrived → idle，或经returning回到idle
var transitions = map[State][]State{
	Idle:      {Assigned},
	Assigned:  {EnRoute},
	EnRoute:   {Arrived},
	Arrived:   {Idle, Returning},
	Returning: {Idle},
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown erv state: %q", text)
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
