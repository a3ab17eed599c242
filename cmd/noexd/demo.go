package main

import (
	"context"
	"fmt"

	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/cluster"
)

// counterBehavior is the demonstration GenServer noexd run registers
// under the name "counter": HandleCast "inc"/"dec" adjust state,
// HandleCall "get" reports it.
type counterBehavior struct{}

func (counterBehavior) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return float64(0), nil
}

func (counterBehavior) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	if msg == "get" {
		return state, state, nil
	}
	return nil, state, fmt.Errorf("counter: unknown call %v", msg)
}

func (counterBehavior) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	switch msg {
	case "inc":
		return state.(float64) + 1, nil
	case "dec":
		return state.(float64) - 1, nil
	default:
		return state, nil
	}
}

// echoBehavior is registered under "echo": HandleCall returns
// whatever it was sent.
type echoBehavior struct{}

func (echoBehavior) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return nil, nil
}

func (echoBehavior) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	return msg, state, nil
}

func (echoBehavior) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	return state, nil
}

func registerDemoBehaviors(reg *cluster.BehaviorRegistry) {
	reg.Register("counter", func() actor.Behavior { return counterBehavior{} })
	reg.Register("echo", func() actor.Behavior { return echoBehavior{} })
}
