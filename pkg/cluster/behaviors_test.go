package cluster_test

import (
	"context"

	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/cluster"
)

// counterBehavior keeps its state as float64 throughout so assertions
// don't have to special-case the JSON int->float64 widening that a
// cross-node call/cast round trip applies but a local one doesn't.
type counterBehavior struct{}

func (counterBehavior) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return float64(0), nil
}

func (counterBehavior) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	if msg == "get" {
		return state, state, nil
	}
	return nil, state, nil
}

func (counterBehavior) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	if msg == "inc" {
		return state.(float64) + 1, nil
	}
	return state, nil
}

// trapExitBehavior records every ExitSignal it receives via HandleInfo
// instead of terminating; used by link tests.
type trapExitBehavior struct {
	signals chan actor.ExitSignal
}

func (b *trapExitBehavior) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return nil, nil
}

func (b *trapExitBehavior) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	return nil, state, nil
}

func (b *trapExitBehavior) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	return state, nil
}

func (b *trapExitBehavior) HandleInfo(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	if sig, ok := msg.(actor.ExitSignal); ok {
		b.signals <- sig
	}
	return state, nil
}

// crashingBehavior terminates abnormally the first time it receives
// any cast.
type crashingBehavior struct{}

func (crashingBehavior) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return nil, nil
}

func (crashingBehavior) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	return nil, state, nil
}

func (crashingBehavior) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	return nil, errCrash
}

type crashError string

func (e crashError) Error() string { return string(e) }

var errCrash = crashError("boom")

// monitorCaptureBehavior records every process_down notification it
// receives as a monitoring GenServer.
type monitorCaptureBehavior struct {
	downs chan cluster.ProcessDownInfo
}

func (b *monitorCaptureBehavior) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return nil, nil
}

func (b *monitorCaptureBehavior) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	return nil, state, nil
}

func (b *monitorCaptureBehavior) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	return state, nil
}

func (b *monitorCaptureBehavior) HandleInfo(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	if down, ok := msg.(cluster.ProcessDownInfo); ok {
		b.downs <- down
	}
	return state, nil
}
