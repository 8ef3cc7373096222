// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package readymarker signals, once, that something finished starting up.
package readymarker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrNotReady = errors.New("not ready")

type ReadyMarker struct {
	ready chan struct{}
	once  *sync.Once
	flag  *atomic.Bool
	err   error
}

func NewReadyMarker() ReadyMarker {
	return ReadyMarker{
		ready: make(chan struct{}),
		once:  new(sync.Once),
		flag:  new(atomic.Bool),
	}
}

func (d *ReadyMarker) Ready() bool {
	return d.flag.Load()
}

func (d *ReadyMarker) ReadyChan() <-chan struct{} {
	return d.ready
}

// WaitReady blocks until SignalReady was called and returns its error.
func (d *ReadyMarker) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *ReadyMarker) TestReady() error {
	if !d.Ready() {
		return ErrNotReady
	}
	return d.err
}

// SignalReady marks the marker ready. Only the first call has an effect.
func (d *ReadyMarker) SignalReady(err error) {
	d.once.Do(func() {
		d.err = err
		d.flag.Store(true)
		close(d.ready)
	})
}
