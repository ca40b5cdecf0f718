package machine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samihult/xjog/chart"
)

// activityBase carries the observer plumbing shared by the service
// variants. Terminal results are retained so a late subscriber still
// observes completion.
type activityBase struct {
	id string

	mu        sync.Mutex
	observers map[int]chart.ActivityObserver
	nextObs   int
	completed bool
	doneData  json.RawMessage
	failure   error
}

func newActivityBase(id string) *activityBase {
	return &activityBase{id: id, observers: make(map[int]chart.ActivityObserver)}
}

func (a *activityBase) ID() string { return a.id }

func (a *activityBase) Subscribe(obs chart.ActivityObserver) func() {
	a.mu.Lock()
	if a.completed {
		var failure, doneData = a.failure, a.doneData
		a.mu.Unlock()
		if failure != nil {
			if obs.Error != nil {
				obs.Error(failure)
			}
		} else if obs.Complete != nil {
			obs.Complete(doneData)
		}
		return func() {}
	}
	var id = a.nextObs
	a.nextObs++
	a.observers[id] = obs
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

func (a *activityBase) emit(ev chart.Event) {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return
	}
	var obs = make([]chart.ActivityObserver, 0, len(a.observers))
	for _, o := range a.observers {
		obs = append(obs, o)
	}
	a.mu.Unlock()

	for _, o := range obs {
		if o.Next != nil {
			o.Next(ev)
		}
	}
}

func (a *activityBase) complete(doneData json.RawMessage) {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return
	}
	a.completed = true
	a.doneData = doneData
	var obs = a.drainLocked()
	a.mu.Unlock()

	for _, o := range obs {
		if o.Complete != nil {
			o.Complete(doneData)
		}
	}
}

func (a *activityBase) fail(err error) {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return
	}
	a.completed = true
	a.failure = err
	var obs = a.drainLocked()
	a.mu.Unlock()

	for _, o := range obs {
		if o.Error != nil {
			o.Error(err)
		}
	}
}

func (a *activityBase) drainLocked() []chart.ActivityObserver {
	var obs = make([]chart.ActivityObserver, 0, len(a.observers))
	for id, o := range a.observers {
		obs = append(obs, o)
		delete(a.observers, id)
	}
	return obs
}

// promiseActivity resolves once. Stopping cancels its context, which
// merely stops forwarding when the function ignores cancellation.
type promiseActivity struct {
	*activityBase
	cancel context.CancelFunc
}

func (p *promiseActivity) Send(chart.Event) {} // Promises do not receive.

func (p *promiseActivity) Stop() { p.cancel() }

// PromiseService runs fn once; its result arrives at the owner as a
// done.invoke event, its error as error.platform.
func PromiseService(id string, fn func(ctx context.Context, machineCtx json.RawMessage) (json.RawMessage, error)) ServiceCreator {
	return func(owner chart.Reference, machineCtx json.RawMessage) chart.Activity {
		var ctx, cancel = context.WithCancel(context.Background())
		var act = &promiseActivity{activityBase: newActivityBase(id), cancel: cancel}

		go func() {
			var result, err = fn(ctx, machineCtx)
			if err != nil {
				act.fail(err)
				return
			}
			act.complete(result)
		}()
		return act
	}
}

// callbackActivity runs a callback function which may both emit events
// and register a receiver for inbound ones.
type callbackActivity struct {
	*activityBase

	mu       sync.Mutex
	receiver func(chart.Event)
	cleanup  func()
	stopped  bool
}

func (c *callbackActivity) Send(ev chart.Event) {
	c.mu.Lock()
	var recv = c.receiver
	c.mu.Unlock()
	if recv != nil {
		recv(ev)
	}
}

func (c *callbackActivity) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	var cleanup = c.cleanup
	c.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	c.complete(nil)
}

// CallbackService runs fn with a send function for outbound events and
// an onReceive registrar for inbound ones; fn returns its cleanup.
func CallbackService(
	id string,
	fn func(send func(chart.Event), onReceive func(func(chart.Event))) func(),
) ServiceCreator {
	return func(owner chart.Reference, machineCtx json.RawMessage) chart.Activity {
		var act = &callbackActivity{activityBase: newActivityBase(id)}

		var send = func(ev chart.Event) { act.emit(ev) }
		var onReceive = func(recv func(chart.Event)) {
			act.mu.Lock()
			act.receiver = recv
			act.mu.Unlock()
		}

		// fn may register its receiver synchronously from inside the
		// call; only publishing the returned cleanup takes the lock.
		var cleanup = fn(send, onReceive)
		act.mu.Lock()
		act.cleanup = cleanup
		act.mu.Unlock()
		return act
	}
}

// ObservableService forwards every value produced on the returned
// channel; channel close completes the activity.
func ObservableService(id string, fn func(ctx context.Context, machineCtx json.RawMessage) <-chan chart.Event) ServiceCreator {
	return func(owner chart.Reference, machineCtx json.RawMessage) chart.Activity {
		var ctx, cancel = context.WithCancel(context.Background())
		var act = &promiseActivity{activityBase: newActivityBase(id), cancel: cancel}

		go func() {
			var values = fn(ctx, machineCtx)
			for {
				select {
				case <-ctx.Done():
					act.complete(nil)
					return
				case ev, ok := <-values:
					if !ok {
						act.complete(nil)
						return
					}
					act.emit(ev)
				}
			}
		}()
		return act
	}
}
