package machine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samihult/xjog/chart"
)

func doorMachine() *Machine {
	return &Machine{
		ID:           "door",
		InitialState: "closed",
		Context:      json.RawMessage(`{"opened":0}`),
		States: map[string]State{
			"closed": {
				On: map[string]Transition{
					"open": {
						Target: "open",
						Actions: []Action{
							Assign(func(machineCtx json.RawMessage, _ chart.Event) (json.RawMessage, error) {
								var doc struct {
									Opened int `json:"opened"`
								}
								if err := json.Unmarshal(machineCtx, &doc); err != nil {
									return nil, err
								}
								doc.Opened++
								return json.Marshal(doc)
							}),
						},
					},
				},
			},
			"open": {
				On: map[string]Transition{"close": {Target: "closed"}},
			},
		},
	}
}

func kinds(actions []chart.Action) []chart.ActionKind {
	var out []chart.ActionKind
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestInitialState(t *testing.T) {
	var m = doorMachine()
	var st, err = m.Initial()
	require.NoError(t, err)

	require.JSONEq(t, `"closed"`, string(st.Value()))
	require.JSONEq(t, `{"opened":0}`, string(st.Context()))
	require.Equal(t, []chart.ActionKind{chart.ActionInit}, kinds(st.Actions()))
	require.False(t, st.Done())
}

func TestTransitionWithAssign(t *testing.T) {
	var m = doorMachine()
	var st, err = m.Initial()
	require.NoError(t, err)

	next, err := m.Transition(st, chart.Event{Type: "open"})
	require.NoError(t, err)
	require.JSONEq(t, `"open"`, string(next.Value()))
	require.JSONEq(t, `{"opened":1}`, string(next.Context()))

	back, err := m.Transition(next, chart.Event{Type: "close"})
	require.NoError(t, err)
	require.JSONEq(t, `"closed"`, string(back.Value()))
	require.JSONEq(t, `{"opened":1}`, string(back.Context()))
}

func TestUnmatchedEventIsInert(t *testing.T) {
	var m = doorMachine()
	var st, _ = m.Initial()

	var next, err = m.Transition(st, chart.Event{Type: "knock"})
	require.NoError(t, err)
	require.JSONEq(t, `"closed"`, string(next.Value()))
	require.Empty(t, next.Actions())
}

func TestGuardedTransition(t *testing.T) {
	var allowed = false
	var m = &Machine{
		ID:           "gate",
		InitialState: "shut",
		States: map[string]State{
			"shut": {
				On: map[string]Transition{
					"enter": {
						Target: "ajar",
						Cond: func(json.RawMessage, chart.Event) bool {
							return allowed
						},
					},
				},
			},
			"ajar": {},
		},
	}

	var st, _ = m.Initial()
	next, err := m.Transition(st, chart.Event{Type: "enter"})
	require.NoError(t, err)
	require.JSONEq(t, `"shut"`, string(next.Value()))

	allowed = true
	next, err = m.Transition(st, chart.Event{Type: "enter"})
	require.NoError(t, err)
	require.JSONEq(t, `"ajar"`, string(next.Value()))
}

func restlessMachine() *Machine {
	return &Machine{
		ID:           "restless",
		InitialState: "home",
		Context:      json.RawMessage(`{"goodWeather":true}`),
		States: map[string]State{
			"home": {
				On: map[string]Transition{"getRestless": {Target: "working"}},
			},
			"working": {
				After: []Delayed{{
					Delay: 85 * time.Millisecond,
					Transition: Transition{
						Target:  "home",
						Actions: []Action{AssignFields(map[string]interface{}{"goodWeather": false})},
					},
				}},
			},
		},
	}
}

func TestDelayedTransition(t *testing.T) {
	var m = restlessMachine()
	var st, _ = m.Initial()

	working, err := m.Transition(st, chart.Event{Type: "getRestless"})
	require.NoError(t, err)
	require.JSONEq(t, `"working"`, string(working.Value()))

	// Entering "working" arms the delayed transition as a tagged send.
	var actions = working.Actions()
	require.Equal(t, []chart.ActionKind{chart.ActionSend}, kinds(actions))
	require.Equal(t, int64(85), actions[0].Delay)
	require.Equal(t, actions[0].SendID, actions[0].Event.Type)

	// The synthetic event takes the transition and cancels the timer tag.
	home, err := m.Transition(working, chart.Event{Type: actions[0].Event.Type})
	require.NoError(t, err)
	require.JSONEq(t, `"home"`, string(home.Value()))
	require.JSONEq(t, `{"goodWeather":false}`, string(home.Context()))
	require.Equal(t, []chart.ActionKind{chart.ActionCancel}, kinds(home.Actions()))
}

func invokeMachine(creator ServiceCreator) *Machine {
	return &Machine{
		ID:           "worker",
		InitialState: "idle",
		States: map[string]State{
			"idle": {
				On: map[string]Transition{"start": {Target: "working"}},
			},
			"working": {
				Invoke: &Invoke{ID: "job", Src: "job"},
				On: map[string]Transition{
					chart.DoneInvokeType("job"): {Target: "finished"},
					"abort":                     {Target: "idle"},
				},
			},
			"finished": {Final: true, DoneData: json.RawMessage(`"all done"`)},
		},
		Services: map[string]ServiceCreator{"job": creator},
	}
}

func TestInvokeLifecycleActions(t *testing.T) {
	var m = invokeMachine(PromiseService("job",
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"ok"`), nil
		}))

	var st, _ = m.Initial()
	working, err := m.Transition(st, chart.Event{Type: "start"})
	require.NoError(t, err)

	var actions = working.Actions()
	require.Equal(t, []chart.ActionKind{chart.ActionStart}, kinds(actions))
	require.Equal(t, "job", actions[0].ActivityID)
	require.NotNil(t, actions[0].Spawn)
	require.True(t, working.ActivityActive("job"))

	aborted, err := m.Transition(working, chart.Event{Type: "abort"})
	require.NoError(t, err)
	require.Equal(t, []chart.ActionKind{chart.ActionStop}, kinds(aborted.Actions()))
	require.False(t, aborted.ActivityActive("job"))

	finished, err := m.Transition(working, chart.DoneInvoke("job", json.RawMessage(`"ok"`)))
	require.NoError(t, err)
	require.True(t, finished.Done())
	require.JSONEq(t, `"all done"`, string(finished.DoneData()))
	// Leaving "working" stops the invoked service.
	require.Equal(t, []chart.ActionKind{chart.ActionStop}, kinds(finished.Actions()))
}

func TestSnapshotRestore(t *testing.T) {
	var m = invokeMachine(PromiseService("job",
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		}))

	var st, _ = m.Initial()
	working, err := m.Transition(st, chart.Event{Type: "start"})
	require.NoError(t, err)

	snap, err := working.Snapshot()
	require.NoError(t, err)

	restored, err := m.Restore(snap)
	require.NoError(t, err)
	require.JSONEq(t, `"working"`, string(restored.Value()))

	// Restoring re-registers the activity but repeats no init marker.
	var restoreKinds = kinds(restored.Actions())
	require.Contains(t, restoreKinds, chart.ActionStart)
	require.NotContains(t, restoreKinds, chart.ActionInit)
}

func TestPromiseServiceResolution(t *testing.T) {
	var creator = PromiseService("job",
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"answer":42}`), nil
		})
	var act = creator(chart.Reference{MachineID: "m", ChartID: "c"}, nil)

	var done = make(chan json.RawMessage, 1)
	act.Subscribe(chart.ActivityObserver{
		Complete: func(doneData json.RawMessage) { done <- doneData },
	})

	select {
	case doneData := <-done:
		require.JSONEq(t, `{"answer":42}`, string(doneData))
	case <-time.After(time.Second):
		t.Fatal("promise did not resolve")
	}

	// Late subscribers still observe the terminal result.
	var late = make(chan json.RawMessage, 1)
	act.Subscribe(chart.ActivityObserver{
		Complete: func(doneData json.RawMessage) { late <- doneData },
	})
	select {
	case doneData := <-late:
		require.JSONEq(t, `{"answer":42}`, string(doneData))
	case <-time.After(time.Second):
		t.Fatal("late subscriber missed completion")
	}
}

func TestCallbackServiceRoundTrip(t *testing.T) {
	var cleaned = make(chan struct{})
	var creator = CallbackService("echo",
		func(send func(chart.Event), onReceive func(func(chart.Event))) func() {
			onReceive(func(ev chart.Event) {
				send(chart.Event{Type: "echo." + ev.Type, Data: ev.Data})
			})
			return func() { close(cleaned) }
		})
	var act = creator(chart.Reference{MachineID: "m", ChartID: "c"}, nil)

	var got = make(chan chart.Event, 1)
	act.Subscribe(chart.ActivityObserver{Next: func(ev chart.Event) { got <- ev }})

	act.Send(chart.MustEvent("ping", 1))
	select {
	case ev := <-got:
		require.Equal(t, "echo.ping", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("callback did not echo")
	}

	act.Stop()
	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not run")
	}
	act.Stop() // Idempotent.
}
