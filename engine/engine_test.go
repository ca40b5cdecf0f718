package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samihult/xjog/chart"
	"github.com/samihult/xjog/journal"
	"github.com/samihult/xjog/machine"
	"github.com/samihult/xjog/store"
)

func testConfig() Config {
	var cfg = DefaultConfig()
	cfg.AdoptionFrequency = 20 * time.Millisecond
	cfg.GracePeriod = 250 * time.Millisecond
	cfg.DeferredInterval = 50 * time.Millisecond
	cfg.DeferredLookAhead = 50 * time.Millisecond
	cfg.OwnChartPollingFrequency = 50 * time.Millisecond
	return cfg
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	var st, err = store.Open(path, store.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func startTestEngine(t *testing.T, st *store.Store, cfg Config, machines ...chart.Evaluator) *Engine {
	t.Helper()
	var e = New(st, cfg)
	for _, m := range machines {
		require.NoError(t, e.RegisterMachine(m))
	}
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	waitReady(t, e)
	return e
}

func waitReady(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("engine %s did not become ready", e.ID())
	}
}

func stateValue(t *testing.T, e *Engine, ref chart.Reference) string {
	t.Helper()
	var snap, err = e.ReadState(context.Background(), ref)
	require.NoError(t, err)
	return string(snap.Value)
}

func doorMachine() *machine.Machine {
	return &machine.Machine{
		ID:           "door",
		InitialState: "closed",
		Context:      json.RawMessage(`{"opened":0}`),
		States: map[string]machine.State{
			"closed": {
				On: map[string]machine.Transition{
					"open": {
						Target: "open",
						Actions: []machine.Action{
							machine.Assign(func(machineCtx json.RawMessage, _ chart.Event) (json.RawMessage, error) {
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
				On: map[string]machine.Transition{
					"close": {Target: "closed"},
				},
			},
		},
	}
}

func restlessMachine() *machine.Machine {
	return &machine.Machine{
		ID:           "restless",
		InitialState: "working",
		States: map[string]machine.State{
			"working": {
				After: []machine.Delayed{{
					Delay:      85 * time.Millisecond,
					Transition: machine.Transition{Target: "home"},
				}},
			},
			"home": {},
		},
	}
}

// stuckMachine invokes a service that never resolves on its own, so its
// charts always carry an ongoing-activity marker.
func stuckMachine() *machine.Machine {
	return &machine.Machine{
		ID:           "stuck",
		InitialState: "working",
		States: map[string]machine.State{
			"working": {
				Invoke: &machine.Invoke{Src: "forever"},
			},
		},
		Services: map[string]machine.ServiceCreator{
			"forever": machine.PromiseService("forever",
				func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}),
		},
	}
}

func workerMachine() *machine.Machine {
	return &machine.Machine{
		ID:           "worker",
		InitialState: "idle",
		States: map[string]machine.State{
			"idle": {
				On: map[string]machine.Transition{
					"work": {Target: "working"},
				},
			},
			"working": {
				Invoke: &machine.Invoke{ID: "job", Src: "job"},
				On: map[string]machine.Transition{
					chart.DoneInvokeType("job"): {Target: "finished"},
				},
			},
			"finished": {Final: true, DoneData: json.RawMessage(`"all done"`)},
		},
		Services: map[string]machine.ServiceCreator{
			"job": machine.PromiseService("job",
				func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
					return json.RawMessage(`"ok"`), nil
				}),
		},
	}
}

func TestChartLifecycle(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{ChartID: "front"})
	require.NoError(t, err)
	require.Equal(t, chart.Reference{MachineID: "door", ChartID: "front"}, ref)
	require.Equal(t, `"closed"`, stateValue(t, e, ref))

	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "open"}))
	require.Equal(t, `"open"`, stateValue(t, e, ref))

	var snap chart.ChangeSnapshot
	snap, err = e.ReadState(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"opened":1}`, string(snap.Context))

	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "close"}))
	require.Equal(t, `"closed"`, stateValue(t, e, ref))

	require.NoError(t, e.DestroyChart(ctx, ref))
	_, err = e.ReadState(ctx, ref)
	require.ErrorIs(t, err, chart.ErrChartNotFound)
}

func TestUnmatchedEventIsInert(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "knock"}))
	require.Equal(t, `"closed"`, stateValue(t, e, ref))

	// Inert events leave no journal trail beyond creation.
	var entries []journal.Entry
	entries, err = e.Journal().QueryEntries(ctx, journal.EntryFilter{Ref: &ref})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUnknownMachine(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var _, err = e.CreateChart(ctx, "elevator", CreateOptions{})
	require.ErrorIs(t, err, chart.ErrMachineNotFound)

	err = e.Send(ctx, chart.Reference{MachineID: "elevator", ChartID: "x"}, chart.Event{Type: "up"})
	require.ErrorIs(t, err, chart.ErrMachineNotFound)
}

func TestRegistrationClosesOnStart(t *testing.T) {
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	require.ErrorIs(t, e.RegisterMachine(restlessMachine()), chart.ErrRegistrationClosed)
	require.ErrorIs(t, e.InstallUpdateHook(
		func(context.Context, chart.StateChange) error { return nil },
	), chart.ErrRegistrationClosed)
}

func TestDelayedTransition(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), restlessMachine())

	var began = time.Now()
	var ref, err = e.CreateChart(ctx, "restless", CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, `"working"`, stateValue(t, e, ref))

	require.Eventually(t, func() bool {
		return stateValue(t, e, ref) == `"home"`
	}, 3*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(began), 85*time.Millisecond)

	// The consumed timer leaves nothing behind.
	var n int
	n, err = st.CountDeferredEvents(ctx, ref)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeferAndCancel(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Defer(ctx, ref, chart.Event{Type: "open"}, 60*time.Millisecond, "later"))
	require.NoError(t, e.CancelDeferred(ctx, ref, "later"))
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, `"closed"`, stateValue(t, e, ref))

	// Cancelling the already-cancelled id is a no-op.
	require.NoError(t, e.CancelDeferred(ctx, ref, "later"))

	require.NoError(t, e.Defer(ctx, ref, chart.Event{Type: "open"}, 30*time.Millisecond, "later"))
	require.Eventually(t, func() bool {
		return stateValue(t, e, ref) == `"open"`
	}, 3*time.Second, 10*time.Millisecond)
}

func TestJournalTrail(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{ChartID: "journaled"})
	require.NoError(t, err)
	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "open"}))
	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "close"}))

	var entries []journal.Entry
	entries, err = e.Journal().QueryEntries(ctx, journal.EntryFilter{Ref: &ref})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].ID, entries[i-1].ID)
	}

	// The full state tracks the newest entry.
	var full journal.FullState
	full, err = e.Journal().ReadFullState(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, entries[2].ID, full.ID)
	require.Equal(t, `"closed"`, string(full.State))

	// Time travel back to the middle entry.
	var merged journal.MergedEntry
	merged, err = e.Journal().ReadMergedEntry(ctx, entries[1].ID)
	require.NoError(t, err)
	require.Equal(t, `"open"`, string(merged.State))
	require.JSONEq(t, `{"opened":1}`, string(merged.Context))
}

func TestOverthrow(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "xjog.db")

	var stA = openTestStore(t, path)
	var a = startTestEngine(t, stA, testConfig(), doorMachine())

	var ref, err = a.CreateChart(ctx, "door", CreateOptions{ChartID: "handover"})
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, ref, chart.Event{Type: "open"}))

	var stB = openTestStore(t, path)
	var b = startTestEngine(t, stB, testConfig(), doorMachine())

	// The predecessor finds its death note and drains on its own.
	require.Eventually(t, func() bool {
		return a.Phase() == PhaseHalted
	}, 5*time.Second, 10*time.Millisecond)

	// The successor owns the chart, state intact.
	var owner string
	owner, err = stB.ChartOwner(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, b.ID(), owner)
	require.Equal(t, `"open"`, stateValue(t, b, ref))

	require.NoError(t, b.Send(ctx, ref, chart.Event{Type: "close"}))
	require.Equal(t, `"closed"`, stateValue(t, b, ref))

	// Sends through the halted instance are parked durably, then
	// delivered by the live one.
	require.NoError(t, a.Send(ctx, ref, chart.Event{Type: "open"}))
	require.Eventually(t, func() bool {
		return stateValue(t, b, ref) == `"open"`
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDethronedInstanceStopsWriting(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{ChartID: "seized"})
	require.NoError(t, err)
	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "open"}))

	// A successor takes the chart over in the store while this instance
	// still holds a live executor for it in its cache.
	require.NoError(t, st.PauseOwnCharts(ctx, e.ID()))
	_, err = st.ForciblyAdoptCharts(ctx, "successor")
	require.NoError(t, err)

	// The cached executor must not be handed out any more: the event is
	// parked for the new owner instead of stepping the chart here.
	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "close"}))

	var row store.ChartRow
	row, err = st.ReadChart(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "successor", row.OwnerID)
	require.JSONEq(t, `{"value":"open","context":{"opened":1}}`, string(row.State))

	var n int
	n, err = st.CountDeferredEvents(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The parked event cycles on the queue without ever being applied by
	// the dethroned instance.
	time.Sleep(150 * time.Millisecond)
	row, err = st.ReadChart(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"value":"open","context":{"opened":1}}`, string(row.State))
	n, err = st.CountDeferredEvents(ctx, ref)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
}

func TestAdoptionGentleAndForcible(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "xjog.db")

	var stA = openTestStore(t, path)
	var a = startTestEngine(t, stA, testConfig(), doorMachine(), stuckMachine())

	var idle, err = a.CreateChart(ctx, "door", CreateOptions{ChartID: "idle"})
	require.NoError(t, err)
	busy, err := a.CreateChart(ctx, "stuck", CreateOptions{ChartID: "busy"})
	require.NoError(t, err)

	var marked bool
	marked, err = stA.IsActivityRegistered(ctx, busy, "forever")
	require.NoError(t, err)
	require.True(t, marked)

	var stB = openTestStore(t, path)
	var b = New(stB, testConfig())
	require.NoError(t, b.RegisterMachine(doorMachine()))
	require.NoError(t, b.RegisterMachine(stuckMachine()))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		var sctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(sctx)
	})

	// The idle chart changes hands gently, well before the grace period.
	require.Eventually(t, func() bool {
		var owner, ownerErr = stB.ChartOwner(ctx, idle)
		return ownerErr == nil && owner == b.ID()
	}, 5*time.Second, 5*time.Millisecond)

	// The busy chart is still flagged with unfinished work and waits.
	var owner string
	owner, err = stB.ChartOwner(ctx, busy)
	require.NoError(t, err)
	require.Equal(t, a.ID(), owner)

	// Grace expires, the busy chart is taken forcibly and its service
	// restarts under the new instance.
	waitReady(t, b)
	owner, err = stB.ChartOwner(ctx, busy)
	require.NoError(t, err)
	require.Equal(t, b.ID(), owner)

	require.Eventually(t, func() bool {
		var registered, regErr = stB.IsActivityRegistered(ctx, busy, "forever")
		return regErr == nil && registered
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandoverKeepsDelayedDue(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "xjog.db")

	var patient = &machine.Machine{
		ID:           "patient",
		InitialState: "working",
		States: map[string]machine.State{
			"working": {
				After: []machine.Delayed{{
					Delay:      900 * time.Millisecond,
					Transition: machine.Transition{Target: "home"},
				}},
			},
			"home": {},
		},
	}

	var stA = openTestStore(t, path)
	var a = New(stA, testConfig())
	require.NoError(t, a.RegisterMachine(patient))
	require.NoError(t, a.Start(ctx))
	waitReady(t, a)

	var began = time.Now()
	var ref, err = a.CreateChart(ctx, "patient", CreateOptions{ChartID: "shift"})
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, a.Shutdown(ctx))

	var stB = openTestStore(t, path)
	var b = startTestEngine(t, stB, testConfig(), patient)

	// The adopted chart's timer keeps its original due time; re-arming it
	// from the adoption moment would push the transition out by the full
	// delay on every handover.
	require.Eventually(t, func() bool {
		return stateValue(t, b, ref) == `"home"`
	}, 3*time.Second, 10*time.Millisecond)
	var elapsed = time.Since(began)
	require.GreaterOrEqual(t, elapsed, 890*time.Millisecond)
	require.Less(t, elapsed, 1150*time.Millisecond)

	var n int
	n, err = stB.CountDeferredEvents(ctx, ref)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInvokeCompletion(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), workerMachine())

	var ref, err = e.CreateChart(ctx, "worker", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "work"}))

	require.Eventually(t, func() bool {
		return stateValue(t, e, ref) == `"finished"`
	}, 3*time.Second, 10*time.Millisecond)

	// Final state: the job's marker is gone and pending timers with it.
	require.Eventually(t, func() bool {
		var n, countErr = st.CountActivities(ctx, ref)
		return countErr == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCompletedActivityClearsMarker(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))

	// done.invoke matches an internal transition here, so no state exit
	// ever stops the service; the completion itself must clear the
	// marker or the chart would read as mid-activity forever.
	var fetcher = &machine.Machine{
		ID:           "fetcher",
		InitialState: "fetching",
		Context:      json.RawMessage(`{"fetched":false}`),
		States: map[string]machine.State{
			"fetching": {
				Invoke: &machine.Invoke{ID: "fetch", Src: "fetch"},
				On: map[string]machine.Transition{
					chart.DoneInvokeType("fetch"): {
						Actions: []machine.Action{
							machine.Assign(func(json.RawMessage, chart.Event) (json.RawMessage, error) {
								return json.RawMessage(`{"fetched":true}`), nil
							}),
						},
					},
				},
			},
		},
		Services: map[string]machine.ServiceCreator{
			"fetch": machine.PromiseService("fetch",
				func(context.Context, json.RawMessage) (json.RawMessage, error) {
					return json.RawMessage(`"page"`), nil
				}),
		},
	}

	var e = startTestEngine(t, st, testConfig(), fetcher)

	var ref, err = e.CreateChart(ctx, "fetcher", CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var snap, readErr = e.ReadState(ctx, ref)
		return readErr == nil && string(snap.Context) == `{"fetched":true}`
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, `"fetching"`, stateValue(t, e, ref))

	require.Eventually(t, func() bool {
		var n, countErr = st.CountActivities(ctx, ref)
		return countErr == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestChildReportsCompletionToParent(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))

	var parent = &machine.Machine{
		ID:           "parent",
		InitialState: "waiting",
		States: map[string]machine.State{
			"waiting": {
				On: map[string]machine.Transition{
					chart.DoneInvokeType("errand-1"): {Target: "satisfied"},
				},
			},
			"satisfied": {},
		},
	}
	var child = &machine.Machine{
		ID:           "errand",
		InitialState: "running",
		States: map[string]machine.State{
			"running": {
				On: map[string]machine.Transition{
					"finish": {Target: "done"},
				},
			},
			"done": {Final: true, DoneData: json.RawMessage(`{"bought":"milk"}`)},
		},
	}

	var e = startTestEngine(t, st, testConfig(), parent, child)

	var parentRef, err = e.CreateChart(ctx, "parent", CreateOptions{ChartID: "p1"})
	require.NoError(t, err)
	childRef, err := e.CreateChart(ctx, "errand", CreateOptions{
		ChartID:   "errand-1",
		ParentRef: &parentRef,
	})
	require.NoError(t, err)

	require.NoError(t, e.Send(ctx, childRef, chart.Event{Type: "finish"}))

	require.Eventually(t, func() bool {
		return stateValue(t, e, parentRef) == `"satisfied"`
	}, 3*time.Second, 10*time.Millisecond)
}

func TestInvokeChildChart(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))

	var parent = &machine.Machine{
		ID:           "household",
		InitialState: "waiting",
		Context:      json.RawMessage(`{"updates":0}`),
		States: map[string]machine.State{
			"waiting": {
				Invoke: &machine.Invoke{ID: "errand-7", Machine: "errand", AutoForward: true},
				On: map[string]machine.Transition{
					chart.UpdateType: {
						Actions: []machine.Action{
							machine.Assign(func(machineCtx json.RawMessage, _ chart.Event) (json.RawMessage, error) {
								var doc struct {
									Updates int `json:"updates"`
								}
								if err := json.Unmarshal(machineCtx, &doc); err != nil {
									return nil, err
								}
								doc.Updates++
								return json.Marshal(doc)
							}),
						},
					},
					chart.DoneInvokeType("errand-7"): {Target: "satisfied"},
				},
			},
			"satisfied": {},
		},
	}
	var child = &machine.Machine{
		ID:           "errand",
		InitialState: "shopping",
		States: map[string]machine.State{
			"shopping": {
				On: map[string]machine.Transition{"pay": {Target: "paying"}},
			},
			"paying": {
				On: map[string]machine.Transition{"receipt": {Target: "done"}},
			},
			"done": {Final: true, DoneData: json.RawMessage(`{"bought":"milk"}`)},
		},
	}

	var e = startTestEngine(t, st, testConfig(), parent, child)

	var parentRef, err = e.CreateChart(ctx, "household", CreateOptions{ChartID: "p1"})
	require.NoError(t, err)

	// The invoked machine runs as a persisted chart of its own, named by
	// the invoke id so its completion matches the parent's transition.
	var childRef = chart.Reference{MachineID: "errand", ChartID: "errand-7"}
	require.Eventually(t, func() bool {
		var _, readErr = st.ReadChart(ctx, childRef)
		return readErr == nil
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, `"shopping"`, stateValue(t, e, childRef))

	// A child chart leaves no activity marker: its state is durable and
	// transfers on adoption, so the parent stays gently adoptable.
	var n int
	n, err = st.CountActivities(ctx, parentRef)
	require.NoError(t, err)
	require.Zero(t, n)

	// Auto-forward relays parent events to the child; the child answers
	// each of its transitions with an update event.
	require.NoError(t, e.Send(ctx, parentRef, chart.Event{Type: "pay"}))
	require.Eventually(t, func() bool {
		return stateValue(t, e, childRef) == `"paying"`
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		var snap, readErr = e.ReadState(ctx, parentRef)
		return readErr == nil && string(snap.Context) == `{"updates":1}`
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Send(ctx, parentRef, chart.Event{Type: "receipt"}))
	require.Eventually(t, func() bool {
		return stateValue(t, e, parentRef) == `"satisfied"`
	}, 3*time.Second, 10*time.Millisecond)

	// Leaving the invoking state tears the child chart down.
	require.Eventually(t, func() bool {
		var _, readErr = st.ReadChart(ctx, childRef)
		return store.IsNotFound(readErr)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestExternalIDs(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{
		ExternalIDs: map[string]string{"building": "b-17"},
	})
	require.NoError(t, err)

	found, ok, err := e.FindChart(ctx, "building", "b-17")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ref, found)

	require.NoError(t, e.SendTo(ctx, "building", "b-17", chart.Event{Type: "open"}))
	require.Equal(t, `"open"`, stateValue(t, e, ref))

	// One value per key maps to one chart.
	other, err := e.CreateChart(ctx, "door", CreateOptions{})
	require.NoError(t, err)
	err = e.RegisterExternalID(ctx, other, "building", "b-17")
	require.True(t, store.IsConflict(err))

	require.NoError(t, e.DropExternalID(ctx, "building", "b-17"))
	err = e.SendTo(ctx, "building", "b-17", chart.Event{Type: "close"})
	require.ErrorIs(t, err, chart.ErrChartNotFound)
}

func TestExecutorCacheBound(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))

	var cfg = testConfig()
	cfg.MachineCacheSize = 10
	var e = startTestEngine(t, st, cfg, doorMachine())

	var refs []chart.Reference
	for i := 0; i < 25; i++ {
		var ref, err = e.CreateChart(ctx, "door", CreateOptions{})
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	// Most executors have been evicted by now; sends rehydrate them from
	// their snapshots without losing state.
	for _, ref := range refs {
		require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "open"}))
	}
	for _, ref := range refs {
		require.Equal(t, `"open"`, stateValue(t, e, ref))
	}
}

func TestChangesBroadcast(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))
	var e = startTestEngine(t, st, testConfig(), doorMachine())

	var changes, cancel = e.Changes()
	defer cancel()

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{ChartID: "watched"})
	require.NoError(t, err)
	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "open"}))

	var created = receiveChange(t, changes)
	require.Equal(t, chart.ChangeCreate, created.Type)
	require.Equal(t, ref, created.Ref)
	require.Equal(t, `"closed"`, string(created.New.Value))

	var updated = receiveChange(t, changes)
	require.Equal(t, chart.ChangeUpdate, updated.Type)
	require.Equal(t, "open", updated.Event.Type)
	require.Equal(t, `"closed"`, string(updated.Old.Value))
	require.Equal(t, `"open"`, string(updated.New.Value))
}

func receiveChange(t *testing.T, ch <-chan chart.StateChange) chart.StateChange {
	t.Helper()
	select {
	case change, ok := <-ch:
		require.True(t, ok, "change channel closed")
		return change
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for state change")
		return chart.StateChange{}
	}
}

func TestUpdateHookVetoesTransition(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))

	var veto = errors.New("not on my watch")
	var e = New(st, testConfig())
	require.NoError(t, e.RegisterMachine(doorMachine()))
	require.NoError(t, e.InstallUpdateHook(func(_ context.Context, change chart.StateChange) error {
		if change.Type == chart.ChangeUpdate && change.Event.Type == "open" {
			return veto
		}
		return nil
	}))
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() {
		var sctx, cancelShutdown = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = e.Shutdown(sctx)
	})
	waitReady(t, e)

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{})
	require.NoError(t, err)

	err = e.Send(ctx, ref, chart.Event{Type: "open"})
	require.ErrorIs(t, err, veto)
	require.Equal(t, `"closed"`, stateValue(t, e, ref))

	// The vetoed transition left no journal entry.
	var entries []journal.Entry
	entries, err = e.Journal().QueryEntries(ctx, journal.EntryFilter{Ref: &ref})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestShutdownParksEvents(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, filepath.Join(t.TempDir(), "xjog.db"))

	var e = New(st, testConfig())
	require.NoError(t, e.RegisterMachine(doorMachine()))
	require.NoError(t, e.Start(ctx))
	waitReady(t, e)

	var ref, err = e.CreateChart(ctx, "door", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(ctx))
	require.Equal(t, PhaseHalted, e.Phase())

	// Events accepted while halted land on the durable queue for the
	// next instance.
	require.NoError(t, e.Send(ctx, ref, chart.Event{Type: "open"}))
	var n int
	n, err = st.CountDeferredEvents(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
