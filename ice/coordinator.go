package ice

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"sipcallgo/system"
)

type RunState int

const (
	RunRunning RunState = iota
	RunFinished
	RunFailed
)

func (rs RunState) String() string {
	return runStates[rs]
}

var runStates = [...]string{"Running", "Finished", "Failed"}

// nominationRecord caches one tester run keyed by the set of candidate
// pairs it was offered.
type nominationRecord struct {
	state    RunState
	selected []*Pair
	tester   *Tester
}

// Coordinator is the per-session nomination bookkeeper: it spawns one
// tester per fresh pair set, caches past results and refuses to re-run
// a set that already failed.
type Coordinator struct {
	mu   sync.Mutex
	runs map[string]*nominationRecord
}

func NewCoordinator() *Coordinator {
	return &Coordinator{runs: make(map[string]*nominationRecord)}
}

// pairSetKey is order-insensitive over the offered pairs.
func pairSetKey(pairs []*Pair) string {
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, p.Key())
	}
	sort.Strings(keys)
	return strings.Join(keys, ";")
}

// StartRun requests a nomination for the given pair set.
//
//   - an identical Finished entry reuses its selected pairs immediately
//     (onSuccess is invoked on the caller's goroutine, which already
//     holds the session lock);
//   - a Running entry ignores the request;
//   - a Failed entry refuses the re-run;
//   - otherwise a fresh tester is spawned and the callbacks registered.
func (co *Coordinator) StartRun(tester *Tester, pairs []*Pair, onSuccess func([]*Pair), onFailure func(string)) {
	key := pairSetKey(pairs)

	co.mu.Lock()
	if rec, ok := co.runs[key]; ok {
		switch rec.state {
		case RunFinished:
			selected := rec.selected
			co.mu.Unlock()
			system.LogInfo(system.LTICEStack, "Reusing cached nomination result")
			onSuccess(selected)
			return
		case RunRunning:
			co.mu.Unlock()
			system.LogInfo(system.LTICEStack, "Nomination already running - request ignored")
			return
		case RunFailed:
			co.mu.Unlock()
			system.LogWarning(system.LTICEStack, "Refusing to re-run a failed pair set")
			onFailure("pair set failed previously")
			return
		}
	}

	rec := &nominationRecord{state: RunRunning, tester: tester}
	co.runs[key] = rec
	co.mu.Unlock()

	tester.Init(pairs)
	go func() {
		res := tester.Run()
		co.mu.Lock()
		if res.Ok {
			rec.state = RunFinished
			rec.selected = res.Selected
		} else {
			rec.state = RunFailed
		}
		co.mu.Unlock()
		if res.Ok {
			onSuccess(res.Selected)
		} else {
			onFailure(res.Reason)
		}
	}()
}

// Selected returns the cached winners for a pair set, when finished.
func (co *Coordinator) Selected(pairs []*Pair) ([]*Pair, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	rec, ok := co.runs[pairSetKey(pairs)]
	if !ok || rec.state != RunFinished {
		return nil, false
	}
	return rec.selected, true
}

// Cleanup cancels any running tester and drops the cache.
func (co *Coordinator) Cleanup() {
	co.mu.Lock()
	defer co.mu.Unlock()
	for key, rec := range co.runs {
		if rec.state == RunRunning && rec.tester != nil {
			rec.tester.Quit()
		}
		delete(co.runs, key)
	}
}

func (co *Coordinator) String() string {
	co.mu.Lock()
	defer co.mu.Unlock()
	return fmt.Sprintf("Coordinator{runs: %d}", len(co.runs))
}
