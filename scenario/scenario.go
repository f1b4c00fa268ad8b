package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/isodb/account"
	"github.com/leftmike/isodb/engine"
	"github.com/leftmike/isodb/record"
)

const DefaultHold = 100 * time.Millisecond

type Options struct {
	// Hold is how long the first transaction pauses, still active, after it has done its
	// first step.
	Hold time.Duration
}

type Observation struct {
	Name  string
	Value int64
}

func (o Observation) String() string {
	return fmt.Sprintf("%s=%d", o.Name, o.Value)
}

type Result struct {
	Scenario     string
	Level        engine.IsolationLevel
	Observations []Observation
	// Waited is true when the second transaction could not finish until the first did.
	Waited bool
}

func (r Result) String() string {
	var obs []string
	for _, o := range r.Observations {
		obs = append(obs, o.String())
	}
	s := fmt.Sprintf("%s %s: %s", r.Scenario, r.Level, strings.Join(obs, " "))
	if r.Waited {
		s += " (waited)"
	}
	return s
}

// Expected is what a scenario should observe at one isolation level.
type Expected struct {
	Observations []Observation
	Waited       bool
}

// Matches returns true if r is the expected result for its scenario and level.
func (r Result) Matches() bool {
	sc, ok := scenarios[r.Scenario]
	if !ok {
		return false
	}
	exp, ok := sc.Expect[r.Level]
	if !ok || exp.Waited != r.Waited || len(exp.Observations) != len(r.Observations) {
		return false
	}
	for odx := range r.Observations {
		if r.Observations[odx] != exp.Observations[odx] {
			return false
		}
	}
	return true
}

type Scenario struct {
	Name        string
	Description string
	Expect      map[engine.IsolationLevel]Expected
	run         func(ctx context.Context, mgr *engine.Manager, svc *account.Service,
		hold time.Duration) ([]Observation, bool, error)
}

const (
	initialBalance = 1000
	updatedBalance = 2000
	phantomBalance = 400
)

var (
	scenarios = map[string]*Scenario{}
	names     []string
)

func addScenario(sc *Scenario) {
	scenarios[sc.Name] = sc
	names = append(names, sc.Name)
}

// Scenarios returns the names of all scenarios in the order they run.
func Scenarios() []string {
	return append([]string(nil), names...)
}

func Lookup(name string) (*Scenario, bool) {
	sc, ok := scenarios[name]
	return sc, ok
}

// pair runs first and, once first has started to hold, second. first must pass the hold it is
// given to exactly one hold point. It returns whether second had to wait for first: second
// waited if it took longer than half of the hold.
func pair(ctx context.Context, hold time.Duration, first func(hold account.Hold) error,
	second func() error) (bool, error) {

	held := make(chan struct{})
	var once sync.Once
	sleep := account.Sleep(hold)
	signal := func(ctx context.Context) error {
		once.Do(func() { close(held) })
		return sleep(ctx)
	}

	firstDone := make(chan struct{})
	var firstErr error
	go func() {
		defer close(firstDone)
		firstErr = first(signal)
	}()

	select {
	case <-held:
	case <-firstDone:
		if firstErr == nil {
			firstErr = errors.New("scenario: first transaction did not hold")
		}
		return false, firstErr
	}

	start := time.Now()
	secondErr := second()
	waited := time.Since(start) > hold/2

	<-firstDone
	if firstErr != nil {
		return false, firstErr
	}
	return waited, secondErr
}

// committed returns the committed balance of id once the transactions are done.
func committed(mgr *engine.Manager, id record.ID) (int64, error) {
	rec, err := mgr.Store().ReadCommitted(id)
	if err != nil {
		return 0, err
	}
	return rec.Value, nil
}

// Run runs the named scenario with both transactions at level, against mgr. Every account in
// mgr is deleted once the scenario is done.
func Run(ctx context.Context, mgr *engine.Manager, name string, level engine.IsolationLevel,
	opts Options) (Result, error) {

	sc, ok := scenarios[name]
	if !ok {
		return Result{}, fmt.Errorf("scenario: %s not found", name)
	}
	if opts.Hold <= 0 {
		opts.Hold = DefaultHold
	}

	svc := account.NewService(mgr, level)

	log.WithFields(log.Fields{
		"scenario": name,
		"level":    level,
	}).Info("running scenario")

	obs, waited, err := sc.run(ctx, mgr, svc, opts.Hold)
	if err != nil {
		return Result{}, fmt.Errorf("scenario: %s: %s: %w", name, level, err)
	}

	err = account.NewService(mgr, engine.Serializable).DeleteAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("scenario: %s: tear down: %w", name, err)
	}

	res := Result{
		Scenario:     name,
		Level:        level,
		Observations: obs,
		Waited:       waited,
	}
	log.WithField("matches", res.Matches()).Info(res)
	return res, nil
}

// RunMatrix runs each of the named scenarios, or all of them, at every isolation level.
func RunMatrix(ctx context.Context, mgr *engine.Manager, names []string,
	opts Options) ([]Result, error) {

	if len(names) == 0 {
		names = Scenarios()
	}

	var results []Result
	for _, name := range names {
		for _, level := range engine.IsolationLevels {
			res, err := Run(ctx, mgr, name, level, opts)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}
