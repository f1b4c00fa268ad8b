package scenario

import (
	"context"
	"time"

	"github.com/leftmike/isodb/account"
	"github.com/leftmike/isodb/engine"
)

func dirtyRead(ctx context.Context, mgr *engine.Manager, svc *account.Service,
	hold time.Duration) ([]Observation, bool, error) {

	acct, err := svc.CreateAccount(initialBalance)
	if err != nil {
		return nil, false, err
	}

	var bal int64
	waited, err := pair(ctx, hold,
		func(hold account.Hold) error {
			return svc.UpdateBalance(ctx, acct.ID, updatedBalance, hold)
		},
		func() error {
			var err error
			bal, err = svc.Balance(ctx, acct.ID)
			return err
		})
	if err != nil {
		return nil, false, err
	}

	final, err := committed(mgr, acct.ID)
	if err != nil {
		return nil, false, err
	}
	return []Observation{{"read", bal}, {"final", final}}, waited, nil
}

func nonRepeatableRead(ctx context.Context, mgr *engine.Manager, svc *account.Service,
	hold time.Duration) ([]Observation, bool, error) {

	acct, err := svc.CreateAccount(initialBalance)
	if err != nil {
		return nil, false, err
	}

	var bals []int64
	waited, err := pair(ctx, hold,
		func(hold account.Hold) error {
			var err error
			bals, err = svc.RepeatBalance(ctx, acct.ID, 2, hold)
			return err
		},
		func() error {
			return svc.UpdateBalance(ctx, acct.ID, updatedBalance, nil)
		})
	if err != nil {
		return nil, false, err
	}

	return []Observation{{"first", bals[0]}, {"second", bals[1]}}, waited, nil
}

func lockedRead(ctx context.Context, mgr *engine.Manager, svc *account.Service,
	hold time.Duration) ([]Observation, bool, error) {

	acct, err := svc.CreateAccount(initialBalance)
	if err != nil {
		return nil, false, err
	}

	var bal, lbal int64
	waited, err := pair(ctx, hold,
		func(hold account.Hold) error {
			return svc.UpdateBalance(ctx, acct.ID, updatedBalance, hold)
		},
		func() error {
			var err error
			bal, lbal, err = svc.BalanceThenForUpdate(ctx, acct.ID, nil)
			return err
		})
	if err != nil {
		return nil, false, err
	}

	return []Observation{{"read", bal}, {"read-for-update", lbal}}, waited, nil
}

func readForUpdateThenUpdate(ctx context.Context, mgr *engine.Manager, svc *account.Service,
	hold time.Duration) ([]Observation, bool, error) {

	acct, err := svc.CreateAccount(initialBalance)
	if err != nil {
		return nil, false, err
	}

	var bal int64
	waited, err := pair(ctx, hold,
		func(hold account.Hold) error {
			var err error
			bal, err = svc.BalanceForUpdateAndHold(ctx, acct.ID, hold)
			return err
		},
		func() error {
			return svc.UpdateBalance(ctx, acct.ID, updatedBalance, nil)
		})
	if err != nil {
		return nil, false, err
	}

	final, err := committed(mgr, acct.ID)
	if err != nil {
		return nil, false, err
	}
	return []Observation{{"read-for-update", bal}, {"final", final}}, waited, nil
}

func phantomRead(ctx context.Context, mgr *engine.Manager, svc *account.Service,
	hold time.Duration) ([]Observation, bool, error) {

	for _, bal := range []int64{phantomBalance, initialBalance, phantomBalance, phantomBalance} {
		_, err := svc.CreateAccount(bal)
		if err != nil {
			return nil, false, err
		}
	}

	var cnts []int
	waited, err := pair(ctx, hold,
		func(hold account.Hold) error {
			var err error
			cnts, err = svc.CountByBalanceRepeated(ctx, phantomBalance, 2, hold)
			return err
		},
		func() error {
			_, err := svc.CreateAccount(phantomBalance)
			return err
		})
	if err != nil {
		return nil, false, err
	}

	return []Observation{{"first", int64(cnts[0])}, {"second", int64(cnts[1])}}, waited, nil
}

func sameAtEveryLevel(exp Expected) map[engine.IsolationLevel]Expected {
	m := map[engine.IsolationLevel]Expected{}
	for _, level := range engine.IsolationLevels {
		m[level] = exp
	}
	return m
}

func init() {
	addScenario(&Scenario{
		Name: "dirty-read",
		Description: "A updates a balance and holds before committing; B reads the balance " +
			"while A is still active.",
		Expect: map[engine.IsolationLevel]Expected{
			engine.ReadUncommitted: {
				Observations: []Observation{{"read", updatedBalance}, {"final", updatedBalance}},
			},
			engine.ReadCommitted: {
				Observations: []Observation{{"read", initialBalance}, {"final", updatedBalance}},
			},
			engine.RepeatableRead: {
				Observations: []Observation{{"read", initialBalance}, {"final", updatedBalance}},
			},
			engine.Serializable: {
				Observations: []Observation{{"read", updatedBalance}, {"final", updatedBalance}},
				Waited:       true,
			},
		},
		run: dirtyRead,
	})

	addScenario(&Scenario{
		Name: "non-repeatable-read",
		Description: "A reads a balance twice, holding between the reads; B updates and " +
			"commits the balance after A's first read.",
		Expect: map[engine.IsolationLevel]Expected{
			engine.ReadUncommitted: {
				Observations: []Observation{{"first", initialBalance}, {"second", updatedBalance}},
			},
			engine.ReadCommitted: {
				Observations: []Observation{{"first", initialBalance}, {"second", updatedBalance}},
			},
			engine.RepeatableRead: {
				Observations: []Observation{{"first", initialBalance}, {"second", initialBalance}},
			},
			engine.Serializable: {
				Observations: []Observation{{"first", initialBalance}, {"second", initialBalance}},
				Waited:       true,
			},
		},
		run: nonRepeatableRead,
	})

	addScenario(&Scenario{
		Name: "locked-read",
		Description: "A updates a balance and holds before committing; B reads the balance " +
			"and then reads it again for update.",
		Expect: map[engine.IsolationLevel]Expected{
			engine.ReadUncommitted: {
				Observations: []Observation{{"read", updatedBalance},
					{"read-for-update", updatedBalance}},
			},
			engine.ReadCommitted: {
				Observations: []Observation{{"read", initialBalance},
					{"read-for-update", updatedBalance}},
				Waited: true,
			},
			engine.RepeatableRead: {
				Observations: []Observation{{"read", initialBalance},
					{"read-for-update", updatedBalance}},
				Waited: true,
			},
			engine.Serializable: {
				Observations: []Observation{{"read", updatedBalance},
					{"read-for-update", updatedBalance}},
				Waited: true,
			},
		},
		run: lockedRead,
	})

	addScenario(&Scenario{
		Name: "read-for-update-then-update",
		Description: "A reads a balance for update and holds before committing; B updates " +
			"the balance while A is still active.",
		Expect: map[engine.IsolationLevel]Expected{
			engine.ReadUncommitted: {
				Observations: []Observation{{"read-for-update", initialBalance},
					{"final", updatedBalance}},
			},
			engine.ReadCommitted: {
				Observations: []Observation{{"read-for-update", initialBalance},
					{"final", updatedBalance}},
				Waited: true,
			},
			engine.RepeatableRead: {
				Observations: []Observation{{"read-for-update", initialBalance},
					{"final", updatedBalance}},
				Waited: true,
			},
			engine.Serializable: {
				Observations: []Observation{{"read-for-update", initialBalance},
					{"final", updatedBalance}},
				Waited: true,
			},
		},
		run: readForUpdateThenUpdate,
	})

	addScenario(&Scenario{
		Name: "phantom-read",
		Description: "A counts the accounts with a balance twice, holding between the counts; " +
			"B creates another account with that balance after A's first count.",
		Expect: sameAtEveryLevel(Expected{
			Observations: []Observation{{"first", 3}, {"second", 4}},
		}),
		run: phantomRead,
	})
}
