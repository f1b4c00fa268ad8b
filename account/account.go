package account

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/isodb/engine"
	"github.com/leftmike/isodb/record"
)

type Account struct {
	ID      record.ID
	Balance int64
}

func (a Account) String() string {
	return fmt.Sprintf("account-%s: %d", a.ID, a.Balance)
}

// Hold is called at the point in a transaction where it should pause, while still active, to
// let other transactions run. Returning an error aborts the transaction.
type Hold func(ctx context.Context) error

// Sleep returns a Hold which waits for d or until ctx is done.
func Sleep(d time.Duration) Hold {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()

		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h Hold) hold(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return h(ctx)
}

// Service runs each call in its own transaction at the isolation level of the service.
type Service struct {
	mgr   *engine.Manager
	level engine.IsolationLevel
}

func NewService(mgr *engine.Manager, level engine.IsolationLevel) *Service {
	return &Service{
		mgr:   mgr,
		level: level,
	}
}

func (svc *Service) Level() engine.IsolationLevel {
	return svc.level
}

func (svc *Service) run(ctx context.Context, op string, fn func(tx *engine.Transaction) error) error {
	err := svc.mgr.WithTransaction(ctx, svc.level, fn)
	if err != nil {
		log.WithFields(log.Fields{
			"op":    op,
			"level": svc.level,
		}).WithError(err).Debug("account operation failed")
		return fmt.Errorf("account: %s: %w", op, err)
	}
	return nil
}

// CreateAccount always commits immediately, whatever the level of the service.
func (svc *Service) CreateAccount(balance int64) (Account, error) {
	id, err := svc.mgr.Create(balance)
	if err != nil {
		return Account{}, fmt.Errorf("account: create: %w", err)
	}
	return Account{ID: id, Balance: balance}, nil
}

func (svc *Service) Balance(ctx context.Context, id record.ID) (int64, error) {
	var bal int64
	err := svc.run(ctx, "balance",
		func(tx *engine.Transaction) error {
			var err error
			bal, err = tx.Read(ctx, id)
			return err
		})
	return bal, err
}

func (svc *Service) BalanceForUpdate(ctx context.Context, id record.ID) (int64, error) {
	var bal int64
	err := svc.run(ctx, "balance for update",
		func(tx *engine.Transaction) error {
			var err error
			bal, err = tx.ReadForUpdate(ctx, id)
			return err
		})
	return bal, err
}

// BalanceForUpdateAndHold reads the balance for update and then holds, keeping the lock, before
// committing.
func (svc *Service) BalanceForUpdateAndHold(ctx context.Context, id record.ID,
	h Hold) (int64, error) {

	var bal int64
	err := svc.run(ctx, "balance for update and hold",
		func(tx *engine.Transaction) error {
			var err error
			bal, err = tx.ReadForUpdate(ctx, id)
			if err != nil {
				return err
			}
			return h.hold(ctx)
		})
	return bal, err
}

// UpdateBalance loads the account, writes the new balance, and then holds before committing.
func (svc *Service) UpdateBalance(ctx context.Context, id record.ID, balance int64,
	h Hold) error {

	return svc.run(ctx, "update balance",
		func(tx *engine.Transaction) error {
			_, err := tx.Read(ctx, id)
			if err != nil {
				return err
			}
			err = tx.Write(ctx, id, balance)
			if err != nil {
				return err
			}
			return h.hold(ctx)
		})
}

// RepeatBalance reads the balance n times in one transaction, holding between reads.
func (svc *Service) RepeatBalance(ctx context.Context, id record.ID, n int,
	between Hold) ([]int64, error) {

	var bals []int64
	err := svc.run(ctx, "repeat balance",
		func(tx *engine.Transaction) error {
			for cnt := 0; cnt < n; cnt += 1 {
				if cnt > 0 {
					err := between.hold(ctx)
					if err != nil {
						return err
					}
				}
				bal, err := tx.Read(ctx, id)
				if err != nil {
					return err
				}
				bals = append(bals, bal)
			}
			return nil
		})
	return bals, err
}

// BalanceThenForUpdate reads the balance and then, after holding, reads it again for update, in
// one transaction.
func (svc *Service) BalanceThenForUpdate(ctx context.Context, id record.ID,
	between Hold) (int64, int64, error) {

	var bal, lbal int64
	err := svc.run(ctx, "balance then for update",
		func(tx *engine.Transaction) error {
			var err error
			bal, err = tx.Read(ctx, id)
			if err != nil {
				return err
			}
			err = between.hold(ctx)
			if err != nil {
				return err
			}
			lbal, err = tx.ReadForUpdate(ctx, id)
			return err
		})
	return bal, lbal, err
}

func (svc *Service) DeleteAccount(ctx context.Context, id record.ID) error {
	return svc.run(ctx, "delete",
		func(tx *engine.Transaction) error {
			return tx.Delete(ctx, id)
		})
}

func findAll(ctx context.Context, tx *engine.Transaction, pred engine.Predicate) ([]Account,
	error) {

	rows, err := tx.ListAll(pred)
	if err != nil {
		return nil, err
	}
	recs, err := rows.All(ctx)
	if err != nil {
		return nil, err
	}

	accts := make([]Account, 0, len(recs))
	for _, rec := range recs {
		accts = append(accts, Account{ID: rec.ID, Balance: rec.Value})
	}
	return accts, nil
}

func (svc *Service) FindAllByBalance(ctx context.Context, balance int64) ([]Account, error) {
	var accts []Account
	err := svc.run(ctx, "find all by balance",
		func(tx *engine.Transaction) error {
			var err error
			accts, err = findAll(ctx, tx, engine.ValueEquals(balance))
			return err
		})
	return accts, err
}

// CountByBalanceRepeated counts the accounts with balance n times in one transaction, holding
// between counts.
func (svc *Service) CountByBalanceRepeated(ctx context.Context, balance int64, n int,
	between Hold) ([]int, error) {

	var cnts []int
	err := svc.run(ctx, "count by balance repeated",
		func(tx *engine.Transaction) error {
			for cnt := 0; cnt < n; cnt += 1 {
				if cnt > 0 {
					err := between.hold(ctx)
					if err != nil {
						return err
					}
				}
				accts, err := findAll(ctx, tx, engine.ValueEquals(balance))
				if err != nil {
					return err
				}
				cnts = append(cnts, len(accts))
			}
			return nil
		})
	return cnts, err
}

// DeleteAll removes every account in one transaction.
func (svc *Service) DeleteAll(ctx context.Context) error {
	return svc.run(ctx, "delete all",
		func(tx *engine.Transaction) error {
			accts, err := findAll(ctx, tx, nil)
			if err != nil {
				return err
			}
			for _, acct := range accts {
				err = tx.Delete(ctx, acct.ID)
				if err != nil {
					return err
				}
			}
			return nil
		})
}
