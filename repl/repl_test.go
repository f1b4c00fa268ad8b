package repl_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/andreyvit/diff"

	"github.com/leftmike/isodb/engine"
	"github.com/leftmike/isodb/record"
	"github.com/leftmike/isodb/repl"
)

func newManager(t *testing.T) *engine.Manager {
	t.Helper()

	st, err := record.NewStore(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	return engine.NewManager(st, engine.Config{})
}

func runScript(t *testing.T, mgr *engine.Manager, script string) string {
	t.Helper()

	var buf bytes.Buffer
	r := &repl.Repl{
		Manager: mgr,
		Output:  &buf,
	}
	err := r.Run(context.Background(), repl.Lines(strings.NewReader(script)))
	if err != nil {
		t.Fatalf("Run() failed with %s", err)
	}

	if st := mgr.Stats(); st.Active != 0 {
		t.Errorf("Stats() after Run() got %+v", st)
	}
	if locks := mgr.Locks(); len(locks) != 0 {
		t.Errorf("Locks() after Run() got %v", locks)
	}
	return buf.String()
}

func checkOutput(t *testing.T, got, wnt string) {
	t.Helper()

	if got != wnt {
		t.Errorf("output differs:\n%s", diff.LineDiff(wnt, got))
	}
}

func TestSessions(t *testing.T) {
	out := runScript(t, newManager(t), `
create 1000
begin read-committed
write 1 2000
session 2
begin serializable
read 1
session 1
commit
wait
session 2
read 1
commit
`)

	checkOutput(t, out, `created 1
begin transaction-2 READ COMMITTED
wrote 1
begin transaction-3 SERIALIZABLE
session 2: waiting
committed transaction-2
[session 2] 1 = 2000
1 = 2000
committed transaction-3
`)
}

func TestDirtyRead(t *testing.T) {
	out := runScript(t, newManager(t), `
create 1000
begin repeatable-read
write 1 2000
session 2
begin read-uncommitted
read 1
session 3
begin read_committed
read 1
session 1
abort
session 2
read 1
`)

	checkOutput(t, out, `created 1
begin transaction-2 REPEATABLE READ
wrote 1
begin transaction-3 READ UNCOMMITTED
1 = 2000
begin transaction-4 READ COMMITTED
1 = 1000
aborted transaction-2
1 = 1000
`)
}

func TestErrors(t *testing.T) {
	out := runScript(t, newManager(t), `
# comments and blank lines are skipped

read 1
begin snapshot
begin
begin
write 99 1
write 1
write x 1
bogus
session zero
commit
commit
`)

	checkOutput(t, out, `repl: no transaction; use begin
engine: unknown isolation level: snapshot
begin transaction-1 READ COMMITTED
repl: session 1: transaction-1 is active
record: 99: record: not found
repl: usage: write <id> <value>
repl: record: bad id: x
repl: unknown command: bogus; try help
repl: bad session: zero
committed transaction-1
repl: no transaction; use begin
`)
}

func TestTables(t *testing.T) {
	mgr := newManager(t)
	out := runScript(t, mgr, `
create 400
create 1000
create 400
begin serializable
list 400
read-for-update 2
locks
transactions
history 1
sessions
stats
help
quit
read 1
`)

	for _, s := range []string{
		"(2 rows)",
		"(3 rows)",
		"SHARED",
		"transaction-4",
		"SERIALIZABLE",
		"begun 4, committed 3, aborted 0, active 1",
		"read-for-update <id>",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("output does not contain %q:\n%s", s, out)
		}
	}
	if strings.Contains(out, "1 = 400") {
		t.Errorf("command after quit was run:\n%s", out)
	}
	if st := mgr.Stats(); st.Aborted != 1 {
		t.Errorf("Stats() got %+v want 1 aborted", st)
	}
}

func TestStopBlocked(t *testing.T) {
	mgr := newManager(t)
	out := runScript(t, mgr, `
create 1000
begin
write 1 2000
session 2
begin serializable
read 1
`)

	if !strings.Contains(out, "session 2: waiting") {
		t.Errorf("output does not contain waiting:\n%s", out)
	}
	if !strings.Contains(out, "[session 2] ") || !strings.Contains(out, "context canceled") {
		t.Errorf("output does not contain canceled read:\n%s", out)
	}
	rec, err := mgr.Store().ReadCommitted(1)
	if err != nil || rec.Value != 1000 {
		t.Errorf("ReadCommitted(1) got %v, %v want 1000", rec, err)
	}
}

func TestBusySession(t *testing.T) {
	out := runScript(t, newManager(t), `
create 1000
begin read-committed
write 1 2000
session 2
begin serializable
read 1
`+strings.Repeat("read 1\n", 20)+`session 1
commit
wait
session 2
read 1
commit
`)

	checkOutput(t, out, `created 1
begin transaction-2 READ COMMITTED
wrote 1
begin transaction-3 SERIALIZABLE
session 2: waiting
`+strings.Repeat("repl: session 2: busy; try wait\n", 20)+`committed transaction-2
[session 2] 1 = 2000
1 = 2000
committed transaction-3
`)
}
