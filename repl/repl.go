package repl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/isodb/engine"
	"github.com/leftmike/isodb/record"
)

const DefaultBlockWait = 100 * time.Millisecond

type LineReader interface {
	ReadLine(prompt string) (string, error)
}

type lineScanner struct {
	scanner *bufio.Scanner
}

// Lines returns a LineReader which reads lines from r without prompting.
func Lines(r io.Reader) LineReader {
	return lineScanner{bufio.NewScanner(r)}
}

func (ls lineScanner) ReadLine(prompt string) (string, error) {
	if !ls.scanner.Scan() {
		if err := ls.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return ls.scanner.Text(), nil
}

type result struct {
	sid int
	seq uint64
	out string
	err error
}

// A session runs its commands, in order, on its own goroutine; only that goroutine uses tx.
type session struct {
	sid     int
	tx      *engine.Transaction
	cmds    chan func() result
	pending int
}

// Repl is a console with any number of sessions, each of which may have one transaction.
// Commands for a session which do not finish within BlockWait are left running; their results
// are printed when they finish. A session runs one command at a time: commands for a session
// with a command still running are rejected.
type Repl struct {
	Manager      *engine.Manager
	Output       io.Writer
	DefaultLevel engine.IsolationLevel
	BlockWait    time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[int]*session
	current  *session
	results  chan result
	seq      uint64
	wg       sync.WaitGroup
	quit     bool
}

type command struct {
	args    string
	help    string
	minArgs int
	maxArgs int
	session func(ctx context.Context, r *Repl, s *session, args []string) (string, error)
	console func(r *Repl, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"begin": {
			args:    "[level]",
			help:    "begin a transaction in the current session",
			maxArgs: 1,
			session: beginCmd,
		},
		"read": {
			args:    "<id>",
			help:    "read a record",
			minArgs: 1,
			maxArgs: 1,
			session: readCmd,
		},
		"read-for-update": {
			args:    "<id>",
			help:    "read a record, locking it until commit or abort",
			minArgs: 1,
			maxArgs: 1,
			session: readForUpdateCmd,
		},
		"write": {
			args:    "<id> <value>",
			help:    "write a record",
			minArgs: 2,
			maxArgs: 2,
			session: writeCmd,
		},
		"delete": {
			args:    "<id>",
			help:    "delete a record",
			minArgs: 1,
			maxArgs: 1,
			session: deleteCmd,
		},
		"list": {
			args:    "[value]",
			help:    "list the records, or the records with value",
			maxArgs: 1,
			session: listCmd,
		},
		"commit": {
			help:    "commit the transaction",
			session: commitCmd,
		},
		"abort": {
			help:    "abort the transaction",
			session: abortCmd,
		},
		"create": {
			args:    "<value>",
			help:    "create a record in its own transaction",
			minArgs: 1,
			maxArgs: 1,
			console: createCmd,
		},
		"session": {
			args:    "<n>",
			help:    "switch to session n, starting it if necessary",
			minArgs: 1,
			maxArgs: 1,
			console: sessionCmd,
		},
		"sessions": {
			help:    "list the sessions",
			console: sessionsCmd,
		},
		"wait": {
			help:    "wait for every session to finish its commands",
			console: waitCmd,
		},
		"locks": {
			help:    "list the locks held and waited for",
			console: locksCmd,
		},
		"transactions": {
			help:    "list the active transactions",
			console: transactionsCmd,
		},
		"history": {
			args:    "<id>",
			help:    "list the committed versions of a record",
			minArgs: 1,
			maxArgs: 1,
			console: historyCmd,
		},
		"stats": {
			help:    "print transaction counts",
			console: statsCmd,
		},
		"help": {
			help:    "print this help",
			console: helpCmd,
		},
		"quit": {
			help:    "leave the console",
			console: quitCmd,
		},
	}
}

func (r *Repl) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.Output, format, args...)
}

func (r *Repl) print(res result, late bool) {
	var s string
	if res.err != nil {
		s = res.err.Error() + "\n"
	} else {
		s = res.out
	}
	if late {
		r.printf("[session %d] %s", res.sid, s)
	} else {
		r.printf("%s", s)
	}
}

func (r *Repl) received(res result) {
	if s, ok := r.sessions[res.sid]; ok {
		s.pending -= 1
	}
}

// drain prints the results of commands which have finished since they were left running.
func (r *Repl) drain() {
	for {
		select {
		case res := <-r.results:
			r.received(res)
			r.print(res, true)
		default:
			return
		}
	}
}

func (r *Repl) newSession(sid int) *session {
	s := &session{
		sid:  sid,
		cmds: make(chan func() result, 1),
	}
	r.sessions[sid] = s

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for fn := range s.cmds {
			r.results <- fn()
		}
	}()
	return s
}

func (r *Repl) dispatch(s *session, cmd command, args []string) {
	if s.pending > 0 {
		r.printf("repl: session %d: busy; try wait\n", s.sid)
		return
	}

	r.seq += 1
	seq := r.seq
	s.pending += 1
	s.cmds <- func() result {
		out, err := cmd.session(r.ctx, r, s, args)
		return result{sid: s.sid, seq: seq, out: out, err: err}
	}

	t := time.NewTimer(r.BlockWait)
	defer t.Stop()

	// Results from other sessions are printed after the result of this command.
	var others []result
	for {
		select {
		case res := <-r.results:
			r.received(res)
			if res.seq != seq {
				others = append(others, res)
				continue
			}
			r.print(res, false)
		case <-t.C:
			r.printf("session %d: waiting\n", s.sid)
		}
		break
	}

	for _, res := range others {
		r.print(res, true)
	}
}

func (r *Repl) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return
	}

	name := strings.ToLower(fields[0])
	args := fields[1:]
	cmd, ok := commands[name]
	if !ok {
		r.printf("repl: unknown command: %s; try help\n", fields[0])
		return
	}
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		r.printf("repl: usage: %s %s\n", name, cmd.args)
		return
	}

	if cmd.console != nil {
		err := cmd.console(r, args)
		if err != nil {
			r.printf("%s\n", err)
		}
		return
	}
	r.dispatch(r.current, cmd, args)
}

func (r *Repl) prompt() string {
	return fmt.Sprintf("isodb[%d]> ", r.current.sid)
}

// Run reads and executes commands until lr is exhausted or quit. When it returns, every
// session has been stopped and its transaction aborted.
func (r *Repl) Run(ctx context.Context, lr LineReader) error {
	if r.DefaultLevel == 0 {
		r.DefaultLevel = engine.ReadCommitted
	}
	if r.BlockWait <= 0 {
		r.BlockWait = DefaultBlockWait
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.sessions = map[int]*session{}
	r.results = make(chan result, 16)
	r.current = r.newSession(1)

	var err error
	for !r.quit {
		r.drain()

		var line string
		line, err = lr.ReadLine(r.prompt())
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			break
		}
		r.execute(line)
	}

	r.stop()
	return err
}

func (r *Repl) stop() {
	r.cancel()
	for _, s := range r.sessions {
		s := s
		s.cmds <- func() result {
			if s.tx != nil && s.tx.State() == engine.Active {
				err := s.tx.Abort()
				if err != nil {
					log.WithField("session", s.sid).WithError(err).Error("abort")
				}
			}
			return result{sid: s.sid}
		}
		close(s.cmds)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	for {
		select {
		case res := <-r.results:
			if res.seq != 0 {
				r.print(res, true)
			}
		case <-done:
			return
		}
	}
}

func parseID(s string) (record.ID, error) {
	id, err := record.ParseID(s)
	if err != nil {
		return 0, fmt.Errorf("repl: %s", err)
	}
	return id, nil
}

func parseValue(s string) (int64, error) {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repl: bad value: %s", s)
	}
	return val, nil
}

var errNoTransaction = errors.New("repl: no transaction; use begin")

func (s *session) activeTx() (*engine.Transaction, error) {
	if s.tx == nil || s.tx.State() != engine.Active {
		return nil, errNoTransaction
	}
	return s.tx, nil
}

func beginCmd(ctx context.Context, r *Repl, s *session, args []string) (string, error) {
	if s.tx != nil && s.tx.State() == engine.Active {
		return "", fmt.Errorf("repl: session %d: %s is active", s.sid, s.tx)
	}

	level := r.DefaultLevel
	if len(args) > 0 {
		var err error
		level, err = engine.ParseIsolationLevel(args[0])
		if err != nil {
			return "", err
		}
	}
	s.tx = r.Manager.Begin(level)
	return fmt.Sprintf("begin %s %s\n", s.tx, level), nil
}

func readCmd(ctx context.Context, r *Repl, s *session, args []string) (string, error) {
	tx, err := s.activeTx()
	if err != nil {
		return "", err
	}
	id, err := parseID(args[0])
	if err != nil {
		return "", err
	}
	val, err := tx.Read(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %d\n", id, val), nil
}

func readForUpdateCmd(ctx context.Context, r *Repl, s *session, args []string) (string,
	error) {

	tx, err := s.activeTx()
	if err != nil {
		return "", err
	}
	id, err := parseID(args[0])
	if err != nil {
		return "", err
	}
	val, err := tx.ReadForUpdate(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %d\n", id, val), nil
}

func writeCmd(ctx context.Context, r *Repl, s *session, args []string) (string, error) {
	tx, err := s.activeTx()
	if err != nil {
		return "", err
	}
	id, err := parseID(args[0])
	if err != nil {
		return "", err
	}
	val, err := parseValue(args[1])
	if err != nil {
		return "", err
	}
	err = tx.Write(ctx, id, val)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %s\n", id), nil
}

func deleteCmd(ctx context.Context, r *Repl, s *session, args []string) (string, error) {
	tx, err := s.activeTx()
	if err != nil {
		return "", err
	}
	id, err := parseID(args[0])
	if err != nil {
		return "", err
	}
	err = tx.Delete(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted %s\n", id), nil
}

func renderTable(header []string, rows [][]string) string {
	var buf bytes.Buffer
	tw := tablewriter.NewWriter(&buf)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader(header)
	tw.AppendBulk(rows)
	tw.Render()
	fmt.Fprintf(&buf, "(%d rows)\n", len(rows))
	return buf.String()
}

func listCmd(ctx context.Context, r *Repl, s *session, args []string) (string, error) {
	tx, err := s.activeTx()
	if err != nil {
		return "", err
	}

	var pred engine.Predicate
	if len(args) > 0 {
		val, err := parseValue(args[0])
		if err != nil {
			return "", err
		}
		pred = engine.ValueEquals(val)
	}

	rows, err := tx.ListAll(pred)
	if err != nil {
		return "", err
	}
	recs, err := rows.All(ctx)
	if err != nil {
		return "", err
	}

	var tbl [][]string
	for _, rec := range recs {
		tbl = append(tbl, []string{rec.ID.String(), strconv.FormatInt(rec.Value, 10)})
	}
	return renderTable([]string{"id", "value"}, tbl), nil
}

func commitCmd(ctx context.Context, r *Repl, s *session, args []string) (string, error) {
	tx, err := s.activeTx()
	if err != nil {
		return "", err
	}
	err = tx.Commit(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("committed %s\n", tx), nil
}

func abortCmd(ctx context.Context, r *Repl, s *session, args []string) (string, error) {
	tx, err := s.activeTx()
	if err != nil {
		return "", err
	}
	err = tx.Abort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("aborted %s\n", tx), nil
}

func createCmd(r *Repl, args []string) error {
	val, err := parseValue(args[0])
	if err != nil {
		return err
	}
	id, err := r.Manager.Create(val)
	if err != nil {
		return err
	}
	r.printf("created %s\n", id)
	return nil
}

func sessionCmd(r *Repl, args []string) error {
	sid, err := strconv.Atoi(args[0])
	if err != nil || sid <= 0 {
		return fmt.Errorf("repl: bad session: %s", args[0])
	}
	s, ok := r.sessions[sid]
	if !ok {
		s = r.newSession(sid)
	}
	r.current = s
	return nil
}

func (r *Repl) sortedSessions() []*session {
	var ss []*session
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	sort.Slice(ss, func(i, j int) bool {
		return ss[i].sid < ss[j].sid
	})
	return ss
}

func sessionsCmd(r *Repl, args []string) error {
	var tbl [][]string
	for _, s := range r.sortedSessions() {
		row := []string{strconv.Itoa(s.sid), "", "", strconv.Itoa(s.pending)}
		// tx is only read here while nothing is running in the session.
		if s.pending == 0 && s.tx != nil {
			row[1] = s.tx.String()
			row[2] = s.tx.State().String()
		}
		tbl = append(tbl, row)
	}
	r.printf("%s", renderTable([]string{"session", "transaction", "state", "running"}, tbl))
	return nil
}

func waitCmd(r *Repl, args []string) error {
	for {
		pending := false
		for _, s := range r.sessions {
			if s.pending > 0 {
				pending = true
				break
			}
		}
		if !pending {
			return nil
		}

		res := <-r.results
		r.received(res)
		r.print(res, true)
	}
}

func locksCmd(r *Repl, args []string) error {
	var tbl [][]string
	for _, lk := range r.Manager.Locks() {
		place := ""
		if lk.Place > 0 {
			place = strconv.Itoa(lk.Place)
		}
		tbl = append(tbl, []string{lk.Key, lk.Locker, lk.Mode.String(), place})
	}
	r.printf("%s", renderTable([]string{"id", "transaction", "mode", "place"}, tbl))
	return nil
}

func transactionsCmd(r *Repl, args []string) error {
	var tbl [][]string
	for _, ts := range r.Manager.Transactions() {
		tbl = append(tbl, []string{
			strconv.FormatUint(ts.TID, 10),
			ts.Level.String(),
			strconv.Itoa(ts.Locks),
			strconv.FormatBool(ts.Waiting),
			strconv.Itoa(ts.Snapshots),
		})
	}
	r.printf("%s", renderTable([]string{"tid", "level", "locks", "waiting", "snapshots"},
		tbl))
	return nil
}

func historyCmd(r *Repl, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	hist, err := r.Manager.Store().History(id)
	if err != nil {
		return err
	}

	var tbl [][]string
	for _, ver := range hist {
		tbl = append(tbl, []string{
			strconv.FormatUint(ver.Version, 10),
			strconv.FormatInt(ver.Value, 10),
		})
	}
	r.printf("%s", renderTable([]string{"version", "value"}, tbl))
	return nil
}

func statsCmd(r *Repl, args []string) error {
	st := r.Manager.Stats()
	r.printf("begun %d, committed %d, aborted %d, active %d\n", st.Begun, st.Committed,
		st.Aborted, st.Active)
	return nil
}

func helpCmd(r *Repl, args []string) error {
	var names []string
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := commands[name]
		r.printf("  %-28s %s\n", strings.TrimSpace(name+" "+cmd.args), cmd.help)
	}
	return nil
}

func quitCmd(r *Repl, args []string) error {
	r.quit = true
	return nil
}
