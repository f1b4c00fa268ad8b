package repl

import (
	"context"
	"fmt"
	"os"

	"github.com/peterh/liner"

	"github.com/leftmike/isodb/engine"
)

const (
	isodbHistory = ".isodb_history"
)

type lineReader struct {
	line *liner.State
}

func (lr lineReader) ReadLine(prompt string) (string, error) {
	for {
		s, err := lr.line.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			continue
		} else if err != nil {
			return "", err
		}
		lr.line.AppendHistory(s)
		return s, nil
	}
}

// Interact runs a console on the terminal, keeping the command history in a file in the
// current directory.
func Interact(ctx context.Context, mgr *engine.Manager, level engine.IsolationLevel) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(isodbHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	r := &Repl{
		Manager:      mgr,
		Output:       os.Stdout,
		DefaultLevel: level,
	}
	err := r.Run(ctx, lineReader{line})

	if f, err := os.Create(isodbHistory); err != nil {
		fmt.Fprintf(os.Stderr, "isodb: error writing history file, %s: %s\n", isodbHistory, err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
	return err
}
