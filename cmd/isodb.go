package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/isodb/config"
	"github.com/leftmike/isodb/engine"
	"github.com/leftmike/isodb/flags"
	"github.com/leftmike/isodb/record"
	"github.com/leftmike/isodb/storage"
)

var (
	isodbCmd = &cobra.Command{
		Use:               "isodb",
		Short:             "A transactional record store",
		Long:              "Isodb is a record store with four transaction isolation levels.",
		PersistentPreRunE: isodbPreRun,
		PersistentPostRun: isodbPostRun,
		SilenceUsage:      true,
	}

	logFile   = "isodb.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "isodb.hcl"
	noConfig   = false

	store        = "memory"
	dataDir      = "testdata"
	historyLimit = record.DefaultHistoryLimit
	lockTimeout  = time.Duration(0)
	level        = engine.ReadCommitted.String()

	cfg  = config.NewConfig()
	flgs = flags.Config(cfg)
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := isodbCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	cfg.Flag(fs, "log-file")

	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	cfg.Flag(fs, "log-level")

	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	fs.StringVar(&store, "store", store, "store to use: memory, bbolt, badger, or pebble")
	cfg.Flag(fs, "store")

	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing the store")
	cfg.Flag(fs, "data")

	fs.IntVar(&historyLimit, "history-limit", historyLimit,
		"number of committed versions to keep for each record")
	cfg.Flag(fs, "history-limit")

	fs.DurationVar(&lockTimeout, "lock-timeout", lockTimeout,
		"how long to wait for a lock; 0 waits forever")
	cfg.Flag(fs, "lock-timeout")

	fs.StringVar(&level, "level", level, "default isolation `level`")
	cfg.Flag(fs, "level")
}

func Execute() error {
	return isodbCmd.Execute()
}

func isodbPreRun(cmd *cobra.Command, args []string) error {
	cfg.Visit(cmd.Flags())

	if configFile != "" && !noConfig {
		err := cfg.Load(configFile)
		if err != nil {
			// Only a config file named on the command line must exist.
			if _, serr := os.Stat(configFile); !os.IsNotExist(serr) ||
				cmd.Flags().Changed("config-file") {

				return fmt.Errorf("isodb: %s", err)
			}
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("isodb: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("isodb: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("isodb starting")
	return nil
}

func isodbPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("isodb done")

	if logWriter != nil {
		logWriter.Close()
	}
}

func defaultLevel() (engine.IsolationLevel, error) {
	il, err := engine.ParseIsolationLevel(level)
	if err != nil {
		return 0, fmt.Errorf("isodb: %s", err)
	}
	return il, nil
}

// newManager opens the configured store; the caller must close the returned store.
func newManager() (*engine.Manager, *record.Store, error) {
	p, err := storage.Open(store, dataDir, log.StandardLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("isodb: %s", err)
	}
	st, err := record.NewStore(p, historyLimit)
	if err != nil {
		if p != nil {
			p.Close()
		}
		return nil, nil, fmt.Errorf("isodb: %s", err)
	}

	mgr := engine.NewManager(st, engine.Config{LockTimeout: lockTimeout})
	if flgs.GetFlag(flags.LogCommits) {
		mgr.OnCommit(engine.LogCommit)
	}

	log.WithFields(log.Fields{
		"store":        store,
		"data":         dataDir,
		"lock-timeout": lockTimeout,
	}).Info("store opened")
	return mgr, st, nil
}
