package testutil

import (
	"flag"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	logFile   = ""
	logLevel  = "info"
	logStderr = false

	setupOnce sync.Once
)

func init() {
	flag.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	flag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&logStderr, "log-stderr", logStderr, "log to standard error")
}

// SetupLogger directs logging to file, unless overridden by the -log-file or -log-stderr test
// flags, and returns the standard logger. Only the first call in a test binary has any effect.
func SetupLogger(file string) *log.Logger {
	setupOnce.Do(
		func() {
			log.SetFormatter(&log.TextFormatter{
				DisableLevelTruncation: true,
			})

			if !logStderr {
				if logFile != "" {
					file = logFile
				}

				w, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
				if err != nil {
					panic(err)
				}
				fmt.Fprintln(w)
				log.SetOutput(w)
			}

			ll, err := log.ParseLevel(logLevel)
			if err != nil {
				panic(err)
			}
			log.SetLevel(ll)

			log.WithField("pid", os.Getpid()).Info("tests starting")
		})
	return log.StandardLogger()
}
