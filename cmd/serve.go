package cmd

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/isodb/engine"
	"github.com/leftmike/isodb/repl"
	"github.com/leftmike/isodb/server"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve consoles over SSH; every console shares one store",
		RunE:  serveRun,
	}

	sshPort         = "localhost:8241"
	hostKeys        = []string{}
	authorizedKeys  = ""
	sshPassword     = ""
	shutdownTimeout = 10 * time.Second
)

func init() {
	fs := serveCmd.Flags()

	fs.StringVar(&sshPort, "ssh-port", sshPort, "`address` used to serve SSH")
	cfg.Flag(fs, "ssh-port")

	fs.StringSliceVar(&hostKeys, "ssh-host-key", hostKeys,
		"`file` containing a ssh host key; multiple allowed")
	cfg.Flag(fs, "ssh-host-key")

	fs.StringVar(&authorizedKeys, "ssh-authorized-keys", authorizedKeys,
		"`file` containing authorized ssh keys")
	cfg.Flag(fs, "ssh-authorized-keys")

	fs.StringVar(&sshPassword, "ssh-password", sshPassword,
		"`password` which any user may use to connect")
	cfg.Flag(fs, "ssh-password")

	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout,
		"how long to wait for consoles to finish when shutting down")
	cfg.Flag(fs, "shutdown-timeout")

	isodbCmd.AddCommand(serveCmd)
}

func sshConfig() (server.SSHConfig, error) {
	sshCfg := server.SSHConfig{
		Address: sshPort,
		Banner:  Version + "\n",
	}

	for _, hostKey := range hostKeys {
		keyBytes, err := ioutil.ReadFile(hostKey)
		if err != nil {
			return sshCfg, fmt.Errorf("isodb: host keys: %s", err)
		}
		sshCfg.HostKeysBytes = append(sshCfg.HostKeysBytes, keyBytes)
	}
	if len(sshCfg.HostKeysBytes) == 0 {
		return sshCfg, fmt.Errorf("isodb: at least one ssh host key is required")
	}

	if authorizedKeys != "" {
		var err error
		sshCfg.AuthorizedBytes, err = ioutil.ReadFile(authorizedKeys)
		if err != nil {
			return sshCfg, fmt.Errorf("isodb: authorized keys: %s", err)
		}
	}

	if sshPassword != "" {
		password := sshPassword
		sshCfg.CheckPassword = func(user, pw string) error {
			if pw != password {
				return fmt.Errorf("bad password for user %s", user)
			}
			return nil
		}
	}
	return sshCfg, nil
}

func consoleHandler(mgr *engine.Manager, il engine.IsolationLevel) server.Handler {
	return func(ctx context.Context, c *server.Client) {
		r := &repl.Repl{
			Manager:      mgr,
			Output:       c,
			DefaultLevel: il,
		}
		err := r.Run(ctx, c)
		if err != nil {
			log.WithFields(log.Fields{
				"user": c.User,
				"addr": c.Addr,
			}).WithError(err).Error("console")
		}
	}
}

func serveRun(cmd *cobra.Command, args []string) error {
	il, err := defaultLevel()
	if err != nil {
		return err
	}
	sshCfg, err := sshConfig()
	if err != nil {
		return err
	}
	mgr, st, err := newManager()
	if err != nil {
		return err
	}
	defer st.Close()

	svr := server.Server{
		Handler: consoleHandler(mgr, il),
	}
	go func() {
		err := svr.ListenAndServeSSH(sshCfg)
		if err != server.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "isodb: %s\n", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	fmt.Printf("isodb: serving ssh on %s; waiting for ^C to shutdown\n", sshPort)
	<-ch
	go func() {
		<-ch
		os.Exit(0)
	}()

	fmt.Println("isodb: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svr.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown")
		return svr.Close()
	}
	return nil
}
