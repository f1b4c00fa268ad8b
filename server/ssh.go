package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/terminal"
)

type SSHConfig struct {
	Address         string
	HostKeysBytes   [][]byte
	AuthorizedBytes []byte
	CheckPassword   func(user, password string) error
	Banner          string
}

func parseAuthorizedKeys(b []byte) (map[string]struct{}, error) {
	keys := map[string]struct{}{}
	for len(b) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(b)
		if err != nil {
			return nil, err
		}
		keys[string(key.Marshal())] = struct{}{}
		b = rest
	}
	return keys, nil
}

func logAuth(md ssh.ConnMetadata, method string, err error) {
	if method == "none" {
		return
	}
	entry := log.WithFields(log.Fields{
		"user":   md.User(),
		"addr":   md.RemoteAddr().String(),
		"method": method,
	})
	if err != nil {
		entry.WithError(err).Error("ssh authentication failed")
	} else {
		entry.Info("ssh authenticated")
	}
}

// serverConfig allows password and public key authentication as configured; with neither,
// any client is accepted.
func serverConfig(sshCfg SSHConfig) (*ssh.ServerConfig, error) {
	cfg := &ssh.ServerConfig{AuthLogCallback: logAuth}
	if sshCfg.Banner != "" {
		cfg.BannerCallback = func(ssh.ConnMetadata) string {
			return sshCfg.Banner
		}
	}

	for _, b := range sshCfg.HostKeysBytes {
		key, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("server: ssh host key: %w", err)
		}
		cfg.AddHostKey(key)
	}

	keys, err := parseAuthorizedKeys(sshCfg.AuthorizedBytes)
	if err != nil {
		return nil, fmt.Errorf("server: ssh authorized keys: %w", err)
	}
	if len(keys) > 0 {
		cfg.PublicKeyCallback =
			func(md ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
				if _, ok := keys[string(key.Marshal())]; !ok {
					return nil, fmt.Errorf("unknown public key for %s", md.User())
				}
				return nil, nil
			}
	}
	if sshCfg.CheckPassword != nil {
		cfg.PasswordCallback =
			func(md ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
				return nil, sshCfg.CheckPassword(md.User(), string(pass))
			}
	}
	cfg.NoClientAuth = cfg.PublicKeyCallback == nil && cfg.PasswordCallback == nil

	log.WithFields(log.Fields{
		"password":   cfg.PasswordCallback != nil,
		"public-key": cfg.PublicKeyCallback != nil,
	}).Info("ssh client auth")
	return cfg, nil
}

// sshListener accepts ssh connections and keeps track of them until they are done.
type sshListener struct {
	net.Listener
	cfg *ssh.ServerConfig
	wg  sync.WaitGroup

	mutex   sync.Mutex
	conns   map[*ssh.ServerConn]struct{}
	closing bool
}

func (svr *Server) ListenAndServeSSH(sshCfg SSHConfig) error {
	cfg, err := serverConfig(sshCfg)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", sshCfg.Address)
	if err != nil {
		return err
	}

	sl := &sshListener{
		Listener: l,
		cfg:      cfg,
		conns:    map[*ssh.ServerConn]struct{}{},
	}
	svr.addListener(sl)

	for {
		tcp, err := sl.Accept()
		if err != nil {
			if sl.isClosing() {
				return ErrServerClosed
			}
			log.WithError(err).Error("ssh accept")
			return err
		}
		go sl.serveConn(tcp, svr)
	}
}

func (sl *sshListener) isClosing() bool {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	return sl.closing
}

// track adds conn to the open connections, unless the listener is closing.
func (sl *sshListener) track(conn *ssh.ServerConn) bool {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if sl.closing {
		return false
	}
	sl.conns[conn] = struct{}{}
	sl.wg.Add(1)
	return true
}

func (sl *sshListener) untrack(conn *ssh.ServerConn) {
	sl.mutex.Lock()
	delete(sl.conns, conn)
	sl.mutex.Unlock()

	sl.wg.Done()
}

func (sl *sshListener) serveConn(tcp net.Conn, svr *Server) {
	conn, chans, reqs, err := ssh.NewServerConn(tcp, sl.cfg)
	if err != nil {
		log.WithError(err).Error("ssh handshake")
		return
	}
	defer conn.Close()

	if !sl.track(conn) {
		return
	}
	defer sl.untrack(conn)

	entry := log.WithFields(log.Fields{
		"user": conn.User(),
		"addr": conn.RemoteAddr().String(),
	})
	entry.Info("ssh connected")

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for nch := range chans {
		wg.Add(1)
		go func(nch ssh.NewChannel) {
			defer wg.Done()
			handleChannel(conn, nch, svr, entry)
		}(nch)
	}
	wg.Wait()
	entry.Info("ssh disconnected")
}

func handleChannel(conn *ssh.ServerConn, nch ssh.NewChannel, svr *Server, entry *log.Entry) {
	typ := nch.ChannelType()
	if typ != "session" {
		nch.Reject(ssh.UnknownChannelType, typ)
		entry.WithField("channel-type", typ).Error("unknown channel type")
		return
	}

	ch, reqs, err := nch.Accept()
	if err != nil {
		entry.WithError(err).Error("ssh channel accept")
		return
	}
	defer ch.Close()

	t := terminal.NewTerminal(ch, "")
	go func() {
		for req := range reqs {
			entry.WithField("request-type", req.Type).Debug("channel request")
			if req.Type == "pty-req" || req.Type == "window-change" {
				if w, h, ok := windowSize(req.Type, req.Payload); ok {
					t.SetSize(w, h)
				}
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	svr.handle(&Client{
		User: conn.User(),
		Type: "ssh",
		Addr: conn.RemoteAddr().String(),
		readLine: func(prompt string) (string, error) {
			t.SetPrompt(prompt)
			return t.ReadLine()
		},
		writer: t,
	})
}

// windowSize decodes the terminal width and height from a pty-req or window-change request.
func windowSize(typ string, payload []byte) (int, int, bool) {
	if typ == "pty-req" {
		// string TERM, then the dimensions
		if len(payload) < 4 {
			return 0, 0, false
		}
		n := int(binary.BigEndian.Uint32(payload))
		if len(payload) < 4+n {
			return 0, 0, false
		}
		payload = payload[4+n:]
	}
	if len(payload) < 8 {
		return 0, 0, false
	}
	w := int(binary.BigEndian.Uint32(payload))
	h := int(binary.BigEndian.Uint32(payload[4:]))
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// stopListening closes the listener the first time it is called.
func (sl *sshListener) stopListening() error {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if sl.closing {
		return nil
	}
	sl.closing = true
	return sl.Listener.Close()
}

// Close stops listening and closes every open connection.
func (sl *sshListener) Close() error {
	err := sl.stopListening()

	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	for conn := range sl.conns {
		conn.Close()
	}
	return err
}

// Shutdown stops listening and waits for the open connections to be done, or for ctx to be
// done.
func (sl *sshListener) Shutdown(ctx context.Context) error {
	err := sl.stopListening()

	done := make(chan struct{})
	go func() {
		sl.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		log.WithError(ctx.Err()).Info("ssh shutdown: connections still open")
		return ctx.Err()
	}
}
