package server

import (
	"context"
	"errors"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrServerClosed = errors.New("server: closed")

// Client is one connected console: it reads lines, with a prompt, and writes output.
type Client struct {
	User     string
	Type     string
	Addr     string
	readLine func(prompt string) (string, error)
	writer   io.Writer
}

func (c *Client) ReadLine(prompt string) (string, error) {
	return c.readLine(prompt)
}

func (c *Client) Write(b []byte) (int, error) {
	return c.writer.Write(b)
}

type Handler func(ctx context.Context, c *Client)

type listener interface {
	Close() error
	Shutdown(ctx context.Context) error
}

type Server struct {
	Handler Handler

	mutex     sync.Mutex
	listeners []listener
}

func (svr *Server) addListener(l listener) {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()

	svr.listeners = append(svr.listeners, l)
}

func (svr *Server) handle(c *Client) {
	entry := log.WithFields(log.Fields{
		"user": c.User,
		"type": c.Type,
		"addr": c.Addr,
	})
	entry.Info("client connected")
	svr.Handler(context.Background(), c)
	entry.Info("client done")
}

// Close immediately closes every listener and connection.
func (svr *Server) Close() error {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()

	var err error
	for _, l := range svr.listeners {
		lerr := l.Close()
		if err == nil {
			err = lerr
		}
	}
	return err
}

// Shutdown stops listening and waits for the connected clients to finish, or for ctx to be
// done.
func (svr *Server) Shutdown(ctx context.Context) error {
	svr.mutex.Lock()
	listeners := svr.listeners
	svr.mutex.Unlock()

	var err error
	for _, l := range listeners {
		lerr := l.Shutdown(ctx)
		if err == nil {
			err = lerr
		}
	}
	return err
}
