// Package session streams directory change events to one websocket client.
//
// A Handler runs three loops against the same connection: a heartbeat that
// pings every interval, a forwarder that writes each fanout message as a text
// frame, and a reader that drains client frames so control frames get
// processed. Writes are serialized by a mutex. The first loop to fail cancels
// the others and closes the connection; Serve returns only after all of them
// have exited.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"darwinbox/api/internal/changes"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

var (
	// ErrSessionIO means the client connection failed or the peer went away.
	ErrSessionIO = errors.New("session io failure")
	// ErrFeedClosed means the change bridge stopped delivering events.
	ErrFeedClosed = errors.New("change feed closed")
)

// Conn is the subset of *websocket.Conn a session writes to and reads from.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Subscription is a fanout read handle owned by the session.
type Subscription interface {
	Recv(ctx context.Context) (string, error)
	Close()
}

type Options struct {
	ID                string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

type Handler struct {
	id           string
	conn         Conn
	sub          Subscription
	heartbeat    time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func New(conn Conn, sub Subscription, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Handler{
		id:           opts.ID,
		conn:         conn,
		sub:          sub,
		heartbeat:    opts.HeartbeatInterval,
		writeTimeout: opts.WriteTimeout,
	}
}

// Serve blocks until the client disconnects, a write fails, the feed closes
// or ctx is done. The connection and the subscription are closed on return.
func (h *Handler) Serve(ctx context.Context) error {
	defer h.sub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.heartbeatLoop(gctx) })
	g.Go(func() error { return h.forwardLoop(gctx) })
	g.Go(func() error { return h.readLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = h.conn.Close()
		return nil
	})

	err := g.Wait()
	switch {
	case errors.Is(err, ErrSessionIO):
		log.Printf("session %s: client gone: %v", h.id, err)
	case errors.Is(err, ErrFeedClosed):
		log.Printf("session %s: change feed closed", h.id)
	}
	return err
}

func (h *Handler) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.writePing(); err != nil {
				return stopped(ctx, err)
			}
		}
	}
}

func (h *Handler) forwardLoop(ctx context.Context) error {
	for {
		payload, err := h.sub.Recv(ctx)
		if err != nil {
			var lag *changes.LagError
			switch {
			case errors.As(err, &lag):
				log.Printf("session %s: lagging, %d events skipped", h.id, lag.Skipped)
				continue
			case errors.Is(err, changes.ErrClosed):
				return ErrFeedClosed
			default:
				return err
			}
		}
		if err := h.writeText(payload); err != nil {
			return stopped(ctx, err)
		}
	}
}

// readLoop discards client frames. It ends when the connection is closed,
// either by the peer or by Serve.
func (h *Handler) readLoop(ctx context.Context) error {
	for {
		if _, _, err := h.conn.ReadMessage(); err != nil {
			return stopped(ctx, fmt.Errorf("%w: read: %v", ErrSessionIO, err))
		}
	}
}

// stopped prefers the cancellation cause once the session is shutting down,
// so closing the connection from Serve is not reported as a client failure.
func stopped(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (h *Handler) writePing() error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrSessionIO, err)
	}
	return nil
}

func (h *Handler) writeText(payload string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", ErrSessionIO, err)
	}
	if err := h.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("%w: write event: %v", ErrSessionIO, err)
	}
	return nil
}
