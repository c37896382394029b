package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxFrameBytes = 64 << 20

// Watcher is a push-notification connection scoped to one client id.
type Watcher struct {
	conn     *websocket.Conn
	clientID string
	log      zerolog.Logger

	// OnProgress, if set, is called for every node that starts executing.
	OnProgress func(node string)

	closeOnce sync.Once
	closeErr  error
}

// Watch opens ws://<server>/ws?clientId=<clientID>. The watcher should be
// opened before the prompt is queued so no event is missed.
func (c *Client) Watch(ctx context.Context, clientID string) (*Watcher, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "ws dial", Err: err}
	}
	conn.SetReadLimit(maxFrameBytes)
	return &Watcher{conn: conn, clientID: clientID, log: c.log}, nil
}

// Close releases the connection. Safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// Wait blocks until the server reports promptID idle (an "executing" event
// with a null node), an execution error for promptID, or ctx ends. A context
// deadline surfaces as ErrWatchTimeout. Nothing is sent to the server when
// giving up.
func (w *Watcher) Wait(ctx context.Context, promptID string) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// unblock ReadMessage
			_ = w.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		mt, b, err := w.conn.ReadMessage()
		if err != nil {
			return w.readErr(ctx, err)
		}
		if mt != websocket.TextMessage {
			// binary frames are latent previews
			continue
		}
		var msg Message
		if err := json.Unmarshal(b, &msg); err != nil {
			w.log.Debug().Err(err).Msg("comfy ws: skip undecodable frame")
			continue
		}
		done, err := w.handle(msg, promptID)
		if done || err != nil {
			return err
		}
	}
}

func (w *Watcher) handle(msg Message, promptID string) (bool, error) {
	switch msg.Type {
	case "executing":
		var d executingData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return false, nil
		}
		if !matches(d.PromptID, promptID) {
			return false, nil
		}
		if d.Node == nil {
			return true, nil
		}
		if w.OnProgress != nil {
			w.OnProgress(*d.Node)
		}
	case "execution_error":
		var d executionErrorData
		if err := json.Unmarshal(msg.Data, &d); err != nil || !matches(d.PromptID, promptID) {
			return false, nil
		}
		return true, &ExecutionError{PromptID: d.PromptID, NodeID: d.NodeID, NodeType: d.NodeType, Message: d.ExceptionMessage}
	case "execution_interrupted":
		var d executingData
		if err := json.Unmarshal(msg.Data, &d); err != nil || !matches(d.PromptID, promptID) {
			return false, nil
		}
		return true, &InterruptedError{PromptID: promptID}
	}
	return false, nil
}

// matches treats a missing prompt id on either side as a match; older
// servers omit it from executing events.
func matches(got, want string) bool {
	return got == "" || want == "" || got == want
}

func (w *Watcher) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrWatchTimeout
		}
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrWatchTimeout
	}
	return &TransportError{Op: "ws read", Err: fmt.Errorf("connection lost before completion: %w", err)}
}
