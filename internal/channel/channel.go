// Package channel implements the method channel (request/response) and the
// message channel (event push) over WebSocket.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/dispatcher"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// MethodCall is one invocation sent by the host.
type MethodCall struct {
	ID        string         `json:"id,omitempty"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// MethodError is the failure half of a MethodResult.
type MethodError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MethodResult answers a MethodCall. Exactly one of Result, Error or
// NotImplemented is meaningful.
type MethodResult struct {
	ID             string       `json:"id,omitempty"`
	Result         any          `json:"result"`
	Error          *MethodError `json:"error,omitempty"`
	NotImplemented bool         `json:"notImplemented,omitempty"`
}

// Handler executes a method call; *dispatcher.Dispatcher satisfies it.
type Handler interface {
	Handle(ctx context.Context, method string, args map[string]any) (any, error)
}

// Invoke runs call through h and shapes the answer.
func Invoke(ctx context.Context, h Handler, call MethodCall) MethodResult {
	res, err := h.Handle(ctx, call.Method, call.Arguments)
	return NewResult(call.ID, res, err)
}

func NewResult(id string, res any, err error) MethodResult {
	if err == nil {
		return MethodResult{ID: id, Result: res}
	}
	if errors.Is(err, dispatcher.ErrNotImplemented) {
		return MethodResult{ID: id, NotImplemented: true}
	}
	return MethodResult{ID: id, Error: &MethodError{Code: dispatcher.Code(err), Message: err.Error()}}
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxCallSize  = 64 << 10
)

// Serve runs a method channel session: calls are handled one at a time and
// answered in arrival order. It returns when the peer goes away or ctx ends.
func Serve(ctx context.Context, conn *websocket.Conn, h Handler, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(maxCallSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}
	go keepalive(ctx, conn, &wmu)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var call MethodCall
		if err := json.Unmarshal(data, &call); err != nil || call.Method == "" {
			log.Debug("malformed method call", zap.Error(err))
			if err := write(MethodResult{Error: &MethodError{Code: "malformed", Message: "expected {id, method, arguments}"}}); err != nil {
				return err
			}
			continue
		}
		if err := write(Invoke(ctx, h, call)); err != nil {
			return err
		}
	}
}

func keepalive(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Push streams bus events to the peer until the peer disconnects or ctx ends.
// Each frame is the flat event payload.
func Push(ctx context.Context, conn *websocket.Conn, bus sdk.Bus, log *zap.Logger) {
	ch := bus.Subscribe()
	done := make(chan struct{})

	go func() {
		ping := time.NewTicker(pingInterval)
		defer func() {
			ping.Stop()
			bus.Unsubscribe(ch)
			_ = conn.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev.Payload()); err != nil {
					log.Debug("ws write error", zap.Error(err))
					return
				}
			}
		}
	}()

	// reader only watches for the peer going away
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(done)
			return
		}
	}
}
