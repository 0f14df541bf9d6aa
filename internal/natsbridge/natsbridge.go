// Package natsbridge exposes the method channel and the event stream over NATS.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/channel"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

type Config struct {
	URL     string
	Name    string
	Prefix  string
	Timeout time.Duration
}

// publisher is the subset of *nats.Conn the event sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge serves method calls on <prefix>.methods.<method> and publishes events
// on <prefix>.events.<event>.
type Bridge struct {
	conn    *nats.Conn
	pub     publisher
	prefix  string
	timeout time.Duration
	log     *zap.Logger
	sub     *nats.Subscription
	closed  atomic.Bool
}

var _ sdk.Sink = (*Bridge)(nil)

func Connect(cfg Config, log *zap.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b := newBridge(conn, cfg, log)
	b.conn = conn
	return b, nil
}

func newBridge(pub publisher, cfg Config, log *zap.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.Prefix, ".")
	if prefix == "" {
		prefix = "rtc"
	}
	return &Bridge{pub: pub, prefix: prefix, timeout: cfg.Timeout, log: log}
}

func MethodSubject(prefix, method string) string { return prefix + ".methods." + method }
func EventSubject(prefix, event string) string   { return prefix + ".events." + event }

// ServeMethods subscribes to every method subject. NATS delivers a
// subscription's messages one at a time, so calls are answered in order.
func (b *Bridge) ServeMethods(h channel.Handler) error {
	sub, err := b.conn.Subscribe(MethodSubject(b.prefix, ">"), func(m *nats.Msg) {
		reply := b.handle(context.Background(), h, m.Subject, m.Data)
		if m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			b.log.Warn("nats respond", zap.String("subject", m.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	b.log.Info("nats method channel ready", zap.String("subject", sub.Subject))
	return nil
}

// handle turns one request into an encoded MethodResult. The payload is either
// a full MethodCall or a bare argument object.
func (b *Bridge) handle(ctx context.Context, h channel.Handler, subject string, data []byte) []byte {
	method := strings.TrimPrefix(subject, b.prefix+".methods.")
	call := channel.MethodCall{Method: method}
	if len(data) > 0 {
		var env struct {
			ID        string         `json:"id"`
			Arguments map[string]any `json:"arguments"`
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return encode(channel.MethodResult{Error: &channel.MethodError{Code: "malformed", Message: "payload must be a JSON object"}})
		}
		if _, ok := raw["arguments"]; ok {
			_ = json.Unmarshal(data, &env)
			call.ID, call.Arguments = env.ID, env.Arguments
		} else {
			call.Arguments = raw
		}
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return encode(channel.Invoke(ctx, h, call))
}

func encode(res channel.MethodResult) []byte {
	out, err := json.Marshal(res)
	if err != nil {
		out, _ = json.Marshal(channel.MethodResult{ID: res.ID, Error: &channel.MethodError{Code: "internal", Message: err.Error()}})
	}
	return out
}

// Publish sends the flat event payload. Failures are logged, not returned.
func (b *Bridge) Publish(ev sdk.Event) {
	if b.closed.Load() {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("encode event", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	if err := b.pub.Publish(EventSubject(b.prefix, ev.Name), data); err != nil {
		b.log.Debug("nats publish", zap.String("event", ev.Name), zap.Error(err))
	}
}

// Close drains the connection so in-flight replies are sent.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
