// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package amqp serves MCP over RabbitMQ: a durable request queue with
// reply-to/correlation-id request-reply, and a topic exchange fanning
// out server notifications.
package amqp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/mcp/engine"
	"github.com/infrascope/infrascope/pkg/session"
	"github.com/infrascope/infrascope/pkg/transport"
)

const (
	// sessionHeader carries the session id in AMQP message headers.
	sessionHeader = "session-id"

	prefetchCount = 32
)

// Options configures the AMQP transport.
type Options struct {
	// URL is the broker connection string (amqp://...).
	URL string

	// QueuePrefix names the request queue: "<prefix>.requests".
	QueuePrefix string

	// NotificationExchange is the durable topic exchange notifications
	// are published to, with keys like "notifications.tools.list_changed".
	NotificationExchange string

	// ResponseTimeout caps how long a request may take before the
	// transport replies with a server error.
	ResponseTimeout time.Duration
}

// Transport is the AMQP adapter.
type Transport struct {
	eng  *engine.Engine
	bc   *transport.Broadcaster
	opts Options

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel

	// binds pins each AMQP-created session to the reply queue that
	// initialized it. A delivery naming another session's id from a
	// different reply queue is treated as unknown.
	binds sync.Map // session id -> reply-to queue

	cancel          context.CancelFunc
	done            chan struct{}
	detachBroadcast func()
}

// New returns an AMQP transport; Start connects and begins consuming.
func New(eng *engine.Engine, bc *transport.Broadcaster, opts Options) *Transport {
	return &Transport{eng: eng, bc: bc, opts: opts, done: make(chan struct{})}
}

// Mode implements transport.Transport.
func (t *Transport) Mode() string { return "amqp" }

// requestQueue returns the durable request queue name.
func (t *Transport) requestQueue() string {
	return t.opts.QueuePrefix + ".requests"
}

// Start launches the connect/consume loop. Broker outages trigger
// reconnection with exponential backoff for the life of ctx.
func (t *Transport) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	// One broadcast sink for the whole transport: each server-wide
	// notification becomes exactly one message on the topic exchange.
	t.detachBroadcast = t.bc.AttachBroadcast(func(note jsonrpc2.Message) {
		t.publishNotification(note)
	})

	go func() {
		defer close(t.done)
		t.run(ctx)
	}()
	return nil
}

// Shutdown closes the broker connection and waits for the loop to exit.
func (t *Transport) Shutdown(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.detachBroadcast != nil {
		t.detachBroadcast()
	}
	t.mu.Lock()
	if t.conn != nil && !t.conn.IsClosed() {
		_ = t.conn.Close()
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorw("AMQP connect gave up", "error", err)
			}
			return
		}

		closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
		if err := t.consume(ctx, conn); err != nil {
			logger.Errorw("AMQP consumer setup failed", "error", err)
			_ = conn.Close()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case amqpErr := <-closed:
			if amqpErr != nil {
				logger.Warnw("AMQP connection lost, reconnecting", "error", amqpErr)
			}
		}
	}
}

// connect dials the broker with exponential backoff.
func (t *Transport) connect(ctx context.Context) (*amqp091.Connection, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxInterval = 30 * time.Second

	conn, err := backoff.Retry(ctx, func() (*amqp091.Connection, error) {
		c, err := amqp091.Dial(t.opts.URL)
		if err != nil {
			return nil, fmt.Errorf("dialing broker: %w", err)
		}
		return c, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnw("AMQP dial failed, retrying", "error", err, "wait", wait)
		}),
	)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

// consume declares the topology and starts the delivery loop.
func (t *Transport) consume(ctx context.Context, conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}

	if _, err := ch.QueueDeclare(t.requestQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring request queue: %w", err)
	}
	if err := ch.ExchangeDeclare(t.opts.NotificationExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring notification exchange: %w", err)
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}

	deliveries, err := ch.Consume(t.requestQueue(), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	t.mu.Lock()
	t.ch = ch
	t.mu.Unlock()

	logger.Infow("AMQP transport consuming",
		"queue", t.requestQueue(), "exchange", t.opts.NotificationExchange)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				t.handleDelivery(ctx, d)
			}
		}
	}()
	return nil
}

func (t *Transport) handleDelivery(ctx context.Context, d amqp091.Delivery) {
	msg, err := jsonrpc2.DecodeMessage(d.Body)
	if err != nil {
		t.reply(d, &jsonrpc2.Response{
			Error: jsonrpc2.NewError(mcp.CodeParseError, fmt.Sprintf("parse error: %v", err)),
		}, "")
		_ = d.Ack(false)
		return
	}

	sess, created := t.resolveSession(d, msg)
	req, isRequest := msg.(*jsonrpc2.Request)
	if !isRequest {
		// Client-sent responses have no routing target.
		_ = d.Ack(false)
		return
	}
	if sess == nil {
		// Unknown or expired session and not an initialize. Calls get a
		// session error; notifications are dropped.
		if req.IsCall() {
			t.reply(d, &jsonrpc2.Response{
				ID:    req.ID,
				Error: jsonrpc2.NewError(mcp.CodeServerError, "unknown or expired session (sessionState=closed); send initialize first"),
			}, "")
		}
		_ = d.Ack(false)
		return
	}
	if !req.IsCall() {
		t.eng.HandleAsync(context.WithoutCancel(ctx), sess, msg, nil)
		_ = d.Ack(false)
		return
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if t.opts.ResponseTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, t.opts.ResponseTimeout)
	}

	replies := make(chan jsonrpc2.Message, 1)
	t.eng.HandleAsync(callCtx, sess, msg, func(resp jsonrpc2.Message) {
		replies <- resp
	})

	go func() {
		if cancel != nil {
			defer cancel()
		}
		sessionID := ""
		if created && sess != nil {
			sessionID = sess.ID()
		}
		select {
		case resp := <-replies:
			t.reply(d, resp, sessionID)
		case <-callCtx.Done():
			t.reply(d, &jsonrpc2.Response{
				ID:    req.ID,
				Error: jsonrpc2.NewError(mcp.CodeServerError, "response timeout exceeded"),
			}, sessionID)
		}
		_ = d.Ack(false)
	}()
}

// resolveSession finds or creates the session for a delivery. The
// second return reports whether a session was created, so its id is
// echoed back in the reply headers.
//
// A session id is only honored from the reply queue that initialized
// it; anything else is indistinguishable from an unknown session, so a
// consumer cannot act on another client's session by guessing its id.
func (t *Transport) resolveSession(d amqp091.Delivery, msg jsonrpc2.Message) (*session.Session, bool) {
	if raw, ok := d.Headers[sessionHeader]; ok {
		if id, ok := raw.(string); ok && id != "" {
			if sess, ok := t.eng.Sessions().Get(id); ok {
				if bound, ok := t.binds.Load(id); ok && bound == d.ReplyTo {
					return sess, false
				}
			} else {
				t.binds.Delete(id)
			}
		}
	}

	if req, ok := msg.(*jsonrpc2.Request); ok && req.Method == mcp.MethodInitialize {
		sess := t.eng.Sessions().Create()
		t.binds.Store(sess.ID(), d.ReplyTo)
		return sess, true
	}
	return nil, false
}

// reply publishes the response to the delivery's reply-to queue with
// its correlation id, persistent.
func (t *Transport) reply(d amqp091.Delivery, resp jsonrpc2.Message, sessionID string) {
	if d.ReplyTo == "" {
		return
	}
	data, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		logger.Errorw("encoding AMQP reply", "error", err)
		return
	}

	headers := amqp091.Table{}
	if sessionID != "" {
		headers[sessionHeader] = sessionID
	}

	t.publish("", d.ReplyTo, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		DeliveryMode:  amqp091.Persistent,
		Headers:       headers,
		Body:          data,
	})
}

// publishNotification sends a server notification to the topic
// exchange, keyed by the method path ("notifications/tools/list_changed"
// becomes "notifications.tools.list_changed").
func (t *Transport) publishNotification(msg jsonrpc2.Message) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		logger.Errorw("encoding AMQP notification", "error", err)
		return
	}
	key := RoutingKey(data)
	if key == "" {
		return
	}

	t.publish(t.opts.NotificationExchange, key, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         data,
	})
}

func (t *Transport) publish(exchange, key string, pub amqp091.Publishing) {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		logger.Warnw("AMQP publish dropped, no channel", "exchange", exchange, "key", key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, pub); err != nil {
		logger.Errorw("AMQP publish failed", "exchange", exchange, "key", key, "error", err)
	}
}

// RoutingKey derives the topic routing key from an encoded JSON-RPC
// notification without fully decoding it.
func RoutingKey(data []byte) string {
	method := gjson.GetBytes(data, "method").String()
	if method == "" {
		return ""
	}
	return strings.ReplaceAll(method, "/", ".")
}
