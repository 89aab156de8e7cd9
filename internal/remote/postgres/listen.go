package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// payload is the JSON published by tandem_notify_change.
type payload struct {
	Kind string                     `json:"kind"`
	Op   string                     `json:"op"`
	Row  map[string]json.RawMessage `json:"row"`
	Old  map[string]json.RawMessage `json:"old"`
	At   string                     `json:"at"`
}

// listener holds one pooled connection in LISTEN and republishes
// notifications to the adapter's hub.
type listener struct {
	a *Adapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newListener(a *Adapter) *listener {
	l := &listener{a: a}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// start LISTENs once synchronously so that events written right after Open
// are not missed, then hands the connection to the receive loop.
func (l *listener) start(ctx context.Context) error {
	conn, err := l.acquire(ctx)
	if err != nil {
		l.cancel()
		return err
	}
	l.wg.Add(1)
	go l.loop(conn)
	return nil
}

func (l *listener) stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *listener) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := l.a.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.a.config.Channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", l.a.config.Channel, err)
	}
	return conn, nil
}

func (l *listener) loop(conn *pgxpool.Conn) {
	defer l.wg.Done()
	logger := l.a.config.Logger

	for {
		err := l.receive(conn)
		// the connection may still be in LISTEN; never return it to the pool
		_ = conn.Hijack().Close(context.Background())
		if l.ctx.Err() != nil {
			return
		}
		logger.Printf("Listener connection lost: %v", err)

		for {
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(l.a.config.ReconnectDelay):
			}
			conn, err = l.acquire(l.ctx)
			if err == nil {
				break
			}
			if l.ctx.Err() != nil {
				return
			}
			logger.Printf("Failed to re-listen: %v", err)
		}

		// anything written while disconnected was missed
		for _, kind := range remote.Kinds {
			l.a.Publish(remote.Event{Kind: kind, Op: remote.OpInvalidate, At: time.Now().UTC()})
		}
	}
}

func (l *listener) receive(conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return err
		}
		e, err := decodePayload(n.Payload)
		if err != nil {
			l.a.config.Logger.Printf("Skipping notification: %v", err)
			continue
		}
		l.a.Publish(e)
	}
}

func decodePayload(s string) (remote.Event, error) {
	var p payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return remote.Event{}, fmt.Errorf("failed to parse payload: %w", err)
	}
	kind := remote.Kind(p.Kind)
	t, err := remote.Lookup(kind)
	if err != nil {
		return remote.Event{}, err
	}
	op := remote.Op(p.Op)
	if !op.Valid() {
		return remote.Event{}, fmt.Errorf("unknown op %q", p.Op)
	}

	e := remote.Event{Kind: kind, Op: op}
	if e.Row, err = decodeJSONRow(t, p.Row); err != nil {
		return remote.Event{}, err
	}
	if e.Old, err = decodeJSONRow(t, p.Old); err != nil {
		return remote.Event{}, err
	}
	if ts, err := schema.ParseTime(p.At); err == nil {
		e.At = ts.UTC()
	}
	return e, nil
}

func decodeJSONRow(t *remote.Table, raw map[string]json.RawMessage) (remote.Row, error) {
	if raw == nil {
		return nil, nil
	}
	row := make(remote.Row, len(raw))
	for col, msg := range raw {
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("failed to parse column %s: %w", col, err)
		}
		row[col] = decodeValue(t, col, v)
	}
	return row, nil
}
