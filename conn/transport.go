package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"

	"zerosync.dev/core/log"
	"zerosync.dev/core/zerrors"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// wireChange is the JSON frame a zero server sends for one storage
// mutation: a table name plus the source.SourceChange it carries.
type wireChange struct {
	Table  string         `json:"table"`
	Kind   string         `json:"kind"`
	Row    map[string]any `json:"row,omitempty"`
	OldRow map[string]any `json:"oldRow,omitempty"`
}

// TransportConfig tunes the websocket dial loop.
type TransportConfig struct {
	URL               string
	RetryInterval     time.Duration
	MaxRetryInterval  time.Duration
	ConnectionTimeout time.Duration
	Logger            *slog.Logger
}

func (c *TransportConfig) setDefaults() {
	if c.RetryInterval == 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.MaxRetryInterval == 0 {
		c.MaxRetryInterval = 30 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New("conn/transport")
	}
}

// Sources resolves a table name to the Source its inbound frames should
// be pushed into.
type Sources interface {
	Source(table string) (source.Source, bool)
}

// Transport dials a single zero server endpoint, decodes inbound
// SourceChange frames, and pushes them into the matching Source,
// notifying a Manager of every connection-state transition along the
// way. It is the client-side generalization of the teacher's
// knot-specific event consumer to one long-lived connection per process
// rather than one per knot.
type Transport struct {
	cfg     TransportConfig
	mgr     *Manager
	sources Sources
	dialer  *websocket.Dialer
}

// NewTransport constructs a Transport pushing inbound changes into
// sources and reporting connection-state transitions to mgr.
func NewTransport(cfg TransportConfig, mgr *Manager, sources Sources) *Transport {
	cfg.setDefaults()
	return &Transport{cfg: cfg, mgr: mgr, sources: sources, dialer: websocket.DefaultDialer}
}

// Run drives the dial-retry-read loop until ctx is cancelled or the
// manager reaches Closed, NeedsAuth or Error. It blocks, so
// callers typically run it in its own goroutine.
func (t *Transport) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mgr.Connecting()
		err := t.runOnce(ctx)
		if err != nil {
			t.cfg.Logger.Error("connection ended", "err", err)
		}

		switch t.mgr.Current().Status {
		case StatusClosed, StatusNeedsAuth, StatusError:
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.RetryInterval):
		}
	}
}

func (t *Transport) runOnce(ctx context.Context) error {
	retryOpts := []retry.Option{
		retry.Attempts(0),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(t.cfg.RetryInterval),
		retry.MaxDelay(t.cfg.MaxRetryInterval),
		retry.MaxJitter(t.cfg.RetryInterval / 5),
		retry.OnRetry(func(n uint, err error) {
			t.cfg.Logger.Info("retrying connection", "url", t.cfg.URL, "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	}

	var ws *websocket.Conn
	err := retry.Do(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
		defer cancel()
		var dialErr error
		ws, _, dialErr = t.dialer.DialContext(dialCtx, t.cfg.URL, nil)
		return dialErr
	}, retryOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.mgr.disconnected(clientKindFor(err))
		return err
	}
	defer ws.Close()

	t.mgr.Connected()
	t.cfg.Logger.Info("connected", "url", t.cfg.URL)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			t.mgr.Offline()
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := t.handleFrame(msg); err != nil {
			t.cfg.Logger.Error("failed to apply inbound frame", "err", err)
		}
	}
}

func (t *Transport) handleFrame(msg []byte) error {
	var wc wireChange
	if err := json.Unmarshal(msg, &wc); err != nil {
		return fmt.Errorf("conn: decode frame: %w", err)
	}

	src, ok := t.sources.Source(wc.Table)
	if !ok {
		return fmt.Errorf("conn: no source registered for table %q", wc.Table)
	}

	change, err := decodeSourceChange(src.Table(), wc)
	if err != nil {
		return err
	}
	return src.Push(change)
}

func decodeSourceChange(table zql.Table, wc wireChange) (source.SourceChange, error) {
	order := columnOrder(table)
	var kind source.SourceChangeKind
	switch wc.Kind {
	case "add":
		kind = source.SourceAdd
	case "remove":
		kind = source.SourceRemove
	case "edit":
		kind = source.SourceEdit
	default:
		return source.SourceChange{}, fmt.Errorf("conn: unknown change kind %q", wc.Kind)
	}

	sc := source.SourceChange{Kind: kind}
	if wc.Row != nil {
		sc.Row = zql.NewRow(table.Name, order, wc.Row)
	}
	if wc.OldRow != nil {
		sc.OldRow = zql.NewRow(table.Name, order, wc.OldRow)
	}
	return sc, nil
}

// clientKindFor reports the taxonomy kind for a dial loop that gave up
// without connecting: always a connect timeout, since the backoff loop
// (which has no attempt limit) has already absorbed transient failures.
func clientKindFor(err error) zerrors.ClientErrorKind {
	return zerrors.ConnectTimeout
}

func columnOrder(table zql.Table) []string {
	order := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		order[i] = c.Name
	}
	return order
}
