// Package serve wires the Zero engine's pieces into one demo process:
// a sqlsource-backed "item" table, a builder.Compiler, a view.Store,
// and a conn.Manager/conn.Transport pair ingesting remote changes, all
// fronted by a chi router exposing the compiled query as SSE.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"zerosync.dev/core/cache"
	"zerosync.dev/core/config"
	"zerosync.dev/core/conn"
	"zerosync.dev/core/log"
	"zerosync.dev/core/zerrors"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/builder"
	"zerosync.dev/core/zql/source"
	"zerosync.dev/core/zql/source/sqlsource"
	"zerosync.dev/core/zql/view"
)

// Command returns the "serve" subcommand.
func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the demo engine: compiled query over SSE, fed by a conn.Transport ingest loop",
		Action: Run,
		Description: `
	Environment variables:
		ZERO_SOURCE_DB_PATH               (default: zero.db)
		ZERO_CONN_SERVER_URL              (default: ws://localhost:4848/sync)
		ZERO_HTTP_LISTEN_ADDR             (default: 0.0.0.0:4848)
		ZERO_REDIS_ADDR                   (default: localhost:6379)
		ZERO_BUILDER_ENABLE_NOT_EXISTS    (default: true)
	`,
	}
}

var itemTable = zql.Table{
	Name:       "item",
	PrimaryKey: []string{"id"},
	Columns: []zql.Column{
		{Name: "id", Type: zql.ColumnTypeText},
		{Name: "title", Type: zql.ColumnTypeText},
		{Name: "status", Type: zql.ColumnTypeText},
	},
}

// registry resolves table names to sources; it satisfies both
// builder.SourceRegistry and conn.Sources with the same method.
type registry struct {
	sources map[string]source.Source
}

func (r *registry) Source(table string) (source.Source, bool) {
	s, ok := r.sources[table]
	return s, ok
}

// managerReason adapts a live conn.Manager to zerrors.ConnectionReason,
// consulting its current state fresh on every call rather than
// capturing a stale snapshot.
type managerReason struct{ mgr *conn.Manager }

func (m managerReason) Blocked() (bool, string, bool) { return m.mgr.Current().Blocked() }

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)
	logger = log.SubLogger(logger, "serve")
	ctx = log.IntoContext(ctx, logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	itemSrc, err := sqlsource.New(cfg.Source.DbPath, itemTable)
	if err != nil {
		return fmt.Errorf("failed to open item source: %w", err)
	}
	reg := &registry{sources: map[string]source.Source{"item": itemSrc}}

	compiler, err := builder.NewCompiler(reg, nil, cfg.Builder.EnableNotExists)
	if err != nil {
		return fmt.Errorf("failed to construct compiler: %w", err)
	}

	var rcache *cache.Cache
	if cfg.Redis.Addr != "" {
		rcache = cache.New(cfg.Redis.Addr)
	}
	store := view.NewStore(rcache)
	store.Grace = cfg.View.Grace

	mgr := conn.NewManager(conn.Config{
		DisconnectTimeout:    cfg.Conn.DisconnectTimeout,
		TimeoutCheckInterval: cfg.Conn.TimeoutCheckInterval,
		Logger:               log.SubLogger(logger, "conn"),
	})
	transport := conn.NewTransport(conn.TransportConfig{
		URL:               cfg.Conn.ServerURL,
		RetryInterval:     cfg.Conn.RetryInterval,
		MaxRetryInterval:  cfg.Conn.MaxRetryInterval,
		ConnectionTimeout: cfg.Conn.ConnectionTimeout,
		Logger:            log.SubLogger(logger, "transport"),
	}, mgr, reg)
	go transport.Run(ctx)

	mutator := zerrors.NewMutatorProxy(managerReason{mgr: mgr})

	h := &handler{compiler: compiler, store: store, reg: reg, mutator: mutator, logger: logger}

	logger.Info("starting demo server", "address", cfg.HTTP.ListenAddr)
	return http.ListenAndServe(cfg.HTTP.ListenAddr, h.router())
}

type handler struct {
	compiler *builder.Compiler
	store    *view.Store
	reg      *registry
	mutator  *zerrors.MutatorProxy
	logger   interface {
		Info(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

func (h *handler) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zerod demo harness: GET /subscribe/{clientID}, POST /items"))
	})
	r.Get("/subscribe/{clientID}", h.subscribe)
	r.Post("/items", h.postItem)
	return r
}

// itemsAST is the one demo query this harness serves: every item,
// ordered by id.
var itemsAST = zql.AST{Table: "item", OrderBy: zql.Ordering{{Column: "id"}}}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" || clientID == "-" {
		// no caller-supplied identity: mint an ephemeral one so this
		// subscription doesn't collide with another anonymous caller's.
		clientID = uuid.NewString()
	}

	v, err := h.store.Acquire("items", clientID, func() (source.Input, *view.View, error) {
		pipeline, diags, err := h.compiler.Compile(itemsAST)
		if err != nil {
			return nil, nil, err
		}
		if diags.IsErr() {
			return nil, nil, fmt.Errorf("compile diagnostics: %v", diags.Errors)
		}
		v := view.New(itemsAST.OrderBy.Normalize(itemTable.PrimaryKey), itemTable.PrimaryKey)
		pipeline.SetOutput(v)

		steps, err := pipeline.Fetch(source.FetchRequest{})
		if err != nil {
			return nil, nil, err
		}
		for _, step := range steps {
			if step.Yield {
				continue
			}
			v.Apply(zql.AddChange(step.Node))
		}
		v.Commit()
		return pipeline, v, nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer h.store.Release("items", clientID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(resultType view.ResultType, batch []zql.Change) {
		payload, _ := json.Marshal(map[string]any{
			"resultType": resultType.String(),
			"rows":       rowsOf(v.Rows()),
			"changes":    len(batch),
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	writeEvent(v.ResultType(), nil)

	unsubscribe := v.Subscribe(writeEvent)
	defer unsubscribe()

	<-r.Context().Done()
}

func rowsOf(rows []zql.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(row.Columns()))
		for _, c := range row.Columns() {
			m[c], _ = row.Get(c)
		}
		out[i] = m
	}
	return out
}

// postItem applies a client-originated add through the MutatorProxy
// boundary, rejecting the write if the connection manager isn't in a
// state that accepts mutations.
func (h *handler) postItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	src, _ := h.reg.Source("item")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	client, _ := h.mutator.Invoke(ctx, func(ctx context.Context) error {
		row := zql.NewRow("item", []string{"id", "title", "status"}, map[string]any{
			"id": body.ID, "title": body.Title, "status": body.Status,
		})
		return src.Push(source.SourceChange{Kind: source.SourceAdd, Row: row})
	})

	w.Header().Set("Content-Type", "application/json")
	if client.Kind != zerrors.MutationOK {
		w.WriteHeader(http.StatusConflict)
	}
	json.NewEncoder(w).Encode(client)
}
