package backends

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

// GraphConfig configures the weaviate-backed graph store.
type GraphConfig struct {
	// URL is the weaviate endpoint, with or without scheme.
	URL string

	// Headers are sent with every request (API keys, module credentials).
	Headers map[string]string

	// ReadyTimeout bounds the readiness probe run on every Open.
	ReadyTimeout time.Duration
}

// ErrGraphNotReady is returned by Open when weaviate answers but reports it
// is not ready.
var ErrGraphNotReady = errors.New("graph store is not ready")

// Graph is the graph store. The client is stateless HTTP, so a connection is a
// session that was proven ready when opened. Begin is a no-op: every command
// applies immediately.
type Graph struct {
	client       *weaviate.Client
	readyTimeout time.Duration
	logger       *telemetry.Logger

	closed atomic.Bool
}

// NewGraph builds the weaviate client. It does not contact the server; Open
// does.
func NewGraph(cfg GraphConfig, logger *telemetry.Logger) (*Graph, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("graph store URL is required")
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}

	wcfg := weaviate.Config{Host: cfg.URL, Scheme: "http", Headers: cfg.Headers}
	if u, err := url.Parse(cfg.URL); err == nil && u.Host != "" {
		wcfg.Scheme = u.Scheme
		wcfg.Host = u.Host
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return &Graph{
		client:       client,
		readyTimeout: cfg.ReadyTimeout,
		logger:       telemetry.OrNop(logger).NewComponentLogger("backend.graph").WithField("host", wcfg.Host),
	}, nil
}

// Client exposes the underlying weaviate client.
func (g *Graph) Client() *weaviate.Client {
	return g.client
}

func (g *Graph) Kind() Kind     { return KindGraph }
func (g *Graph) TxMode() TxMode { return TxNone }

type graphSession struct {
	id     string
	closed atomic.Bool
}

// Open runs a readiness probe and returns a session.
func (g *Graph) Open(ctx context.Context) (Handle, error) {
	if g.closed.Load() {
		return nil, errBackendClosed
	}
	if err := g.ready(ctx); err != nil {
		return nil, err
	}
	return &graphSession{id: uuid.NewString()}, nil
}

func (g *Graph) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.readyTimeout)
	defer cancel()

	ok, err := g.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	if !ok {
		return ErrGraphNotReady
	}
	return nil
}

// Close ends a session.
func (g *Graph) Close(_ context.Context, h Handle) error {
	s, err := g.session(h)
	if err != nil {
		return err
	}
	s.closed.Store(true)
	return nil
}

// Execute runs cmd against weaviate.
func (g *Graph) Execute(ctx context.Context, h Handle, cmd Command) (Result, error) {
	s, err := g.session(h)
	if err != nil {
		return Result{}, err
	}
	if s.closed.Load() {
		return Result{}, errHandleClosed
	}

	switch cmd.Op {
	case OpQuery:
		return g.query(ctx, cmd.Text)

	case OpPut:
		if cmd.Class == "" {
			return Result{}, errMissingGraphID
		}
		creator := g.client.Data().Creator().
			WithClassName(cmd.Class).
			WithProperties(cmd.Properties)
		if cmd.ID != "" {
			creator = creator.WithID(cmd.ID)
		}
		if _, err := creator.Do(ctx); err != nil {
			return Result{}, fmt.Errorf("create %s object: %w", cmd.Class, err)
		}
		return Result{RowsAffected: 1}, nil

	case OpDelete:
		if cmd.Class == "" || cmd.ID == "" {
			return Result{}, errMissingGraphID
		}
		err := g.client.Data().Deleter().
			WithClassName(cmd.Class).
			WithID(cmd.ID).
			Do(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("delete %s/%s: %w", cmd.Class, cmd.ID, err)
		}
		return Result{RowsAffected: 1}, nil

	case OpPing:
		return Result{}, g.ready(ctx)

	default:
		return Result{}, fmt.Errorf("%w: %s on graph backend", errUnsupportedOp, cmd.Op)
	}
}

func (g *Graph) query(ctx context.Context, q string) (Result, error) {
	resp, err := g.client.GraphQL().Raw().WithQuery(q).Do(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("graphql query: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return Result{}, fmt.Errorf("graphql query: %s", strings.Join(msgs, "; "))
	}
	return Result{Rows: flattenGraphQL(resp.Data), Raw: resp.Data}, nil
}

// flattenGraphQL turns {"Get": {"Class": [{...}, ...]}} into one row per
// object, tagged with its class under "_class". Top-level sections and
// classes are visited in sorted order.
func flattenGraphQL(data map[string]models.JSONObject) []map[string]any {
	var rows []map[string]any

	sections := make([]string, 0, len(data))
	for k := range data {
		sections = append(sections, k)
	}
	sort.Strings(sections)

	for _, section := range sections {
		classes, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		names := make([]string, 0, len(classes))
		for name := range classes {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			objects, ok := classes[name].([]any)
			if !ok {
				continue
			}
			for _, o := range objects {
				obj, ok := o.(map[string]any)
				if !ok {
					continue
				}
				row := make(map[string]any, len(obj)+1)
				for k, v := range obj {
					row[k] = v
				}
				row["_class"] = name
				rows = append(rows, row)
			}
		}
	}
	return rows
}

// Begin returns a pass-through transaction. Abort cannot undo anything.
func (g *Graph) Begin(_ context.Context, h Handle, _ Isolation) (Tx, error) {
	if _, err := g.session(h); err != nil {
		return nil, err
	}
	return &passThroughTx{backend: g, handle: h}, nil
}

// Shutdown marks the backend closed. The HTTP client holds no per-backend
// resources.
func (g *Graph) Shutdown(_ context.Context) error {
	if g.closed.CompareAndSwap(false, true) {
		g.logger.Debug("graph backend shut down")
	}
	return nil
}

func (g *Graph) session(h Handle) (*graphSession, error) {
	s, ok := h.(*graphSession)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: expected graph session, got %T", errBadHandle, h)
	}
	return s, nil
}

// passThroughTx applies every command immediately.
type passThroughTx struct {
	backend Backend
	handle  Handle
}

func (t *passThroughTx) Execute(ctx context.Context, cmd Command) (Result, error) {
	return t.backend.Execute(ctx, t.handle, cmd)
}

func (t *passThroughTx) Commit(context.Context) error { return nil }
func (t *passThroughTx) Abort(context.Context) error  { return nil }
