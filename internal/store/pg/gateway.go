package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/obs"
	"sweepdesk.io/internal/tenant"
)

// ErrTenantBind means the organization could not be bound to a transaction.
// Nothing ran and the connection was discarded.
var ErrTenantBind = errors.New("pg: tenant bind failed")

const (
	bindSQL  = `select set_config('app.current_org', $1, true), set_config('app.super_scope', $2, true)`
	resetSQL = `select set_config('app.current_org', '', false), set_config('app.super_scope', '', false)`

	resetTimeout = 2 * time.Second
)

// Query phases reported to observers.
const (
	PhaseBind  = "bind"
	PhaseQuery = "query"
	PhaseReset = "reset"
)

// QueryEvent describes one statement sent through the gateway.
type QueryEvent struct {
	Phase          string
	Statement      string
	OrganizationID string
	Super          bool
}

// Gateway hands out transactions that are bound to a tenant scope before the
// first statement runs.
type Gateway struct {
	db       *sql.DB
	observer func(QueryEvent)
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithQueryObserver registers fn to see every statement with its bound scope.
func WithQueryObserver(fn func(QueryEvent)) GatewayOption {
	return func(g *Gateway) { g.observer = fn }
}

// NewGateway wraps db.
func NewGateway(db *sql.DB, opts ...GatewayOption) *Gateway {
	g := &Gateway{db: db}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ping checks the underlying pool.
func (g *Gateway) Ping(ctx context.Context) error { return Ping(ctx, g.db) }

// Begin opens a transaction on a dedicated connection and binds scope to it.
func (g *Gateway) Begin(ctx context.Context, scope tenant.Scope) (*Tx, error) {
	if !scope.Valid() {
		obs.ObserveTenantBind("refused")
		return nil, auth.ErrUnscopedAccess
	}
	conn, err := g.db.Conn(ctx)
	if err != nil {
		obs.ObserveTenantBind("failed")
		return nil, fmt.Errorf("%w: %v", ErrTenantBind, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		discard(conn)
		obs.ObserveTenantBind("failed")
		return nil, fmt.Errorf("%w: %v", ErrTenantBind, err)
	}

	super := ""
	if scope.Super {
		super = "on"
	}
	g.observe(QueryEvent{Phase: PhaseBind, Statement: bindSQL, OrganizationID: scope.OrganizationID, Super: scope.Super})
	if _, err := tx.ExecContext(ctx, bindSQL, scope.OrganizationID, super); err != nil {
		_ = tx.Rollback()
		discard(conn)
		obs.ObserveTenantBind("failed")
		obs.Error("tenant_bind_failed", map[string]any{"organization_id": scope.OrganizationID, "error": err})
		return nil, fmt.Errorf("%w: %v", ErrTenantBind, err)
	}
	obs.ObserveTenantBind("ok")
	return &Tx{g: g, conn: conn, tx: tx, scope: scope, bound: true}, nil
}

// WithScope runs fn inside a bound transaction. It commits when fn returns nil
// and ctx is still live, and rolls back otherwise, including on panic.
func (g *Gateway) WithScope(ctx context.Context, scope tenant.Scope, fn func(context.Context, *Tx) error) error {
	tx, err := g.Begin(ctx, scope)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tenant.WithScope(ctx, scope), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InScope runs fn in the scope carried by ctx. A context without a scope is
// refused.
func (g *Gateway) InScope(ctx context.Context, fn func(context.Context, *Tx) error) error {
	scope, ok := tenant.FromContext(ctx)
	if !ok {
		obs.ObserveTenantBind("refused")
		return auth.ErrUnscopedAccess
	}
	return g.WithScope(ctx, scope, fn)
}

func (g *Gateway) observe(ev QueryEvent) {
	if g.observer != nil {
		g.observer(ev)
	}
}

// Tx is a transaction bound to one tenant scope. Statements after Commit or
// Rollback are refused.
type Tx struct {
	g     *Gateway
	conn  *sql.Conn
	tx    *sql.Tx
	scope tenant.Scope

	mu    sync.Mutex
	bound bool
}

// Scope returns the bound scope.
func (t *Tx) Scope() tenant.Scope { return t.scope }

func (t *Tx) check(query string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bound {
		return auth.ErrUnscopedAccess
	}
	t.g.observe(QueryEvent{Phase: PhaseQuery, Statement: query, OrganizationID: t.scope.OrganizationID, Super: t.scope.Super})
	return nil
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := t.check(query); err != nil {
		return nil, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, mapError(err)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := t.check(query); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	return rows, mapError(err)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if err := t.check(query); err != nil {
		return &Row{err: err}
	}
	return &Row{row: t.tx.QueryRowContext(ctx, query, args...)}
}

// Commit commits and releases the connection.
func (t *Tx) Commit() error {
	return t.finish(true)
}

// Rollback aborts and releases the connection. It is a no-op once finished.
func (t *Tx) Rollback() error {
	err := t.finish(false)
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *Tx) finish(commit bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bound {
		return sql.ErrTxDone
	}
	t.bound = false

	var err error
	if commit {
		err = mapError(t.tx.Commit())
	} else {
		err = t.tx.Rollback()
		if errors.Is(err, sql.ErrTxDone) {
			// The driver already rolled back, e.g. after ctx cancellation.
			err = nil
		}
	}
	t.release()
	return err
}

// release clears the session settings so the next borrower starts unbound.
// A connection that cannot be reset never returns to the pool.
func (t *Tx) release() {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	t.g.observe(QueryEvent{Phase: PhaseReset, Statement: resetSQL})
	if _, err := t.conn.ExecContext(ctx, resetSQL); err != nil {
		obs.Warn("tenant_reset_failed", map[string]any{"organization_id": t.scope.OrganizationID, "error": err})
		discard(t.conn)
		return
	}
	_ = t.conn.Close()
}

// discard closes conn and marks the underlying driver connection bad so the
// pool drops it.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// Row is the result of QueryRowContext.
type Row struct {
	row *sql.Row
	err error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return mapError(r.row.Scan(dest...))
}
