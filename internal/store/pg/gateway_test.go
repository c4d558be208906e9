package pg

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/tenant"
)

const (
	bindPattern  = `select set_config\('app.current_org', \$1, true\)`
	resetPattern = `select set_config\('app.current_org', '', false\)`
)

type recorder struct {
	mu     sync.Mutex
	events []QueryEvent
}

func (r *recorder) observe(ev QueryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []QueryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]QueryEvent(nil), r.events...)
}

func newMockGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock, *recorder) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	rec := &recorder{}
	return NewGateway(db, WithQueryObserver(rec.observe)), mock, rec
}

func expectBind(mock sqlmock.Sqlmock, org, super string) {
	mock.ExpectBegin()
	mock.ExpectExec(bindPattern).WithArgs(org, super).WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectReset(mock sqlmock.Sqlmock) {
	mock.ExpectExec(resetPattern).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestBeginRefusesUnscopedAccess(t *testing.T) {
	g, mock, rec := newMockGateway(t)
	if _, err := g.Begin(context.Background(), tenant.Scope{}); !errors.Is(err, auth.ErrUnscopedAccess) {
		t.Fatalf("err = %v, want ErrUnscopedAccess", err)
	}
	err := g.InScope(context.Background(), func(context.Context, *Tx) error {
		t.Fatal("callback ran without a scope")
		return nil
	})
	if !errors.Is(err, auth.ErrUnscopedAccess) {
		t.Fatalf("InScope err = %v", err)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("statements were sent: %+v", rec.all())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithScopeBindsBeforeFirstQuery(t *testing.T) {
	g, mock, rec := newMockGateway(t)
	expectBind(mock, "org-a", "")
	mock.ExpectQuery("select id from bookings").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("b1"))
	mock.ExpectExec("update bookings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectReset(mock)

	err := g.WithScope(context.Background(), tenant.ForOrg("org-a"), func(ctx context.Context, tx *Tx) error {
		if tenant.OrganizationID(ctx) != "org-a" {
			t.Fatalf("callback context not scoped")
		}
		var id string
		if err := tx.QueryRowContext(ctx, "select id from bookings limit 1").Scan(&id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "update bookings set status = 'done' where id = $1", id)
		return err
	})
	if err != nil {
		t.Fatalf("with scope: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}

	events := rec.all()
	if len(events) != 4 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Phase != PhaseBind || events[0].OrganizationID != "org-a" {
		t.Fatalf("first statement was not the bind: %+v", events[0])
	}
	for _, ev := range events[1:3] {
		if ev.Phase != PhaseQuery || ev.OrganizationID != "org-a" {
			t.Fatalf("query ran outside the bound scope: %+v", ev)
		}
	}
	if events[3].Phase != PhaseReset {
		t.Fatalf("connection not reset before release: %+v", events[3])
	}
}

func TestWithScopeSuperSetsSuperFlag(t *testing.T) {
	g, mock, _ := newMockGateway(t)
	expectBind(mock, "", "on")
	mock.ExpectCommit()
	expectReset(mock)
	if err := g.WithScope(context.Background(), tenant.System(), func(context.Context, *Tx) error { return nil }); err != nil {
		t.Fatalf("with scope: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithScopeRollsBackOnError(t *testing.T) {
	g, mock, _ := newMockGateway(t)
	expectBind(mock, "org-a", "")
	mock.ExpectRollback()
	expectReset(mock)

	boom := errors.New("boom")
	if err := g.WithScope(context.Background(), tenant.ForOrg("org-a"), func(context.Context, *Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithScopeRollsBackOnPanic(t *testing.T) {
	g, mock, _ := newMockGateway(t)
	expectBind(mock, "org-a", "")
	mock.ExpectRollback()
	expectReset(mock)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		_ = g.WithScope(context.Background(), tenant.ForOrg("org-a"), func(context.Context, *Tx) error { panic("handler bug") })
	}()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithScopeRollsBackOnCancel(t *testing.T) {
	g, mock, _ := newMockGateway(t)
	expectBind(mock, "org-a", "")
	mock.ExpectRollback()
	expectReset(mock)

	ctx, cancel := context.WithCancel(context.Background())
	err := g.WithScope(ctx, tenant.ForOrg("org-a"), func(context.Context, *Tx) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBindFailureFailsClosed(t *testing.T) {
	g, mock, rec := newMockGateway(t)
	mock.ExpectBegin()
	mock.ExpectExec(bindPattern).WithArgs("org-a", "").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	ran := false
	err := g.WithScope(context.Background(), tenant.ForOrg("org-a"), func(context.Context, *Tx) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrTenantBind) {
		t.Fatalf("err = %v, want ErrTenantBind", err)
	}
	if ran {
		t.Fatal("callback ran on an unbound transaction")
	}
	for _, ev := range rec.all() {
		if ev.Phase == PhaseQuery {
			t.Fatalf("query sent after failed bind: %+v", ev)
		}
	}
}

func TestTxRefusesStatementsAfterFinish(t *testing.T) {
	g, mock, _ := newMockGateway(t)
	expectBind(mock, "org-a", "")
	mock.ExpectCommit()
	expectReset(mock)

	tx, err := g.Begin(context.Background(), tenant.ForOrg("org-a"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := tx.ExecContext(context.Background(), "delete from bookings"); !errors.Is(err, auth.ErrUnscopedAccess) {
		t.Fatalf("exec after commit: err = %v", err)
	}
	var n int
	if err := tx.QueryRowContext(context.Background(), "select 1").Scan(&n); !errors.Is(err, auth.ErrUnscopedAccess) {
		t.Fatalf("query after commit: err = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback after commit should be a no-op: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, sql.ErrTxDone) {
		t.Fatalf("second commit: err = %v", err)
	}
}

func TestRowLevelSecurityViolationIsTenantMismatch(t *testing.T) {
	g, mock, _ := newMockGateway(t)
	expectBind(mock, "org-a", "")
	mock.ExpectExec("insert into bookings").WillReturnError(&pgconn.PgError{
		Code:    pgErrInsufficientPrivilege,
		Message: `new row violates row-level security policy for table "bookings"`,
	})
	mock.ExpectRollback()
	expectReset(mock)

	err := g.WithScope(context.Background(), tenant.ForOrg("org-a"), func(ctx context.Context, tx *Tx) error {
		_, err := tx.ExecContext(ctx, "insert into bookings(id, organization_id) values ($1, $2)", "b1", "org-b")
		return err
	})
	if !errors.Is(err, auth.ErrTenantMismatch) {
		t.Fatalf("err = %v, want ErrTenantMismatch", err)
	}
}

func TestResetFailureStillReportsCommit(t *testing.T) {
	g, mock, _ := newMockGateway(t)
	expectBind(mock, "org-a", "")
	mock.ExpectCommit()
	mock.ExpectExec(resetPattern).WillReturnError(errors.New("broken pipe"))

	if err := g.WithScope(context.Background(), tenant.ForOrg("org-a"), func(context.Context, *Tx) error { return nil }); err != nil {
		t.Fatalf("with scope: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
