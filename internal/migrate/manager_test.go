package migrate

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	in := "create table a (v text default 'x;y');\ninsert into a values ('it''s; fine');\n  \nselect 1"
	got := splitStatements(in)
	if len(got) != 3 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
	if !strings.Contains(got[1], "'it''s; fine'") {
		t.Fatalf("quoted semicolon split: %q", got[1])
	}
	if strings.TrimSpace(got[2]) != "select 1" {
		t.Fatalf("trailing statement = %q", got[2])
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Migrations(), down); err != nil {
			t.Errorf("%s has no down migration", up)
		}
	}
}

func TestEveryTenantTableForcesRowLevelSecurity(t *testing.T) {
	create := regexp.MustCompile(`create table if not exists (\w+)`)
	var schema strings.Builder
	ups, _ := collectSQL(Migrations(), ".up.sql")
	for _, up := range ups {
		body, err := fs.ReadFile(Migrations(), up)
		if err != nil {
			t.Fatalf("read %s: %v", up, err)
		}
		schema.Write(body)
	}
	tables := create.FindAllStringSubmatch(schema.String(), -1)
	if len(tables) == 0 {
		t.Fatal("no tables found")
	}
	for _, m := range tables {
		table := m[1]
		for _, want := range []string{
			"alter table " + table + " enable row level security",
			"alter table " + table + " force row level security",
			"on " + table + "\n\tusing (app_super_scope() or ",
		} {
			if !strings.Contains(schema.String(), want) {
				t.Errorf("table %s: missing %q", table, want)
			}
		}
	}
}

func newMockManager(t *testing.T, src fs.FS, opts ...Option) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	m := NewManager(db, src, opts...)
	return m, mock
}

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	src := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("create table b (id text);\ncreate index b_idx on b(id);")},
		"0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"notes.txt":       {Data: []byte("ignored")},
	}
	m, mock := newMockManager(t, src)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	src := fstest.MapFS{"0001_a.up.sql": {Data: []byte("create table a (id text);\nbroken;")}}
	m, mock := newMockManager(t, src)

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRevertsLatest(t *testing.T) {
	src := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (id text);")},
		"0002_b.down.sql": {Data: []byte("drop table b;")},
	}
	m, mock := newMockManager(t, src)

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_b.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0002_b.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	m, mock := newMockManager(t, fstest.MapFS{})
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("err = %v", err)
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	seeds := fstest.MapFS{
		"0001_orgs.sql": {Data: []byte("insert into organizations (id, name) values ('o', 'O');")},
		"0002_more.sql": {Data: []byte("insert into organizations (id, name) values ('p', 'P');")},
		"readme.md":     {Data: []byte("-")},
	}
	m, mock := newMockManager(t, fstest.MapFS{}, WithSeeds(seeds))

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_orgs.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into organizations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_seeds").WithArgs("0002_more.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEmbeddedSeedsRaiseSuperScope(t *testing.T) {
	files, err := collectSQL(Seeds(), ".sql")
	if err != nil || len(files) == 0 {
		t.Fatalf("seeds = %v err=%v", files, err)
	}
	for _, name := range files {
		body, _ := fs.ReadFile(Seeds(), name)
		first := strings.TrimSpace(splitStatements(string(body))[0])
		if !strings.HasPrefix(first, "select set_config('app.super_scope', 'on', true)") {
			t.Errorf("%s does not open with the super scope binding", name)
		}
	}
}
