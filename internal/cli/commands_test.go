package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/birbparty/fmdapi/internal/config"
	"github.com/birbparty/fmdapi/internal/events"
	"github.com/birbparty/fmdapi/internal/fakeserver"
	"github.com/birbparty/fmdapi/internal/storage"
	"github.com/birbparty/fmdapi/internal/tokencache"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
	exported []string
}

func (m *mockStore) Open(_ context.Context, ref string) (io.ReadCloser, string, error) {
	args := m.Called(ref)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.String(1), args.Error(2)
}

func (m *mockStore) UploadExport(_ context.Context, layout string, data io.Reader) (string, error) {
	body, _ := io.ReadAll(data)
	m.exported = append(m.exported, string(body))
	args := m.Called(layout)
	return args.String(0), args.Error(1)
}

func (m *mockStore) ListExports(_ context.Context, date time.Time) ([]storage.Object, error) {
	args := m.Called(date.Format("2006-01-02"))
	objects, _ := args.Get(0).([]storage.Object)
	return objects, args.Error(1)
}

func (m *mockStore) Delete(_ context.Context, key string) error {
	return m.Called(key).Error(0)
}

type testShell struct {
	app   *App
	out   *bytes.Buffer
	local *fakeserver.Local
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startFake(t *testing.T, log logrus.FieldLogger) *fakeserver.Local {
	t.Helper()
	local, err := fakeserver.StartLocal(fakeserver.DefaultConfig(), fakeserver.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return local
}

func shellConfig(local *fakeserver.Local, layout string) *config.Client {
	return &config.Client{
		ServerURL:  local.URL,
		Database:   "Demo",
		Layout:     layout,
		Username:   "admin",
		Password:   "admin",
		APIVersion: "vLatest",
		Transport:  "nethttp",
		Timeout:    5 * time.Second,
		SSLVerify:  true,
	}
}

func newShell(t *testing.T, store ObjectStore, layout string) *testShell {
	t.Helper()
	log := quietLogger()
	local := startFake(t, log)
	cfg := shellConfig(local, layout)

	var client *dataapi.Client
	var err error
	require.Eventually(t, func() bool {
		client, err = Connect(context.Background(), cfg, nil, io.Discard, log)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	out := &bytes.Buffer{}
	app := NewApp(Options{
		Client:   client,
		Store:    store,
		Layout:   cfg.Layout,
		Username: cfg.Username,
		In:       strings.NewReader(""),
		Out:      out,
		Log:      log,
	})
	t.Cleanup(func() { _ = app.Close() })
	return &testShell{app: app, out: out, local: local}
}

// run executes line and returns what it printed
func (s *testShell) run(t *testing.T, line string) string {
	t.Helper()
	s.out.Reset()
	require.NoError(t, s.app.Execute(context.Background(), line), line)
	return s.out.String()
}

func (s *testShell) fail(t *testing.T, line string) error {
	t.Helper()
	s.out.Reset()
	err := s.app.Execute(context.Background(), line)
	require.Error(t, err, line)
	return err
}

func assertCode(t *testing.T, err error, want int) {
	t.Helper()
	code, ok := dataapi.CodeOf(err)
	require.True(t, ok, "not an API error: %v", err)
	assert.Equal(t, want, code)
}

func TestRecordCommands(t *testing.T) {
	sh := newShell(t, nil, "People")

	out := sh.run(t, "list --limit=2 --sort=Age:descend")
	assert.Contains(t, out, "Hopper")
	assert.Contains(t, out, "Liskov")
	assert.NotContains(t, out, "Lovelace")
	assert.Contains(t, out, "2 of 5 found")

	out = sh.run(t, "get 1 --portal=Projects")
	assert.Contains(t, out, `"recordId": "1"`)
	assert.Contains(t, out, "Engine")

	out = sh.run(t, "find City=London")
	assert.Contains(t, out, "Lovelace")
	assert.Contains(t, out, "1 of 1 found")

	out = sh.run(t, `find City="New York" or City=Boston or omit LastName=Liskov`)
	assert.Contains(t, out, "Hopper")
	assert.NotContains(t, out, "Liskov")

	out = sh.run(t, "find City=Atlantis")
	assert.Equal(t, "No records found\n", out)

	out = sh.run(t, "create FirstName=Katherine LastName=Johnson Age=101")
	assert.Contains(t, out, "Created record 6")

	out = sh.run(t, `edit 6 City="White Sulphur Springs"`)
	assert.Contains(t, out, "Edited record 6")
	assert.Contains(t, sh.run(t, "get 6"), "White Sulphur Springs")

	assertCode(t, sh.fail(t, "edit 6 City=Hampton --modid=99"), 306)

	out = sh.run(t, "duplicate 6")
	assert.Contains(t, out, "Duplicated record 6 as 7")

	assert.Contains(t, sh.run(t, "delete 7"), "Deleted record 7")
	assertCode(t, sh.fail(t, "get 7"), 101)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, evt *events.RecordEvent) error {
	return m.Called(evt.Type, evt.RecordID).Error(0)
}

func TestWriteCommandsPublishEvents(t *testing.T) {
	sh := newShell(t, nil, "People")
	pub := &mockPublisher{}
	sh.app.events = pub
	sh.app.database = "Demo"

	pub.On("Publish", events.EventCreated, "6").Return(nil).Once()
	pub.On("Publish", events.EventEdited, "6").Return(nil).Once()
	pub.On("Publish", events.EventDuplicated, "7").Return(nil).Once()
	pub.On("Publish", events.EventDeleted, "7").Return(errors.New("no responders")).Once()

	sh.run(t, "create FirstName=Katherine")
	sh.run(t, "edit 6 LastName=Johnson")
	sh.run(t, "duplicate 6")
	// the delete went through, so a failed publish does not fail the command
	assert.Contains(t, sh.run(t, "delete 7"), "Deleted record 7")

	sh.run(t, "get 6")
	sh.fail(t, "edit 99 LastName=Nobody")

	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Publish", 4)
}

func TestAnnounceFillsEvent(t *testing.T) {
	var got *events.RecordEvent
	pub := publisherFunc(func(_ context.Context, evt *events.RecordEvent) error {
		got = evt
		return nil
	})
	app := NewApp(Options{Events: pub, Database: "Demo", Layout: "People", Log: quietLogger()})

	app.announce(context.Background(), events.EventEdited, "3", "12")

	require.NotNil(t, got)
	assert.NoError(t, got.Validate())
	assert.Equal(t, "Demo", got.Database)
	assert.Equal(t, "People", got.Layout)
	assert.Equal(t, "12", got.ModID)
	assert.Equal(t, "fmcli", got.Source)
}

type publisherFunc func(ctx context.Context, evt *events.RecordEvent) error

func (f publisherFunc) Publish(ctx context.Context, evt *events.RecordEvent) error {
	return f(ctx, evt)
}

func TestScriptAndGlobalCommands(t *testing.T) {
	sh := newShell(t, nil, "People")

	out := sh.run(t, "script Uppercase hello world")
	assert.Contains(t, out, "Script Uppercase finished with error 0")
	assert.Contains(t, out, "Result: HELLO WORLD")

	assert.Contains(t, sh.run(t, "script Fail 7"), "finished with error 7")
	assertCode(t, sh.fail(t, "script Missing"), 104)

	out = sh.run(t, "create FirstName=Ada --script=Echo:hi --prerequest=Uppercase:x")
	assert.Contains(t, out, "prerequest script: error 0, result X")
	assert.Contains(t, out, "postrequest script: error 0, result hi")

	assert.Contains(t, sh.run(t, "globals People::gSearch=ada"), "Set 1 global field(s)")
	sh.fail(t, "globals People::FirstName=ada")
}

func TestMetadataCommands(t *testing.T) {
	sh := newShell(t, nil, "People")

	out := sh.run(t, "layouts")
	assert.Contains(t, out, "People\n")
	assert.Contains(t, out, "Lists/\n  Projects\n")

	assert.Contains(t, sh.run(t, "scripts"), "Utilities/\n  Uppercase\n")
	assert.Equal(t, "Demo\n", sh.run(t, "databases"))
	assert.Contains(t, sh.run(t, "info"), "21.0.1.51")
	assert.Contains(t, sh.run(t, "metadata"), `"name": "FirstName"`)

	assert.Equal(t, "People\n", sh.run(t, "layout"))
	assert.Equal(t, "Using layout People List\n", sh.run(t, `layout "People List"`))
	assert.Contains(t, sh.run(t, "list --limit=1"), "Lovelace")
}

func TestSessionCommands(t *testing.T) {
	sh := newShell(t, nil, "People")
	assert.Equal(t, "admin @ People", sh.app.Status())

	assert.Equal(t, "Session is valid\n", sh.run(t, "validate"))
	assert.Contains(t, sh.run(t, "session"), "(fresh)")

	assert.Equal(t, "Logged out\n", sh.run(t, "logout"))
	assert.Equal(t, "logged out @ People", sh.app.Status())
	assert.Equal(t, "No session token\n", sh.run(t, "session"))

	err := sh.fail(t, "get 1")
	assert.True(t, dataapi.IsAuthUnavailable(err))

	stubPassword(t, "wrong", nil)
	assertCode(t, sh.fail(t, "login admin"), 212)

	stubPassword(t, "admin", nil)
	assert.Contains(t, sh.run(t, "login admin"), "Logged in")
	assert.Equal(t, "admin @ People", sh.app.Status())
	assert.Equal(t, "Session refreshed\n", sh.run(t, "refresh"))
	assert.Contains(t, sh.run(t, "get 1"), "Lovelace")

	assert.Contains(t, sh.run(t, "oauth req-1 id-1"), "Logged in with OAuth")
	assert.Equal(t, "logged in @ People", sh.app.Status())
}

func TestLoginPromptsForUsername(t *testing.T) {
	sh := newShell(t, nil, "People")
	sh.app.username = ""
	sh.app.reader = bufio.NewReader(strings.NewReader("admin\n"))
	stubPassword(t, "admin", nil)

	out := sh.run(t, "login")
	assert.Contains(t, out, "Username: Password: ")
	assert.Contains(t, out, "Logged in")
	assert.Equal(t, "admin", sh.app.username)
}

func TestExecuteValidation(t *testing.T) {
	sh := newShell(t, nil, "")

	tests := []struct {
		line string
		want error
	}{
		{"frobnicate", ErrUnknownCommand},
		{"get", ErrUsage},
		{"list", ErrNoLayout},
		{"upload 1 Photo", ErrUsage},
		{"export", ErrNoLayout},
		{"exports", ErrNoStorage},
		{"rmexport k", ErrNoStorage},
		{`find City="open`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			err := sh.app.Execute(context.Background(), tt.line)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	assert.NoError(t, sh.app.Execute(context.Background(), "   "))
	sh.run(t, "layout People")
	assert.ErrorIs(t, sh.app.Execute(context.Background(), "get --limit=1"), ErrUsage)
	assert.ErrorIs(t, sh.app.Execute(context.Background(), "upload 1 Photo s3://bucket/ada.png"), ErrNoStorage)

	out := sh.run(t, "help")
	assert.Contains(t, out, "find")
	assert.Contains(t, out, "exit")
}

func TestUploadCommand(t *testing.T) {
	store := &mockStore{}
	sh := newShell(t, store, "People")

	path := filepath.Join(t.TempDir(), "ada.png")
	require.NoError(t, os.WriteFile(path, []byte("local png"), 0o600))

	out := sh.run(t, `upload 1 Photo "`+path+`"`)
	assert.Contains(t, out, "Uploaded ada.png into Photo of record 1")
	obj, ok := sh.local.Store().Container("People", "1", "Photo", 1)
	require.True(t, ok)
	assert.Equal(t, "ada.png", obj.Filename)
	assert.Equal(t, []byte("local png"), obj.Data)

	store.On("Open", "s3://photos/grace.jpg").
		Return(io.NopCloser(strings.NewReader("remote jpg")), "grace.jpg", nil).Once()
	out = sh.run(t, "upload 2 Photo s3://photos/grace.jpg")
	assert.Contains(t, out, "Uploaded grace.jpg into Photo of record 2")
	obj, ok = sh.local.Store().Container("People", "2", "Photo", 1)
	require.True(t, ok)
	assert.Equal(t, []byte("remote jpg"), obj.Data)

	assertCode(t, sh.fail(t, "upload 1 FirstName "+path), 102)
	sh.fail(t, "upload 1 Photo "+filepath.Join(t.TempDir(), "missing.png"))
	store.AssertExpectations(t)
}

func TestExportCommands(t *testing.T) {
	store := &mockStore{}
	sh := newShell(t, store, "People")

	store.On("UploadExport", "People").Return("exports/2025-03-01/People-1.jsonl", nil).Twice()

	out := sh.run(t, "export")
	assert.Equal(t, "Exported 5 record(s) to exports/2025-03-01/People-1.jsonl\n", out)
	require.Len(t, store.exported, 1)
	lines := strings.Split(strings.TrimSpace(store.exported[0]), "\n")
	assert.Len(t, lines, 5)
	assert.Contains(t, lines[0], `"recordId":"1"`)

	out = sh.run(t, "export City=London --portal=Projects")
	assert.Contains(t, out, "Exported 1 record(s)")
	require.Len(t, store.exported, 2)
	assert.Contains(t, store.exported[1], "Engine")

	assert.Equal(t, "No records to export\n", sh.run(t, "export City=Atlantis"))

	modified := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	store.On("ListExports", "2025-03-01").Return([]storage.Object{
		{Key: "exports/2025-03-01/People-1.jsonl", Size: 42, LastModified: modified},
	}, nil).Once()
	store.On("ListExports", "2025-03-02").Return(nil, nil).Once()
	store.On("Delete", "exports/2025-03-01/People-1.jsonl").Return(nil).Once()

	assert.Equal(t, "exports/2025-03-01/People-1.jsonl\t42\t2025-03-01T13:00:00Z\n", sh.run(t, "exports 2025-03-01"))
	assert.Equal(t, "No exports\n", sh.run(t, "exports 2025-03-02"))
	assert.ErrorIs(t, sh.app.Execute(context.Background(), "exports March"), ErrUsage)
	assert.Equal(t, "Deleted exports/2025-03-01/People-1.jsonl\n", sh.run(t, "rmexport exports/2025-03-01/People-1.jsonl"))

	store.AssertExpectations(t)
}

func TestWriteRecordsPages(t *testing.T) {
	calls := 0
	fetch := func(offset int) (*dataapi.Result, error) {
		calls++
		n := exportPageSize
		if offset > exportPageSize {
			n = 3
		}
		records := make([]dataapi.Record, n)
		return &dataapi.Result{Records: records, DataInfo: &dataapi.DataInfo{FoundCount: exportPageSize + 3}}, nil
	}

	var buf bytes.Buffer
	count, err := writeRecords(&buf, fetch)
	require.NoError(t, err)
	assert.Equal(t, exportPageSize+3, count)
	assert.Equal(t, 2, calls)

	_, err = writeRecords(&buf, func(int) (*dataapi.Result, error) {
		return &dataapi.Result{TokenExpired: true}, nil
	})
	assert.Error(t, err)
}

type mapBackend map[string]tokencache.Entry

func (m mapBackend) Load(_ context.Context, key string) (tokencache.Entry, error) {
	e, ok := m[key]
	if !ok {
		return tokencache.Entry{}, tokencache.ErrNotFound
	}
	return e, nil
}

func (m mapBackend) Save(_ context.Context, key string, e tokencache.Entry) error {
	m[key] = e
	return nil
}

func (m mapBackend) Delete(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func TestConnectSharesCachedToken(t *testing.T) {
	ctx := context.Background()
	log := quietLogger()
	local := startFake(t, log)

	backend := mapBackend{}
	tokens := tokencache.NewSession(backend, "admin@Demo")

	first, err := Connect(ctx, shellConfig(local, ""), tokens, io.Discard, log)
	require.NoError(t, err)
	defer first.Close()
	require.Contains(t, backend, "admin@Demo")
	assert.Equal(t, first.Token(), backend["admin@Demo"].Token)

	second, err := Connect(ctx, shellConfig(local, ""), tokens, io.Discard, log)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, first.Token(), second.Token(), "Second run resumes the cached session")

	// a token the server no longer knows is replaced by a fresh login
	backend["admin@Demo"] = tokencache.Entry{Token: "revoked", IssuedAt: time.Now()}
	third, err := Connect(ctx, shellConfig(local, ""), tokens, io.Discard, log)
	require.NoError(t, err)
	defer third.Close()
	assert.NotEqual(t, "revoked", third.Token())
	assert.Equal(t, third.Token(), backend["admin@Demo"].Token)

	app := NewApp(Options{Client: third, Tokens: tokens, In: strings.NewReader(""), Out: io.Discard, Log: log})
	require.NoError(t, app.Execute(ctx, "logout"))
	assert.NotContains(t, backend, "admin@Demo", "Logout clears the cached token")
}
