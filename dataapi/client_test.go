package dataapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/birbparty/fmdapi/dataapi/internal/mockserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peoplePath = "/vLatest/databases/Demo/layouts/People"

func testConfig(ms *mockserver.Server) *Config {
	return DefaultConfig().
		WithBaseURL(ms.BaseURL()).
		WithDatabase(mockserver.Database)
}

// newLoggedInClient returns a client that has logged in as admin
func newLoggedInClient(t *testing.T, ms *mockserver.Server, configure ...func(*Config)) *Client {
	t.Helper()
	config := testConfig(ms).WithCredentials("admin", "secret")
	for _, fn := range configure {
		fn(config)
	}
	client, err := New(context.Background(), config)
	require.NoError(t, err, "Failed to create client")
	t.Cleanup(func() { client.Close() })
	ms.Reset()
	return client
}

func decodeBody(t *testing.T, req mockserver.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body), "Body is not JSON: %s", req.Body)
	return body
}

func TestNewLogsIn(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client, err := New(context.Background(), testConfig(ms).WithCredentials("admin", "secret"))
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.HasToken())
	assert.Equal(t, mockserver.Token, client.Token())
	assert.False(t, client.IsTokenExpired())

	req, ok := ms.Last()
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/vLatest/databases/Demo/sessions", req.Path)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")), req.Header.Get("Authorization"))
	assert.JSONEq(t, `{}`, string(req.Body))
}

func TestNewWithoutCredentials(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client, err := New(context.Background(), testConfig(ms))
	require.NoError(t, err)
	defer client.Close()

	assert.False(t, client.HasToken())
	assert.Zero(t, ms.Count(), "No login without credentials")

	_, err = New(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "Database is required")
}

func TestNewResumesToken(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	issued := time.Now().Add(-2 * time.Minute)
	client, err := New(context.Background(), testConfig(ms).
		WithCredentials("admin", "secret").
		WithToken("cached-token", issued))
	require.NoError(t, err)
	defer client.Close()

	assert.Zero(t, ms.Count(), "Resuming must not log in")
	assert.Equal(t, "cached-token", client.Token())
	at, ok := client.TokenIssuedAt()
	require.True(t, ok)
	assert.True(t, at.Equal(issued))

	// a stale cached token is replaced through the stored credentials
	ms.Handle("GET /vLatest/validateSession", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(nil)
	})
	stale, err := New(context.Background(), testConfig(ms).
		WithCredentials("admin", "secret").
		WithToken("old-token", time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	defer stale.Close()
	require.True(t, stale.IsTokenExpired())

	valid, err := stale.ValidateSession(context.Background())
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, mockserver.Token, stale.Token())

	req, ok := ms.Last()
	require.True(t, ok)
	assert.Equal(t, "Bearer "+mockserver.Token, req.Header.Get("Authorization"))
}

func TestNewLoginFailure(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.HandleError("POST /vLatest/databases/Demo/sessions", http.StatusUnauthorized, "212", "Invalid user account and/or password; please try again")

	_, err := New(context.Background(), testConfig(ms).WithCredentials("admin", "wrong"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "212", apiErr.Code)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestLoginValidation(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client, err := New(context.Background(), testConfig(ms))
	require.NoError(t, err)
	defer client.Close()

	assert.ErrorIs(t, client.Login(context.Background(), "", "pw"), ErrEmptyCredentials)
	assert.ErrorIs(t, client.LoginOAuth(context.Background(), "req", ""), ErrEmptyCredentials)
	assert.Zero(t, ms.Count())
}

func TestLoginWithoutToken(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("POST /vLatest/databases/Demo/sessions", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(nil)
	})

	client, err := New(context.Background(), testConfig(ms))
	require.NoError(t, err)
	defer client.Close()

	err = client.Login(context.Background(), "admin", "secret")
	assert.Equal(t, ErrorTypeProtocol, TypeOf(err))
	assert.False(t, client.HasToken())
}

func TestLoginOAuth(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client, err := New(context.Background(), testConfig(ms))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.LoginOAuth(context.Background(), "req-1", "ident-1"))
	assert.Equal(t, mockserver.Token, client.Token())

	req, _ := ms.Last()
	assert.Equal(t, "oauth", req.Header.Get("X-FM-Data-Login-Type"))
	assert.Equal(t, "req-1", req.Header.Get("X-FM-Data-OAuth-Request-Id"))
	assert.Equal(t, "ident-1", req.Header.Get("X-FM-Data-OAuth-Identifier"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestProtectedCallWithoutToken(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client, err := New(context.Background(), testConfig(ms))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.GetRecord(context.Background(), "People", "1")
	assert.ErrorIs(t, err, ErrAuthUnavailable)
	_, err = client.FindRecords(context.Background(), "People", []QueryGroup{})
	assert.ErrorIs(t, err, ErrAuthUnavailable, "Find recovery does not hide missing auth")
	assert.Zero(t, ms.Count(), "No request without a token")
}

func TestCreateRecord(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("POST "+peoplePath+"/records", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"recordId": "42", "modId": "0", "scriptResult": "created", "scriptError": "0"})
	})

	client := newLoggedInClient(t, ms)
	result, err := client.CreateRecord(context.Background(), "People", map[string]interface{}{
		"Name":    "Ada",
		"Age":     36,
		"Score":   9.5,
		"Active":  true,
		"Retired": false,
		"Nick":    nil,
	},
		WithScript(ScriptPostRequest, "After Create", ""),
		WithPortalData(map[string]interface{}{"Orders": []interface{}{map[string]interface{}{"Orders::Total": "12"}}}),
	)
	require.NoError(t, err)
	assert.Equal(t, "42", result.RecordID)
	assert.Equal(t, "0", result.ModID)
	assert.Equal(t, ScriptOutcome{Result: "created", Error: "0"}, result.Scripts[ScriptPostRequest])
	assert.Nil(t, result.Response, "Raw response only on request")

	req, _ := ms.Last()
	assert.Equal(t, "Bearer "+mockserver.Token, req.Header.Get("Authorization"))
	body := decodeBody(t, req)
	assert.Equal(t, map[string]interface{}{
		"Name":    "Ada",
		"Age":     "36",
		"Score":   "9.5",
		"Active":  "1",
		"Retired": "",
		"Nick":    "",
	}, body["fieldData"])
	assert.Equal(t, "After Create", body["script"])
	assert.NotContains(t, body, "script.param")
	assert.Contains(t, body, "portalData")
}

func TestEditRecord(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("PATCH "+peoplePath+"/records/7", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"modId": "4"})
	})

	client := newLoggedInClient(t, ms)
	result, err := client.EditRecord(context.Background(), "People", "7", map[string]interface{}{"Name": "Grace"},
		WithModID("3"),
		WithScript(ScriptPreRequest, "Check", ""),
	)
	require.NoError(t, err)
	assert.Equal(t, "4", result.ModID)

	req, _ := ms.Last()
	body := decodeBody(t, req)
	assert.Equal(t, "3", body["modId"])
	assert.Equal(t, "Check", body["scriptprerequest"])
	assert.Equal(t, "", body["scriptprerequest.param"])
}

func TestEditRecordModIDMismatch(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.HandleError("PATCH "+peoplePath+"/records/7", http.StatusInternalServerError, "306", "Record modification id does not match")

	client := newLoggedInClient(t, ms)
	_, err := client.EditRecord(context.Background(), "People", "7", map[string]interface{}{"Name": "Grace"}, WithModID("1"))
	code, ok := CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, 306, code)
}

func TestDuplicateAndDeleteRecord(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("POST "+peoplePath+"/records/7", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"recordId": "8", "modId": "0"})
	})
	ms.Handle("DELETE "+peoplePath+"/records/8", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(nil)
	})

	client := newLoggedInClient(t, ms)

	dup, err := client.DuplicateRecord(context.Background(), "People", "7")
	require.NoError(t, err)
	assert.Equal(t, "8", dup.RecordID)

	_, err = client.DeleteRecord(context.Background(), "People", "8", WithScript(ScriptPostRequest, "Cleanup", "all"))
	require.NoError(t, err)

	req, _ := ms.Last()
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "Cleanup", req.Query.Get("script"))
	assert.Equal(t, "all", req.Query.Get("script.param"))
}

func TestGetRecord(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("GET "+peoplePath+"/records/1", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{
			"dataInfo": map[string]interface{}{"database": "Demo", "layout": "People", "table": "People", "totalRecordCount": 3, "foundCount": 1, "returnedCount": 1},
			"data": []interface{}{
				map[string]interface{}{"recordId": "1", "modId": "2", "fieldData": map[string]interface{}{"Name": "Ada"}, "portalData": map[string]interface{}{}},
			},
		})
	})
	ms.Handle("GET "+peoplePath+"/records/2", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"data": []interface{}{}})
	})

	client := newLoggedInClient(t, ms)

	result, err := client.GetRecord(context.Background(), "People", "1",
		WithPortals(NewPortal("Orders").WithLimit(5)),
		WithResponseLayout("People Detail"),
	)
	require.NoError(t, err)
	require.NotNil(t, result.First())
	assert.Equal(t, "Ada", result.First().FieldData["Name"])
	assert.Equal(t, 3, result.DataInfo.TotalRecordCount)

	req, _ := ms.Last()
	assert.Equal(t, `["Orders"]`, req.Query.Get("portal"))
	assert.Equal(t, "5", req.Query.Get("_limit.Orders"))
	assert.Equal(t, "People Detail", req.Query.Get("layout.response"))

	_, err = client.GetRecord(context.Background(), "People", "2")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestGetRecordMissing(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.HandleError("GET "+peoplePath+"/records/99", http.StatusInternalServerError, "101", "Record is missing")

	client := newLoggedInClient(t, ms)
	_, err := client.GetRecord(context.Background(), "People", "99")
	code, _ := CodeOf(err)
	assert.Equal(t, CodeRecordMissing, code)
}

func TestGetRecords(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("GET "+peoplePath+"/records", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"recordId": "1", "modId": "0", "fieldData": map[string]interface{}{"Name": "Ada"}},
				map[string]interface{}{"recordId": "2", "modId": "0", "fieldData": map[string]interface{}{"Name": "Grace"}},
			},
		})
	})

	client := newLoggedInClient(t, ms)
	result, err := client.GetRecords(context.Background(), "People",
		WithOffset(11), WithLimit(2),
		WithSort(Sort{FieldName: "Name", SortOrder: SortDescend}),
		WithDateFormat(DateFormatISO8601),
	)
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)

	req, _ := ms.Last()
	assert.Equal(t, "11", req.Query.Get("_offset"))
	assert.Equal(t, "2", req.Query.Get("_limit"))
	assert.JSONEq(t, `[{"fieldName":"Name","sortOrder":"descend"}]`, req.Query.Get("_sort"))
	assert.Equal(t, "2", req.Query.Get("dateformats"))
}

func TestFindRecords(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("POST "+peoplePath+"/_find", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{
			"dataInfo": map[string]interface{}{"foundCount": 1, "returnedCount": 1},
			"data": []interface{}{
				map[string]interface{}{"recordId": "5", "modId": "1", "fieldData": map[string]interface{}{"City": "Paris"}},
			},
		})
	})

	client := newLoggedInClient(t, ms)
	result, err := client.FindRecords(context.Background(), "People", []QueryGroup{
		{Fields: []QueryField{{FieldName: "City", FieldValue: "Paris"}}},
		{Fields: []QueryField{{FieldName: "Status", FieldValue: "closed"}}, Options: &QueryOptions{Omit: true}},
	},
		WithOffset(1), WithLimit(10),
		WithSort(Sort{FieldName: "Name"}),
		WithPortals(NewPortal("Orders").WithOffset(1)),
		WithScript(ScriptPreSort, "Sorter", "x"),
		WithDateFormat(DateFormatFileLocale),
		WithResponseLayout("Compact"),
	)
	require.NoError(t, err)
	assert.False(t, result.TokenExpired)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "5", result.Records[0].RecordID)
	assert.Equal(t, 1, result.DataInfo.FoundCount)

	req, _ := ms.Last()
	assert.JSONEq(t, `{
		"query": [{"City": "Paris", "omit": "false"}, {"Status": "closed", "omit": "true"}],
		"offset": 1,
		"limit": 10,
		"sort": [{"fieldName": "Name"}],
		"portal": ["Orders"],
		"offset.Orders": 1,
		"scriptpresort": "Sorter",
		"scriptpresort.param": "x",
		"dateformats": 1,
		"layout.response": "Compact"
	}`, string(req.Body))
}

func TestFindRecordsRecovery(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		code         string
		message      string
		wantErr      bool
		tokenExpired bool
	}{
		{name: "no records", status: http.StatusInternalServerError, code: "401", message: "No records match the request"},
		{name: "no records with 401 status", status: http.StatusUnauthorized, code: "401", message: "No records match the request"},
		{name: "invalid token", status: http.StatusUnauthorized, code: "952", message: "Invalid FileMaker Data API token (*)", tokenExpired: true},
		{name: "other error", status: http.StatusInternalServerError, code: "102", message: "Field is missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := mockserver.New()
			defer ms.Close()
			ms.HandleError("POST "+peoplePath+"/_find", tt.status, tt.code, tt.message)

			client := newLoggedInClient(t, ms)
			result, err := client.FindRecords(context.Background(), "People", QueryGroup{Fields: []QueryField{{FieldName: "City", FieldValue: "Nowhere"}}})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrorTypeApplication, TypeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Empty(t, result.Records)
			assert.NotNil(t, result.Records)
			assert.Equal(t, tt.tokenExpired, result.TokenExpired)
		})
	}
}

func TestOtherOperationsRaiseInvalidToken(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.HandleError("GET "+peoplePath+"/records", http.StatusUnauthorized, "952", "Invalid FileMaker Data API token (*)")

	client := newLoggedInClient(t, ms)
	_, err := client.GetRecords(context.Background(), "People")
	assert.True(t, IsTokenExpired(err))
}

func TestRecoveryPolicy(t *testing.T) {
	policy := FindRecoveryPolicy()

	assert.Equal(t, RecoverEmptyResult, policy.Action(&APIError{StatusCode: 500, Code: "401"}))
	assert.Equal(t, RecoverTokenExpired, policy.Action(&APIError{StatusCode: 401, Code: "952"}))
	assert.Equal(t, RecoverNone, policy.Action(&APIError{StatusCode: 500, Code: "101"}))
	assert.Equal(t, RecoverNone, policy.Action(&NetworkError{Op: "x", Err: io.EOF}))
	assert.Equal(t, RecoverNone, policy.Action(ErrAuthUnavailable))

	res, ok := policy.Recover(&APIError{StatusCode: 401, Code: "952"})
	require.True(t, ok)
	assert.True(t, res.TokenExpired)

	_, ok = policy.Recover(errors.New("other"))
	assert.False(t, ok)

	custom := RecoveryPolicy{101: RecoverEmptyResult}
	res, ok = custom.Recover(&APIError{StatusCode: 500, Code: "101"})
	require.True(t, ok)
	assert.False(t, res.TokenExpired)
}

func TestExecuteScript(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("GET "+peoplePath+"/script/Say%20Hello", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"scriptResult": "Hello " + r.URL.Query().Get("script.param"), "scriptError": "0"})
	})

	client := newLoggedInClient(t, ms)
	result, err := client.ExecuteScript(context.Background(), "People", "Say Hello", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", result.Scripts[ScriptPostRequest].Result)
	assert.Equal(t, "0", result.Scripts[ScriptPostRequest].Error)
}

func TestSetGlobalFields(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("PATCH /vLatest/databases/Demo/globals", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(nil)
	})

	client := newLoggedInClient(t, ms)
	_, err := client.SetGlobalFields(context.Background(), map[string]interface{}{"Settings::gUser": "ada"})
	require.NoError(t, err)

	req, _ := ms.Last()
	assert.JSONEq(t, `{"globalFields":{"Settings::gUser":"ada"}}`, string(req.Body))
}

func TestUploadToContainerReader(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("POST "+peoplePath+"/records/3/containers/Photo%20Main/2", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		file, header, err := r.FormFile("upload")
		if err != nil {
			return http.StatusBadRequest, mockserver.Fail("960", err.Error())
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		return http.StatusOK, mockserver.OK(map[string]interface{}{"modId": "9", "name": header.Filename, "size": len(data)})
	})

	client := newLoggedInClient(t, ms)
	result, err := client.UploadToContainerReader(context.Background(), "People", "3", "Photo Main", 2, strings.NewReader("png"), "face.png")
	require.NoError(t, err)
	assert.Equal(t, "9", result.ModID)
	assert.Equal(t, "face.png", result.Payload["name"])

	_, err = client.UploadToContainerReader(context.Background(), "People", "3", "Photo", 1, nil, "x")
	assert.Error(t, err)
}

func TestLogout(t *testing.T) {
	t.Run("clears token and credentials", func(t *testing.T) {
		ms := mockserver.New()
		defer ms.Close()
		client := newLoggedInClient(t, ms)

		require.NoError(t, client.Logout(context.Background()))
		assert.False(t, client.HasToken())
		assert.ErrorIs(t, client.RefreshToken(context.Background()), ErrNoCredentials)

		req, _ := ms.Last()
		assert.Equal(t, http.MethodDelete, req.Method)
		assert.Equal(t, "/vLatest/databases/Demo/sessions/"+mockserver.Token, req.Path)
	})

	t.Run("keep credentials allows refresh", func(t *testing.T) {
		ms := mockserver.New()
		defer ms.Close()
		client := newLoggedInClient(t, ms, func(c *Config) { c.LogoutPolicy = LogoutKeepCredentials })

		require.NoError(t, client.Logout(context.Background()))
		assert.False(t, client.HasToken())
		require.NoError(t, client.RefreshToken(context.Background()))
		assert.True(t, client.HasToken())
	})

	t.Run("without token is a no-op", func(t *testing.T) {
		ms := mockserver.New()
		defer ms.Close()
		client, err := New(context.Background(), testConfig(ms))
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.Logout(context.Background()))
		assert.Zero(t, ms.Count())
	})

	t.Run("failure keeps token", func(t *testing.T) {
		ms := mockserver.New()
		defer ms.Close()
		client := newLoggedInClient(t, ms)
		ms.HandleError("DELETE /vLatest/databases/Demo/sessions/", http.StatusInternalServerError, "500", "Server error")

		require.Error(t, client.Logout(context.Background()))
		assert.True(t, client.HasToken())
		assert.Equal(t, mockserver.Token, client.Token())
	})

	t.Run("network failure keeps token", func(t *testing.T) {
		ms := mockserver.New()
		client := newLoggedInClient(t, ms)
		ms.Close()

		err := client.Logout(context.Background())
		assert.Equal(t, ErrorTypeNetwork, TypeOf(err))
		assert.True(t, client.HasToken())
	})
}

func TestStaleTokenIsRefreshed(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("GET "+peoplePath+"/records", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"data": []interface{}{}})
	})

	metrics := NewMetricsCollector()
	client := newLoggedInClient(t, ms, func(c *Config) { c.Observer = metrics })
	require.NoError(t, client.SetToken("stale", time.Now().Add(-20*time.Minute)))
	assert.True(t, client.IsTokenExpired())

	_, err := client.GetRecords(context.Background(), "People")
	require.NoError(t, err)

	requests := ms.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "/vLatest/databases/Demo/sessions", requests[0].Path, "Login replayed first")
	assert.Equal(t, "Bearer "+mockserver.Token, requests[1].Header.Get("Authorization"))
	assert.Equal(t, int64(1), metrics.GetMetrics()["token_refreshes"])
}

func TestFailedRefreshDropsToken(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client := newLoggedInClient(t, ms)
	ms.HandleError("POST /vLatest/databases/Demo/sessions", http.StatusUnauthorized, "212", "Invalid user account")
	require.NoError(t, client.SetToken("stale", time.Now().Add(-time.Hour)))

	_, err := client.GetRecords(context.Background(), "People")
	assert.ErrorIs(t, err, ErrAuthUnavailable)
	assert.False(t, client.HasToken())
	assert.Equal(t, 1, ms.Count(), "Only the login was attempted")
}

func TestValidateSession(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("GET /vLatest/validateSession", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		if r.Header.Get("Authorization") != "Bearer "+mockserver.Token {
			return http.StatusUnauthorized, mockserver.Fail("952", "Invalid FileMaker Data API token (*)")
		}
		return http.StatusOK, mockserver.OK(nil)
	})

	client := newLoggedInClient(t, ms)
	ok, err := client.ValidateSession(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, client.SetToken("bogus"))
	ok, err = client.ValidateSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetadata(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("GET /vLatest/databases", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			return http.StatusUnauthorized, mockserver.Fail("212", "Invalid user account")
		}
		return http.StatusOK, mockserver.OK(map[string]interface{}{"databases": []interface{}{map[string]interface{}{"name": "Demo"}, map[string]interface{}{"name": "Archive"}}})
	})
	ms.Handle("GET /vLatest/databases/Demo/layouts", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"layouts": []interface{}{
			map[string]interface{}{"name": "People"},
			map[string]interface{}{"name": "Admin", "isFolder": true, "folderLayoutNames": []interface{}{map[string]interface{}{"name": "Users"}}},
		}})
	})
	ms.Handle("GET /vLatest/databases/Demo/scripts", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"scripts": []interface{}{map[string]interface{}{"name": "Say Hello"}}})
	})
	ms.Handle("GET "+peoplePath, func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{
			"fieldMetaData": []interface{}{map[string]interface{}{"name": "Name", "type": "normal", "result": "text", "maxRepeat": 1}},
			"portalMetaData": map[string]interface{}{
				"Orders": []interface{}{map[string]interface{}{"name": "Orders::Total", "result": "number"}},
			},
			"valueLists": []interface{}{map[string]interface{}{"name": "Cities", "type": "customList", "values": []interface{}{map[string]interface{}{"displayValue": "Paris", "value": "Paris"}}}},
			"recordId":   r.URL.Query().Get("recordId"),
		})
	})

	client := newLoggedInClient(t, ms)
	ctx := context.Background()

	info, err := client.ProductInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Mock Data API Engine", info.Name)
	req, _ := ms.Last()
	assert.Empty(t, req.Header.Get("Authorization"), "Product info needs no session")

	dbs, err := client.DatabaseNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Demo", "Archive"}, dbs)

	layouts, err := client.LayoutNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"People", "Users"}, FlattenNames(layouts))

	scripts, err := client.ScriptNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Say Hello"}, FlattenNames(scripts))

	meta, err := client.LayoutMetadata(ctx, "People", "12")
	require.NoError(t, err)
	require.Len(t, meta.FieldMetaData, 1)
	assert.Equal(t, "text", meta.FieldMetaData[0].Result)
	assert.Equal(t, "number", meta.PortalMetaData["Orders"][0].Result)
	assert.Equal(t, "Paris", meta.ValueLists[0].Values[0].DisplayValue)
	req, _ = ms.Last()
	assert.Equal(t, "12", req.Query.Get("recordId"))
}

func TestDatabaseNamesNeedsPasswordLogin(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client, err := New(context.Background(), testConfig(ms))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.LoginOAuth(context.Background(), "req", "ident"))

	_, err = client.DatabaseNames(context.Background())
	assert.ErrorIs(t, err, ErrAuthUnavailable)
}

func TestReturnRawResponse(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("POST "+peoplePath+"/records", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		w.Header().Set("X-Trace", "t-1")
		return http.StatusOK, mockserver.OK(map[string]interface{}{"recordId": "1", "modId": "0"})
	})
	ms.HandleError("POST "+peoplePath+"/_find", http.StatusInternalServerError, "401", "No records match the request")

	client := newLoggedInClient(t, ms, func(c *Config) { c.ReturnRawResponse = true })

	result, err := client.CreateRecord(context.Background(), "People", nil)
	require.NoError(t, err)
	require.NotNil(t, result.Response)
	assert.Equal(t, "t-1", result.Response.Header("X-Trace"))

	found, err := client.FindRecords(context.Background(), "People", QueryGroup{Fields: []QueryField{}})
	require.NoError(t, err)
	require.NotNil(t, found.Response, "Recovered results keep the reply")
	assert.Equal(t, http.StatusInternalServerError, found.Response.StatusCode)
}

func TestClientObserver(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	metrics := NewMetricsCollector()
	client := newLoggedInClient(t, ms, func(c *Config) { c.Observer = metrics })

	_, err := client.ProductInfo(context.Background())
	require.NoError(t, err)
	_, _ = client.GetRecord(context.Background(), "Nowhere", "1")

	snapshot := metrics.GetMetrics()
	requests := snapshot["requests"].(map[string]int64)
	assert.Equal(t, int64(1), requests["Login"])
	assert.Equal(t, int64(1), requests["ProductInfo"])
	assert.Equal(t, int64(1), requests["GetRecord"])
	assert.Equal(t, int64(1), snapshot["errors"].(map[string]int64)["GetRecord"])
	assert.Equal(t, int64(1), snapshot["statuses"].(map[int]int64)[http.StatusNotFound])
}

func TestClosedClient(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()

	client := newLoggedInClient(t, ms)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "Close is idempotent")

	_, err := client.GetRecords(context.Background(), "People")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, client.Login(context.Background(), "a", "b"), ErrClientClosed)
	_, err = client.ProductInfo(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestEncodedPaths(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	ms.Handle("POST /v1/databases/My%20Files/sessions", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"token": "t"})
	})
	ms.Handle("GET /v1/databases/My%20Files/layouts/A%2FB/records", func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, mockserver.OK(map[string]interface{}{"data": []interface{}{}})
	})

	config := DefaultConfig().
		WithBaseURL(ms.BaseURL()).
		WithDatabase(" My Files ").
		WithAPIVersion(V1).
		WithCredentials("admin", "secret")
	client, err := New(context.Background(), config)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.GetRecords(context.Background(), "A/B")
	require.NoError(t, err)
}

func TestMetadataEmptyBody(t *testing.T) {
	ms := mockserver.New()
	defer ms.Close()
	empty := func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusOK, nil
	}
	ms.Handle("GET /vLatest/productInfo", empty)
	ms.Handle("GET /vLatest/databases/Demo/layouts", empty)
	ms.Handle("GET /vLatest/databases/Demo/scripts", empty)
	ms.Handle("GET /vLatest/databases/Demo/layouts/People", empty)

	client := newLoggedInClient(t, ms)
	ctx := context.Background()

	info, err := client.ProductInfo(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Name)

	layouts, err := client.LayoutNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, layouts)

	scripts, err := client.ScriptNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, scripts)

	meta, err := client.LayoutMetadata(ctx, "People", "")
	require.NoError(t, err)
	assert.Empty(t, meta.FieldMetaData)
}
