package dataapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// RequestOptions are the optional parts of a record request. Options an
// operation has no use for are ignored.
type RequestOptions struct {
	Scripts        []Script
	Portals        []Portal
	DateFormat     *DateFormat
	ResponseLayout string
	Sort           []Sort
	Offset         *int
	Limit          *int
	ModID          string
	PortalData     map[string]interface{}
}

// RequestOption configures a single request.
//
// Example:
//
//	result, err := client.GetRecords(ctx, "People",
//	    dataapi.WithSort(dataapi.Sort{FieldName: "LastName", SortOrder: dataapi.SortAscend}),
//	    dataapi.WithLimit(50),
//	    dataapi.WithScript(dataapi.ScriptPreRequest, "Audit", "read"),
//	)
type RequestOption func(*RequestOptions)

// WithScripts runs scripts alongside the request
func WithScripts(scripts ...Script) RequestOption {
	return func(o *RequestOptions) {
		o.Scripts = append(o.Scripts, scripts...)
	}
}

// WithScript runs one script alongside the request
func WithScript(t ScriptType, name, param string) RequestOption {
	return WithScripts(Script{Type: t, Name: name, Param: param})
}

// WithPortals selects the portals returned with each record
func WithPortals(portals ...Portal) RequestOption {
	return func(o *RequestOptions) {
		o.Portals = append(o.Portals, portals...)
	}
}

// WithDateFormat sets how dates are read and written
func WithDateFormat(format DateFormat) RequestOption {
	return func(o *RequestOptions) {
		o.DateFormat = &format
	}
}

// WithResponseLayout returns records through a different layout than the
// one the request runs on
func WithResponseLayout(layout string) RequestOption {
	return func(o *RequestOptions) {
		o.ResponseLayout = layout
	}
}

// WithSort orders the returned records
func WithSort(sorts ...Sort) RequestOption {
	return func(o *RequestOptions) {
		o.Sort = append(o.Sort, sorts...)
	}
}

// WithOffset skips to the given 1-based record
func WithOffset(offset int) RequestOption {
	return func(o *RequestOptions) {
		o.Offset = &offset
	}
}

// WithLimit caps the number of returned records
func WithLimit(limit int) RequestOption {
	return func(o *RequestOptions) {
		o.Limit = &limit
	}
}

// WithModID makes an edit fail unless the record is still at modID
func WithModID(modID string) RequestOption {
	return func(o *RequestOptions) {
		o.ModID = modID
	}
}

// WithPortalData creates or edits related records with the request
func WithPortalData(portalData map[string]interface{}) RequestOption {
	return func(o *RequestOptions) {
		o.PortalData = portalData
	}
}

func applyOptions(opts []RequestOption) *RequestOptions {
	o := &RequestOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// addScripts merges script keys into a JSON body.
func (o *RequestOptions) addScripts(body map[string]interface{}) {
	for k, v := range CompileScripts(o.Scripts) {
		body[k] = v
	}
}

// addReadOptions merges the body keys shared by find requests.
func (o *RequestOptions) addReadOptions(body map[string]interface{}) {
	for k, v := range CompilePortals(o.Portals) {
		body[k] = v
	}
	if o.DateFormat != nil {
		for k, v := range CompileDateFormat(*o.DateFormat) {
			body[k] = v
		}
	}
	if o.ResponseLayout != "" {
		body["layout.response"] = o.ResponseLayout
	}
}

// query renders the options usable on GET requests.
func (o *RequestOptions) query() url.Values {
	q := url.Values{}
	compileScriptQuery(o.Scripts, q)
	compilePortalQuery(o.Portals, q)
	if o.DateFormat != nil {
		q.Set("dateformats", strconv.Itoa(CompileDateFormat(*o.DateFormat)["dateformats"].(int)))
	}
	if o.ResponseLayout != "" {
		q.Set("layout.response", o.ResponseLayout)
	}
	return q
}

// ScriptOutcome is what one script run reported.
type ScriptOutcome struct {
	Result string
	Error  string
}

// ScriptResults maps each point at which a script ran to its outcome.
type ScriptResults map[ScriptType]ScriptOutcome

// Result is the outcome of a record, find or script request.
type Result struct {
	// RecordID is set by create and duplicate
	RecordID string
	// ModID is set by create, edit, duplicate and upload
	ModID string
	// Records holds the returned rows of read requests
	Records []Record
	// DataInfo describes the found set of read requests
	DataInfo *DataInfo
	// Payload is the reply's "response" object
	Payload map[string]interface{}
	// Scripts holds the outcome of scripts run with the request
	Scripts ScriptResults
	// TokenExpired is set when a find was rejected for an invalid token
	TokenExpired bool
	// Response is the normalized reply, kept only with Config.ReturnRawResponse
	Response *Response
}

// First returns the first record, or nil
func (r *Result) First() *Record {
	if r == nil || len(r.Records) == 0 {
		return nil
	}
	return &r.Records[0]
}

// result extracts a Result from resp. decode is set for requests that
// return records.
func (c *Client) result(resp *Response, decode bool) (*Result, error) {
	res := &Result{
		RecordID: resp.RecordID(),
		ModID:    resp.ModID(),
		Records:  []Record{},
		Payload:  resp.Payload(),
		Scripts:  scriptResults(resp),
	}
	if decode {
		records, info, err := resp.DecodeRecords()
		if err != nil {
			return nil, err
		}
		res.Records = records
		res.DataInfo = info
	}
	if c.config.ReturnRawResponse {
		res.Response = resp
	}
	return res, nil
}

func scriptResults(resp *Response) ScriptResults {
	out := ScriptResults{}
	for _, t := range []ScriptType{ScriptPreRequest, ScriptPreSort, ScriptPostRequest} {
		result, hasResult := resp.ScriptResult(t)
		code, hasError := resp.ScriptError(t)
		if hasResult || hasError {
			out[t] = ScriptOutcome{Result: result, Error: code}
		}
	}
	return out
}

// RecoveryAction is what a request does with a matching error code.
type RecoveryAction int

const (
	// RecoverNone returns the error
	RecoverNone RecoveryAction = iota
	// RecoverEmptyResult returns an empty Result and no error
	RecoverEmptyResult
	// RecoverTokenExpired returns a Result with TokenExpired set and no error
	RecoverTokenExpired
)

// RecoveryPolicy maps Data API message codes to recovery actions.
type RecoveryPolicy map[int]RecoveryAction

// FindRecoveryPolicy returns the policy FindRecords applies: no matching
// records is an empty result, and a rejected token is flagged on the result.
func FindRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		CodeNoRecords:    RecoverEmptyResult,
		CodeInvalidToken: RecoverTokenExpired,
	}
}

// Action returns the action for err. Errors that are not application
// errors always map to RecoverNone.
func (p RecoveryPolicy) Action(err error) RecoveryAction {
	code, ok := CodeOf(err)
	if !ok {
		return RecoverNone
	}
	return p[code]
}

// Recover applies the policy. It returns the recovered Result and true, or
// nil and false when err must be returned to the caller.
func (p RecoveryPolicy) Recover(err error) (*Result, bool) {
	switch p.Action(err) {
	case RecoverEmptyResult:
		return &Result{Records: []Record{}, Payload: map[string]interface{}{}, Scripts: ScriptResults{}}, true
	case RecoverTokenExpired:
		return &Result{Records: []Record{}, Payload: map[string]interface{}{}, Scripts: ScriptResults{}, TokenExpired: true}, true
	}
	return nil, false
}

// CreateRecord adds a record to layout. Field values are sent as strings.
//
// Example:
//
//	result, err := client.CreateRecord(ctx, "People", map[string]interface{}{
//	    "FirstName": "Ada",
//	    "Age":       36,
//	})
//	fmt.Println(result.RecordID)
func (c *Client) CreateRecord(ctx context.Context, layout string, fields map[string]interface{}, opts ...RequestOption) (*Result, error) {
	o := applyOptions(opts)

	body := map[string]interface{}{
		"fieldData": stringifyFields(fields),
	}
	if len(o.PortalData) > 0 {
		body["portalData"] = o.PortalData
	}
	if o.DateFormat != nil {
		body["dateformats"] = CompileDateFormat(*o.DateFormat)["dateformats"]
	}
	o.addScripts(body)

	resp, err := c.sendAuthed(ctx, "CreateRecord", &Request{
		Method: http.MethodPost,
		Path:   c.layoutPath(layout, "/records"),
		JSON:   body,
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, false)
}

// EditRecord updates fields of one record. With WithModID the edit fails
// if the record changed in the meantime.
func (c *Client) EditRecord(ctx context.Context, layout, recordID string, fields map[string]interface{}, opts ...RequestOption) (*Result, error) {
	o := applyOptions(opts)

	body := map[string]interface{}{
		"fieldData": stringifyFields(fields),
	}
	if o.ModID != "" {
		body["modId"] = o.ModID
	}
	if len(o.PortalData) > 0 {
		body["portalData"] = o.PortalData
	}
	if o.DateFormat != nil {
		body["dateformats"] = CompileDateFormat(*o.DateFormat)["dateformats"]
	}
	o.addScripts(body)

	resp, err := c.sendAuthed(ctx, "EditRecord", &Request{
		Method: http.MethodPatch,
		Path:   c.layoutPath(layout, "/records/"+URLEncodeSegment(recordID)),
		JSON:   body,
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, false)
}

// DuplicateRecord copies a record and returns the new record's id
func (c *Client) DuplicateRecord(ctx context.Context, layout, recordID string, opts ...RequestOption) (*Result, error) {
	o := applyOptions(opts)

	body := map[string]interface{}{}
	o.addScripts(body)

	resp, err := c.sendAuthed(ctx, "DuplicateRecord", &Request{
		Method: http.MethodPost,
		Path:   c.layoutPath(layout, "/records/"+URLEncodeSegment(recordID)),
		JSON:   body,
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, false)
}

// DeleteRecord removes a record. Scripts travel as query parameters.
func (c *Client) DeleteRecord(ctx context.Context, layout, recordID string, opts ...RequestOption) (*Result, error) {
	o := applyOptions(opts)

	q := url.Values{}
	compileScriptQuery(o.Scripts, q)

	resp, err := c.sendAuthed(ctx, "DeleteRecord", &Request{
		Method: http.MethodDelete,
		Path:   c.layoutPath(layout, "/records/"+URLEncodeSegment(recordID)),
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, false)
}

// GetRecord fetches one record. A reply without data is ErrNoRecord.
func (c *Client) GetRecord(ctx context.Context, layout, recordID string, opts ...RequestOption) (*Result, error) {
	o := applyOptions(opts)

	resp, err := c.sendAuthed(ctx, "GetRecord", &Request{
		Method: http.MethodGet,
		Path:   c.layoutPath(layout, "/records/"+URLEncodeSegment(recordID)),
		Query:  o.query(),
	})
	if err != nil {
		return nil, err
	}

	res, err := c.result(resp, true)
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("%w: record %s on layout %s", ErrNoRecord, recordID, layout)
	}
	return res, nil
}

// GetRecords fetches a range of records, honouring WithOffset, WithLimit
// and WithSort.
func (c *Client) GetRecords(ctx context.Context, layout string, opts ...RequestOption) (*Result, error) {
	o := applyOptions(opts)

	q := o.query()
	if o.Offset != nil {
		q.Set("_offset", strconv.Itoa(*o.Offset))
	}
	if o.Limit != nil {
		q.Set("_limit", strconv.Itoa(*o.Limit))
	}
	compileSortQuery(o.Sort, q)

	resp, err := c.sendAuthed(ctx, "GetRecords", &Request{
		Method: http.MethodGet,
		Path:   c.layoutPath(layout, "/records"),
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, true)
}

// FindRecords runs a find request. query is anything CompileFindQuery
// accepts.
//
// A find that matches nothing returns an empty Result, and a rejected
// token returns a Result with TokenExpired set; neither is an error.
//
// Example:
//
//	result, err := client.FindRecords(ctx, "People", []dataapi.QueryGroup{
//	    {Fields: []dataapi.QueryField{{FieldName: "City", FieldValue: "Paris"}}},
//	}, dataapi.WithLimit(10))
//	if err != nil {
//	    return err
//	}
//	if result.TokenExpired {
//	    // Log in again
//	}
func (c *Client) FindRecords(ctx context.Context, layout string, query interface{}, opts ...RequestOption) (*Result, error) {
	o := applyOptions(opts)

	body := map[string]interface{}{
		"query": CompileFindQuery(query),
	}
	if o.Offset != nil {
		body["offset"] = *o.Offset
	}
	if o.Limit != nil {
		body["limit"] = *o.Limit
	}
	if sorts := CompileSort(o.Sort); sorts != nil {
		body["sort"] = sorts
	}
	o.addScripts(body)
	o.addReadOptions(body)

	resp, err := c.sendAuthed(ctx, "FindRecords", &Request{
		Method: http.MethodPost,
		Path:   c.layoutPath(layout, "/_find"),
		JSON:   body,
	})
	if err != nil {
		if res, ok := FindRecoveryPolicy().Recover(err); ok {
			if c.config.ReturnRawResponse {
				res.Response = resp
			}
			return res, nil
		}
		return nil, err
	}
	return c.result(resp, true)
}

// ExecuteScript runs a script on its own. Its outcome is in
// Result.Scripts[ScriptPostRequest].
func (c *Client) ExecuteScript(ctx context.Context, layout, script, param string) (*Result, error) {
	q := url.Values{}
	q.Set("script.param", param)

	resp, err := c.sendAuthed(ctx, "ExecuteScript", &Request{
		Method: http.MethodGet,
		Path:   c.layoutPath(layout, "/script/"+URLEncodeSegment(script)),
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, false)
}

// SetGlobalFields sets global field values for the session. Names must be
// fully qualified ("Table::Field").
func (c *Client) SetGlobalFields(ctx context.Context, fields map[string]interface{}) (*Result, error) {
	resp, err := c.sendAuthed(ctx, "SetGlobalFields", &Request{
		Method: http.MethodPatch,
		Path:   c.databasePath("/globals"),
		JSON:   map[string]interface{}{"globalFields": fields},
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, false)
}

// UploadToContainer uploads a local file into a container field.
// filename defaults to the base name of path. Repetitions start at 1.
func (c *Client) UploadToContainer(ctx context.Context, layout, recordID, field string, repetition int, path, filename string) (*Result, error) {
	return c.uploadContainer(ctx, layout, recordID, field, repetition, &Upload{Path: path, Filename: filename})
}

// UploadToContainerReader uploads the content of r into a container field
// under filename.
func (c *Client) UploadToContainerReader(ctx context.Context, layout, recordID, field string, repetition int, r io.Reader, filename string) (*Result, error) {
	if r == nil {
		return nil, fmt.Errorf("upload reader cannot be nil")
	}
	return c.uploadContainer(ctx, layout, recordID, field, repetition, &Upload{Reader: r, Filename: filename})
}

func (c *Client) uploadContainer(ctx context.Context, layout, recordID, field string, repetition int, upload *Upload) (*Result, error) {
	if repetition < 1 {
		repetition = 1
	}
	path := c.layoutPath(layout, fmt.Sprintf("/records/%s/containers/%s/%d",
		URLEncodeSegment(recordID), URLEncodeSegment(field), repetition))

	resp, err := c.sendAuthed(ctx, "UploadToContainer", &Request{
		Method: http.MethodPost,
		Path:   path,
		Upload: upload,
	})
	if err != nil {
		return nil, err
	}
	return c.result(resp, false)
}

// stringifyFields renders field values as strings: booleans become "1" or
// "", nil becomes "", numbers keep their shortest form.
func stringifyFields(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = fieldString(v)
	}
	return out
}

func fieldString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return ""
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
