package dataapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// HeaderStatus is the synthetic header holding the HTTP status line.
const HeaderStatus = "Status"

// Headers is an ordered header map. Names keep the case they were received
// in; a repeated name keeps its first position and its last value.
type Headers struct {
	keys   []string
	values map[string]string
}

func newHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

// Set stores value under name, replacing an earlier value
func (h *Headers) Set(name, value string) {
	if _, ok := h.values[name]; !ok {
		h.keys = append(h.keys, name)
	}
	h.values[name] = value
}

// Lookup returns the value stored under name. An exact match wins over a
// case-insensitive one.
func (h *Headers) Lookup(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	if v, ok := h.values[name]; ok {
		return v, true
	}
	for _, k := range h.keys {
		if strings.EqualFold(k, name) {
			return h.values[k], true
		}
	}
	return "", false
}

// Get returns the value stored under name, or ""
func (h *Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Keys returns header names in arrival order
func (h *Headers) Keys() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.keys...)
}

// Len returns the number of distinct header names
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Map returns a copy of the headers as a plain map
func (h *Headers) Map() map[string]string {
	out := make(map[string]string, h.Len())
	if h == nil {
		return out
	}
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// ParseHeaders parses a raw header block. Leading lines without a colon are
// status lines and are stored under "Status"; when several precede the
// headers (an interim "100 Continue" for instance) the last one wins. Other
// colon-less lines and blank lines are dropped.
//
// Example:
//
//	h := dataapi.ParseHeaders("HTTP/1.1 200 OK\nContent-Type: application/json\n")
//	h.Get("Status")       // "HTTP/1.1 200 OK"
//	h.Get("Content-Type") // "application/json"
func ParseHeaders(text string) *Headers {
	h := newHeaders()
	leading := true
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			if leading {
				h.Set(HeaderStatus, line)
			}
			continue
		}
		leading = false
		h.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}

// ParseBody strictly decodes a JSON body. An empty or all-whitespace body
// decodes to nil; anything that is not a single JSON value is a
// *ProtocolError.
func ParseBody(body []byte) (interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &ProtocolError{Reason: "response body is not valid JSON", Err: err}
	}
	return v, nil
}

// ExtractHTTPCode returns the status code from a status line such as
// "HTTP/1.1 200 OK".
func ExtractHTTPCode(status string) (int, error) {
	parts := strings.Fields(status)
	if len(parts) < 2 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("malformed status line %q", status)}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, &ProtocolError{Reason: fmt.Sprintf("malformed status line %q", status), Err: err}
	}
	return code, nil
}

// Response is an immutable snapshot of one server reply.
type Response struct {
	// StatusCode is the HTTP status parsed from the status line
	StatusCode int
	// Headers are the response headers, including the synthetic Status
	Headers *Headers
	// Body is the decoded JSON body, nil when the body was empty
	Body interface{}

	raw []byte
}

// ParseResponse builds a Response from a raw header block and body.
// A missing or malformed status line, or a non-JSON body, is a *ProtocolError.
func ParseResponse(headerText string, body []byte) (*Response, error) {
	headers := ParseHeaders(headerText)
	status, ok := headers.Lookup(HeaderStatus)
	if !ok {
		return nil, &ProtocolError{Reason: "missing status line"}
	}
	code, err := ExtractHTTPCode(status)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseBody(body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: code,
		Headers:    headers,
		Body:       parsed,
		raw:        append([]byte(nil), body...),
	}, nil
}

// CheckResponse applies the error classification shared by every transport.
//
// Status 100 and 4xx/5xx responses are errors. When the body carries
// messages[0].message, the error uses that message (a list is joined with
// " - ") and messages[0].code, or the HTTP status when the code is absent.
// Otherwise the serialized body, or the status line when the body is empty,
// becomes the message. A status 100 without a message is not an error.
func CheckResponse(r *Response) error {
	code := r.StatusCode
	if code != 100 && (code < 400 || code >= 600) {
		return nil
	}

	if msg, msgCode, ok := firstMessage(r.Body); ok {
		if msgCode == "" {
			msgCode = strconv.Itoa(code)
		}
		return &APIError{StatusCode: code, Code: msgCode, Message: msg}
	}

	if code == 100 {
		return nil
	}

	message := serializeBody(r.Body)
	if message == "" {
		message = r.Headers.Get(HeaderStatus)
	}
	return &APIError{StatusCode: code, Code: strconv.Itoa(code), Message: message}
}

func firstMessage(body interface{}) (message, code string, ok bool) {
	root, isMap := body.(map[string]interface{})
	if !isMap {
		return "", "", false
	}
	messages, isList := root["messages"].([]interface{})
	if !isList || len(messages) == 0 {
		return "", "", false
	}
	first, isMap := messages[0].(map[string]interface{})
	if !isMap || first["message"] == nil {
		return "", "", false
	}

	switch m := first["message"].(type) {
	case []interface{}:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, stringify(p))
		}
		message = strings.Join(parts, " - ")
	default:
		message = stringify(m)
	}
	if first["code"] != nil {
		code = stringify(first["code"])
	}
	return message, code, true
}

func serializeBody(body interface{}) string {
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	case map[string]interface{}:
		if len(b) == 0 {
			return ""
		}
	case []interface{}:
		if len(b) == 0 {
			return ""
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprint(body)
	}
	return string(data)
}

// stringify renders decoded JSON scalars the way the server writes them.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Header returns a response header, or ""
func (r *Response) Header(name string) string {
	return r.Headers.Get(name)
}

// RawBody returns a copy of the undecoded body
func (r *Response) RawBody() []byte {
	return append([]byte(nil), r.raw...)
}

// Payload returns the "response" object of the body, or an empty map.
func (r *Response) Payload() map[string]interface{} {
	if root, ok := r.Body.(map[string]interface{}); ok {
		if payload, ok := root["response"].(map[string]interface{}); ok {
			return payload
		}
	}
	return map[string]interface{}{}
}

// Records returns payload.data, or an empty slice when it is absent or null.
func (r *Response) Records() []interface{} {
	if data, ok := r.Payload()["data"].([]interface{}); ok {
		return data
	}
	return []interface{}{}
}

// Token returns the session token from a login reply: response.token, or
// the X-FM-Data-Access-Token header.
func (r *Response) Token() string {
	if token, ok := r.Payload()["token"].(string); ok && token != "" {
		return token
	}
	return r.Header("X-FM-Data-Access-Token")
}

// RecordID returns response.recordId, or ""
func (r *Response) RecordID() string {
	return stringify(r.Payload()["recordId"])
}

// ModID returns response.modId, or ""
func (r *Response) ModID() string {
	return stringify(r.Payload()["modId"])
}

// ScriptResult returns the result of the script that ran at the given point.
// ok is false when the reply carries no such result.
func (r *Response) ScriptResult(t ScriptType) (result string, ok bool) {
	return r.scriptValue("scriptResult", t)
}

// ScriptError returns the error code of the script that ran at the given point.
func (r *Response) ScriptError(t ScriptType) (code string, ok bool) {
	return r.scriptValue("scriptError", t)
}

func (r *Response) scriptValue(prefix string, t ScriptType) (string, bool) {
	key := prefix
	if t == ScriptPreRequest || t == ScriptPreSort {
		key = prefix + "." + string(t)
	}
	v, ok := r.Payload()[key]
	if !ok {
		return "", false
	}
	return stringify(v), true
}

// Message is one entry of the reply's "messages" list.
type Message struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Messages returns the reply's messages list
func (r *Response) Messages() []Message {
	root, ok := r.Body.(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := root["messages"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, Message{Code: stringify(m["code"]), Message: stringify(m["message"])})
	}
	return out
}

// Record is one row of a layout.
type Record struct {
	RecordID       string                              `json:"recordId"`
	ModID          string                              `json:"modId"`
	FieldData      map[string]interface{}              `json:"fieldData"`
	PortalData     map[string][]map[string]interface{} `json:"portalData,omitempty"`
	PortalDataInfo []PortalDataInfo                    `json:"portalDataInfo,omitempty"`
}

// PortalDataInfo describes the rows returned for one portal.
type PortalDataInfo struct {
	Portal        string `json:"portalObjectName,omitempty"`
	Database      string `json:"database"`
	Table         string `json:"table"`
	FoundCount    int    `json:"foundCount"`
	ReturnedCount int    `json:"returnedCount"`
}

// DataInfo describes the found set of a read request.
type DataInfo struct {
	Database         string `json:"database"`
	Layout           string `json:"layout"`
	Table            string `json:"table"`
	TotalRecordCount int    `json:"totalRecordCount"`
	FoundCount       int    `json:"foundCount"`
	ReturnedCount    int    `json:"returnedCount"`
}

type recordsEnvelope struct {
	Response struct {
		Data     []Record  `json:"data"`
		DataInfo *DataInfo `json:"dataInfo"`
	} `json:"response"`
}

// DecodeRecords decodes payload.data into typed records.
func (r *Response) DecodeRecords() ([]Record, *DataInfo, error) {
	if len(bytes.TrimSpace(r.raw)) == 0 {
		return []Record{}, nil, nil
	}
	var env recordsEnvelope
	if err := json.Unmarshal(r.raw, &env); err != nil {
		return nil, nil, &ProtocolError{Reason: "unexpected record layout", Err: err}
	}
	if env.Response.Data == nil {
		env.Response.Data = []Record{}
	}
	return env.Response.Data, env.Response.DataInfo, nil
}
