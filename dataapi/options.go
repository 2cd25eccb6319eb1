package dataapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ScriptType is the point in request processing at which a script runs.
type ScriptType string

const (
	// ScriptPreRequest runs before the request is processed
	ScriptPreRequest ScriptType = "prerequest"
	// ScriptPreSort runs after the request, before sorting
	ScriptPreSort ScriptType = "presort"
	// ScriptPostRequest runs after the request and sort
	ScriptPostRequest ScriptType = "postrequest"
)

// Script names a server-side script to run alongside a request.
type Script struct {
	Type  ScriptType `json:"type"`
	Name  string     `json:"name"`
	Param string     `json:"param,omitempty"`
}

// CompileScripts turns scripts into the flat keys the Data API expects.
//
// Pre-request and pre-sort scripts compile to script<type> and
// script<type>.param, for example scriptprerequest, and always carry the
// param key even when empty. A post-request script only carries script.param when the param is
// non-empty, since the server rejects blank post-request params. Unknown
// types are skipped.
func CompileScripts(scripts []Script) map[string]interface{} {
	out := make(map[string]interface{})
	for _, s := range scripts {
		switch s.Type {
		case ScriptPreRequest, ScriptPreSort:
			key := "script" + string(s.Type)
			out[key] = s.Name
			out[key+".param"] = s.Param
		case ScriptPostRequest:
			out["script"] = s.Name
			if s.Param != "" {
				out["script.param"] = s.Param
			}
		}
	}
	return out
}

// Portal selects a related-record portal and an optional window into it.
type Portal struct {
	Name   string
	Offset *int
	Limit  *int
}

// NewPortal returns a portal selection without offset or limit
func NewPortal(name string) Portal {
	return Portal{Name: name}
}

// WithOffset returns a copy of p starting at the given 1-based row
func (p Portal) WithOffset(offset int) Portal {
	p.Offset = &offset
	return p
}

// WithLimit returns a copy of p returning at most limit rows
func (p Portal) WithLimit(limit int) Portal {
	p.Limit = &limit
	return p
}

// UnmarshalJSON accepts offset and limit as numbers or numeric strings.
func (p *Portal) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name   string          `json:"name"`
		Offset json.RawMessage `json:"offset"`
		Limit  json.RawMessage `json:"limit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Name = raw.Name
	var err error
	if p.Offset, err = coerceInt(raw.Offset); err != nil {
		return fmt.Errorf("portal %q offset: %w", raw.Name, err)
	}
	if p.Limit, err = coerceInt(raw.Limit); err != nil {
		return fmt.Errorf("portal %q limit: %w", raw.Name, err)
	}
	return nil
}

func coerceInt(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		n = json.Number(strings.TrimSpace(s))
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	i := int(f)
	return &i, nil
}

// CompilePortals builds the body keys for portal selection: a "portal" list
// of names plus offset.<name> and limit.<name> for the fields that are set.
// No portals compile to an empty map.
func CompilePortals(portals []Portal) map[string]interface{} {
	out := make(map[string]interface{})
	if len(portals) == 0 {
		return out
	}
	names := make([]string, 0, len(portals))
	for _, p := range portals {
		names = append(names, p.Name)
		if p.Offset != nil {
			out["offset."+p.Name] = *p.Offset
		}
		if p.Limit != nil {
			out["limit."+p.Name] = *p.Limit
		}
	}
	out["portal"] = names
	return out
}

// compilePortalQuery is the query-string form of CompilePortals used by GET
// requests: the name list is JSON-encoded and the window keys are prefixed
// with an underscore.
func compilePortalQuery(portals []Portal, q url.Values) {
	if len(portals) == 0 {
		return
	}
	names := make([]string, 0, len(portals))
	for _, p := range portals {
		names = append(names, p.Name)
		if p.Offset != nil {
			q.Set("_offset."+p.Name, strconv.Itoa(*p.Offset))
		}
		if p.Limit != nil {
			q.Set("_limit."+p.Name, strconv.Itoa(*p.Limit))
		}
	}
	encoded, _ := json.Marshal(names)
	q.Set("portal", string(encoded))
}

// DateFormat controls how the server formats date, time and timestamp fields.
type DateFormat int

const (
	// DateFormatDefault uses US formats (MM/DD/YYYY)
	DateFormatDefault DateFormat = 0
	// DateFormatFileLocale uses the locale the hosted file was created with
	DateFormatFileLocale DateFormat = 1
	// DateFormatISO8601 uses YYYY-MM-DD
	DateFormatISO8601 DateFormat = 2
)

// ParseDateFormat maps "default", "file-locale" or "iso8601" (any case) to a
// DateFormat. Anything else is DateFormatDefault.
func ParseDateFormat(s string) DateFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file-locale", "file_locale", "filelocale", "1":
		return DateFormatFileLocale
	case "iso8601", "iso-8601", "2":
		return DateFormatISO8601
	}
	return DateFormatDefault
}

// CompileDateFormat returns {"dateformats": 0|1|2}. Out-of-range values map to 0.
func CompileDateFormat(mode DateFormat) map[string]interface{} {
	switch mode {
	case DateFormatFileLocale, DateFormatISO8601:
		return map[string]interface{}{"dateformats": int(mode)}
	}
	return map[string]interface{}{"dateformats": int(DateFormatDefault)}
}

// Sort orders.
const (
	SortAscend  = "ascend"
	SortDescend = "descend"
)

// Sort orders a found set by one field.
type Sort struct {
	FieldName string `json:"fieldName"`
	SortOrder string `json:"sortOrder,omitempty"`
}

// CompileSort returns the sort list for a find body, or nil when empty.
// A blank SortOrder is left out so the server applies ascending order.
func CompileSort(sorts []Sort) []Sort {
	if len(sorts) == 0 {
		return nil
	}
	return append([]Sort(nil), sorts...)
}

// compileSortQuery sets _sort to the JSON-encoded list for GET requests.
func compileSortQuery(sorts []Sort, q url.Values) {
	if len(sorts) == 0 {
		return
	}
	encoded, _ := json.Marshal(sorts)
	q.Set("_sort", string(encoded))
}

// compileScriptQuery adds script keys to a query string.
func compileScriptQuery(scripts []Script, q url.Values) {
	for key, value := range CompileScripts(scripts) {
		q.Set(key, fmt.Sprint(value))
	}
}

// QueryField is one field criterion of a find request.
type QueryField struct {
	FieldName  string      `json:"fieldname"`
	FieldValue interface{} `json:"fieldvalue"`
}

// QueryOptions modifies a find request group.
type QueryOptions struct {
	Omit bool `json:"omit"`
}

// QueryGroup is one find request: every field must match, and Omit turns the
// group into an exclusion.
//
// A group with nil Fields is treated as malformed and ends compilation.
type QueryGroup struct {
	Fields  []QueryField  `json:"fields"`
	Options *QueryOptions `json:"options,omitempty"`
}

// CompileFindQuery flattens find request groups into the objects the _find
// endpoint expects, each carrying an "omit" key of "true" or "false".
//
// Accepted inputs are []QueryGroup, a single QueryGroup, and decoded JSON
// ([]interface{} or []map[string]interface{} of {"fields", "options"} maps).
// Compilation stops at the first group without fields and the rest of the
// list is dropped. Any other value is passed through as a one-element query.
//
// Example:
//
//	query := dataapi.CompileFindQuery([]dataapi.QueryGroup{
//	    {Fields: []dataapi.QueryField{{FieldName: "City", FieldValue: "Paris"}}},
//	    {Fields: []dataapi.QueryField{{FieldName: "Status", FieldValue: "closed"}},
//	        Options: &dataapi.QueryOptions{Omit: true}},
//	})
//	// [{"City":"Paris","omit":"false"}, {"Status":"closed","omit":"true"}]
func CompileFindQuery(query interface{}) []interface{} {
	switch q := query.(type) {
	case []QueryGroup:
		return compileGroups(q)
	case QueryGroup:
		return compileGroups([]QueryGroup{q})
	case []map[string]interface{}:
		items := make([]interface{}, len(q))
		for i := range q {
			items[i] = q[i]
		}
		return compileRawGroups(items)
	case []interface{}:
		return compileRawGroups(q)
	}
	return []interface{}{query}
}

func compileGroups(groups []QueryGroup) []interface{} {
	out := make([]interface{}, 0, len(groups))
	for _, g := range groups {
		if g.Fields == nil {
			break
		}
		item := make(map[string]interface{}, len(g.Fields)+1)
		for _, f := range g.Fields {
			item[f.FieldName] = f.FieldValue
		}
		item["omit"] = "false"
		if g.Options != nil && g.Options.Omit {
			item["omit"] = "true"
		}
		out = append(out, item)
	}
	return out
}

func compileRawGroups(groups []interface{}) []interface{} {
	out := make([]interface{}, 0, len(groups))
	for _, raw := range groups {
		g, ok := raw.(map[string]interface{})
		if !ok {
			break
		}
		fields, ok := g["fields"]
		if !ok || fields == nil {
			break
		}
		item := make(map[string]interface{})
		if list, ok := fields.([]interface{}); ok {
			for _, f := range list {
				field, ok := f.(map[string]interface{})
				if !ok {
					continue
				}
				name, _ := field["fieldname"].(string)
				item[name] = field["fieldvalue"]
			}
		}
		item["omit"] = "false"
		if opts, ok := g["options"].(map[string]interface{}); ok && truthy(opts["omit"]) {
			item["omit"] = "true"
		}
		out = append(out, item)
	}
	return out
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	case float64:
		return t != 0
	}
	return false
}

// URLEncodeSegment trims surrounding whitespace and percent-encodes s for use
// as a single URL path segment. Spaces become %20, and reserved characters
// such as / ? # & + are escaped.
//
// Example:
//
//	dataapi.URLEncodeSegment("  Accounts Table  ") // "Accounts%20Table"
func URLEncodeSegment(s string) string {
	escaped := url.QueryEscape(strings.TrimSpace(s))
	return strings.ReplaceAll(escaped, "+", "%20")
}
