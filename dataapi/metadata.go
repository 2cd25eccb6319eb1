package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// ProductInfo describes the server.
type ProductInfo struct {
	Name            string `json:"name"`
	BuildDate       string `json:"buildDate"`
	Version         string `json:"version"`
	DateFormat      string `json:"dateFormat"`
	TimeFormat      string `json:"timeFormat"`
	TimeStampFormat string `json:"timeStampFormat"`
}

// NamedItem is one entry of a layout or script listing. Folders carry
// their children.
type NamedItem struct {
	Name              string      `json:"name"`
	IsFolder          bool        `json:"isFolder,omitempty"`
	FolderLayoutNames []NamedItem `json:"folderLayoutNames,omitempty"`
	FolderScriptNames []NamedItem `json:"folderScriptNames,omitempty"`
}

// Children returns the entries inside a folder
func (n NamedItem) Children() []NamedItem {
	if len(n.FolderLayoutNames) > 0 {
		return n.FolderLayoutNames
	}
	return n.FolderScriptNames
}

// FlattenNames returns the names of all non-folder entries, depth first.
func FlattenNames(items []NamedItem) []string {
	var names []string
	for _, item := range items {
		if item.IsFolder {
			names = append(names, FlattenNames(item.Children())...)
			continue
		}
		names = append(names, item.Name)
	}
	return names
}

// FieldMetaData describes one field of a layout.
type FieldMetaData struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	DisplayType     string `json:"displayType"`
	Result          string `json:"result"`
	ValueList       string `json:"valueList,omitempty"`
	Global          bool   `json:"global"`
	AutoEnter       bool   `json:"autoEnter"`
	FourDigitYear   bool   `json:"fourDigitYear"`
	MaxRepeat       int    `json:"maxRepeat"`
	MaxCharacters   int    `json:"maxCharacters"`
	NotEmpty        bool   `json:"notEmpty"`
	Numeric         bool   `json:"numeric"`
	TimeOfDay       bool   `json:"timeOfDay"`
	RepetitionStart int    `json:"repetitionStart"`
	RepetitionEnd   int    `json:"repetitionEnd"`
}

// ValueListItem is one choice of a value list.
type ValueListItem struct {
	DisplayValue string `json:"displayValue"`
	Value        string `json:"value"`
}

// ValueList is a named list of choices attached to a layout.
type ValueList struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Values []ValueListItem `json:"values"`
}

// LayoutMetadata describes the fields, portals and value lists of a layout.
type LayoutMetadata struct {
	FieldMetaData  []FieldMetaData            `json:"fieldMetaData"`
	PortalMetaData map[string][]FieldMetaData `json:"portalMetaData"`
	ValueLists     []ValueList                `json:"valueLists,omitempty"`
}

// decodePayload decodes the reply's "response" object into dst.
func decodePayload(resp *Response, dst interface{}) error {
	if len(bytes.TrimSpace(resp.raw)) == 0 {
		return nil
	}
	var env struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(resp.raw, &env); err != nil {
		return &ProtocolError{Reason: "unexpected response layout", Err: err}
	}
	if len(env.Response) == 0 || string(env.Response) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Response, dst); err != nil {
		return &ProtocolError{Reason: "unexpected response layout", Err: err}
	}
	return nil
}

// ProductInfo returns the server's name, version and formats. It needs no
// session.
func (c *Client) ProductInfo(ctx context.Context) (*ProductInfo, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, "ProductInfo", &Request{
		Method: http.MethodGet,
		Path:   c.versionPath("/productInfo"),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		ProductInfo ProductInfo `json:"productInfo"`
	}
	if err := decodePayload(resp, &payload); err != nil {
		return nil, err
	}
	return &payload.ProductInfo, nil
}

// DatabaseNames lists the hosted files the stored account can open. The
// request authenticates with the stored username and password rather than
// the session token, so it fails with ErrAuthUnavailable until a password
// login has succeeded.
func (c *Client) DatabaseNames(ctx context.Context) ([]string, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	creds := c.tokens.Credentials()
	if creds.Kind != CredentialsBasic {
		return nil, ErrAuthUnavailable
	}

	resp, err := c.send(ctx, "DatabaseNames", &Request{
		Method:  http.MethodGet,
		Path:    c.versionPath("/databases"),
		Headers: map[string]string{"Authorization": "Basic " + basicAuth(creds.Username, creds.Password)},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Databases []NamedItem `json:"databases"`
	}
	if err := decodePayload(resp, &payload); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(payload.Databases))
	for _, db := range payload.Databases {
		names = append(names, db.Name)
	}
	return names, nil
}

// LayoutNames lists the layouts of the database, folders included
func (c *Client) LayoutNames(ctx context.Context) ([]NamedItem, error) {
	resp, err := c.sendAuthed(ctx, "LayoutNames", &Request{
		Method: http.MethodGet,
		Path:   c.databasePath("/layouts"),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Layouts []NamedItem `json:"layouts"`
	}
	if err := decodePayload(resp, &payload); err != nil {
		return nil, err
	}
	return payload.Layouts, nil
}

// ScriptNames lists the scripts of the database, folders included
func (c *Client) ScriptNames(ctx context.Context) ([]NamedItem, error) {
	resp, err := c.sendAuthed(ctx, "ScriptNames", &Request{
		Method: http.MethodGet,
		Path:   c.databasePath("/scripts"),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Scripts []NamedItem `json:"scripts"`
	}
	if err := decodePayload(resp, &payload); err != nil {
		return nil, err
	}
	return payload.Scripts, nil
}

// LayoutMetadata describes a layout. A non-empty recordID asks for the
// value lists as they apply to that record.
func (c *Client) LayoutMetadata(ctx context.Context, layout, recordID string) (*LayoutMetadata, error) {
	q := url.Values{}
	if recordID != "" {
		q.Set("recordId", recordID)
	}

	resp, err := c.sendAuthed(ctx, "LayoutMetadata", &Request{
		Method: http.MethodGet,
		Path:   c.layoutPath(layout, ""),
		Query:  q,
	})
	if err != nil {
		return nil, err
	}

	meta := &LayoutMetadata{}
	if err := decodePayload(resp, meta); err != nil {
		return nil, err
	}
	return meta, nil
}
