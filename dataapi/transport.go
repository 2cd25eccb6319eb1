package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// UploadFieldName is the multipart field that carries container data.
const UploadFieldName = "upload"

const userAgent = "fmdapi-go/1.0.0"

// Transport sends one Data API request and returns the raw reply.
//
// Implementations return a *NetworkError for connectivity, TLS or encoding
// failures. Any reply that was received, whatever its status, is returned
// as a RawResponse; classifying it is the caller's job.
//
// Two implementations ship with the package, selected with TransportType:
//   - TransportNetHTTP: Go's net/http client
//   - TransportFastHTTP: github.com/valyala/fasthttp
type Transport interface {
	// Send performs the request
	Send(ctx context.Context, req *Request) (*RawResponse, error)
	// Close releases idle connections
	Close() error
}

// Request is one Data API call.
type Request struct {
	// Method is the HTTP method
	Method string
	// Path is the already-encoded path below the base URL, e.g. "/vLatest/productInfo"
	Path string
	// Headers are sent in addition to the transport defaults
	Headers map[string]string
	// JSON is marshalled as the request body when non-nil
	JSON interface{}
	// Upload switches the body to multipart form data
	Upload *Upload
	// Query is appended to the URL
	Query url.Values
}

// Upload is a file sent to a container field.
type Upload struct {
	// Path is a local file to read. Ignored when Reader is set.
	Path string
	// Reader supplies the content directly
	Reader io.Reader
	// Filename defaults to the base name of Path
	Filename string
}

// filename returns the explicit filename, or name + "." + extension of the
// local path. A path without an extension keeps the trailing dot.
func (u *Upload) filename() string {
	if u.Filename != "" {
		return u.Filename
	}
	if u.Path == "" {
		return UploadFieldName
	}
	base := filepath.Base(u.Path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + strings.TrimPrefix(ext, ".")
}

// RawResponse is what a transport got back.
type RawResponse struct {
	// StatusCode as reported by the HTTP library
	StatusCode int
	// Header is the raw header block, status line first
	Header string
	// Body is the undecoded body
	Body []byte
}

// encodeBody renders the request body and its content type.
func (r *Request) encodeBody() ([]byte, string, error) {
	if r.Upload != nil {
		return encodeMultipart(r.Upload)
	}
	if r.JSON == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(r.JSON)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request body: %w", err)
	}
	return data, "application/json", nil
}

func encodeMultipart(u *Upload) ([]byte, string, error) {
	src := u.Reader
	if src == nil {
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open upload: %w", err)
		}
		defer f.Close()
		src = f
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(UploadFieldName, u.filename())
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// requestURL joins the base URL, path and query.
func requestURL(base, path string, query url.Values) string {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// parseBaseURL validates the base URL and strips trailing slashes.
func parseBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("base URL cannot be empty")
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return "", fmt.Errorf("base URL must have a scheme and host")
	}
	return strings.TrimRight(raw, "/"), nil
}

// TransportType selects a Transport implementation.
type TransportType int

const (
	// TransportNetHTTP uses net/http
	TransportNetHTTP TransportType = iota
	// TransportFastHTTP uses fasthttp
	TransportFastHTTP
)

// String returns the string representation of the transport type
func (t TransportType) String() string {
	switch t {
	case TransportFastHTTP:
		return "fasthttp"
	default:
		return "nethttp"
	}
}

// ParseTransportType maps a name (any case) to a TransportType.
func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nethttp", "net/http", "http", "std":
		return TransportNetHTTP, nil
	case "fasthttp", "fast":
		return TransportFastHTTP, nil
	}
	return TransportNetHTTP, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, s)
}

// NewTransport builds the transport selected by t from config.
func NewTransport(t TransportType, config *Config) (Transport, error) {
	switch t {
	case TransportNetHTTP:
		return newNetHTTPTransport(config)
	case TransportFastHTTP:
		return newFastHTTPTransport(config)
	}
	return nil, fmt.Errorf("%w: unknown transport type %d", ErrInvalidConfig, int(t))
}

// defaultHeaders returns the headers every request starts with.
func defaultHeaders(config *Config) map[string]string {
	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": userAgent,
	}
	for k, v := range config.Headers {
		headers[k] = v
	}
	return headers
}
