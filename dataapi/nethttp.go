package dataapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// netHTTPTransport sends requests with Go's net/http client.
type netHTTPTransport struct {
	client  *http.Client
	baseURL string
	headers map[string]string
}

// newNetHTTPTransport creates a net/http transport
func newNetHTTPTransport(config *Config) (*netHTTPTransport, error) {
	baseURL, err := parseBaseURL(config.BaseURL)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        config.TransportConfig.MaxIdleConns,
		MaxConnsPerHost:     config.TransportConfig.MaxConnsPerHost,
		IdleConnTimeout:     config.TransportConfig.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !config.SSLVerify},
		ForceAttemptHTTP2:   !config.ForceHTTP1,
	}
	if config.ForceHTTP1 {
		// A non-nil empty map disables the h2 upgrade.
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	return &netHTTPTransport{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		baseURL: baseURL,
		headers: defaultHeaders(config),
	}, nil
}

// Send performs a single HTTP request
func (t *netHTTPTransport) Send(ctx context.Context, req *Request) (*RawResponse, error) {
	op := req.Method + " " + req.Path

	body, contentType, err := req.encodeBody()
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	var bodyReader io.Reader = http.NoBody
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, requestURL(t.baseURL, req.Path, req.Query), bodyReader)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	for key, value := range t.headers {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "reading response of " + op, Err: err}
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     headerBlock(resp),
		Body:       respBody,
	}, nil
}

// headerBlock renders the status line and headers the way they came off the wire.
func headerBlock(resp *http.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\r\n", resp.Proto, resp.Status)

	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, strings.Join(resp.Header[k], ", "))
	}
	return b.String()
}

// Close closes idle connections
func (t *netHTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
