package dataapi

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/valyala/fasthttp"
)

// fastHTTPTransport sends requests with fasthttp. fasthttp only speaks
// HTTP/1.1, so ForceHTTP1 has nothing to change here, and cancellation is
// limited to the context deadline.
type fastHTTPTransport struct {
	client  *fasthttp.Client
	baseURL string
	headers map[string]string
	timeout time.Duration
}

// newFastHTTPTransport creates a fasthttp transport
func newFastHTTPTransport(config *Config) (*fastHTTPTransport, error) {
	baseURL, err := parseBaseURL(config.BaseURL)
	if err != nil {
		return nil, err
	}

	client := &fasthttp.Client{
		Name:                   userAgent,
		TLSConfig:              &tls.Config{InsecureSkipVerify: !config.SSLVerify},
		ReadTimeout:            config.Timeout,
		WriteTimeout:           config.Timeout,
		MaxConnsPerHost:        config.TransportConfig.MaxConnsPerHost,
		MaxIdleConnDuration:    config.TransportConfig.IdleConnTimeout,
		DisablePathNormalizing: true,
	}

	return &fastHTTPTransport{
		client:  client,
		baseURL: baseURL,
		headers: defaultHeaders(config),
		timeout: config.Timeout,
	}, nil
}

// Send performs a single HTTP request
func (t *fastHTTPTransport) Send(ctx context.Context, req *Request) (*RawResponse, error) {
	op := req.Method + " " + req.Path

	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	body, contentType, err := req.encodeBody()
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	httpReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(httpReq)
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(requestURL(t.baseURL, req.Path, req.Query))
	httpReq.Header.SetMethod(req.Method)
	for key, value := range t.headers {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if contentType != "" {
		httpReq.Header.SetContentType(contentType)
	}
	if body != nil {
		httpReq.SetBody(body)
	}

	if deadline, ok := ctx.Deadline(); ok {
		err = t.client.DoDeadline(httpReq, httpResp, deadline)
	} else if t.timeout > 0 {
		err = t.client.DoTimeout(httpReq, httpResp, t.timeout)
	} else {
		err = t.client.Do(httpReq, httpResp)
	}
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	return &RawResponse{
		StatusCode: httpResp.StatusCode(),
		Header:     string(httpResp.Header.Header()),
		Body:       append([]byte(nil), httpResp.Body()...),
	}, nil
}

// Close closes idle connections
func (t *fastHTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
