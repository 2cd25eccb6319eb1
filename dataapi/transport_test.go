package dataapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers with a Data API envelope describing the request
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"method":        r.Method,
			"path":          r.URL.EscapedPath(),
			"query":         r.URL.RawQuery,
			"authorization": r.Header.Get("Authorization"),
			"contentType":   r.Header.Get("Content-Type"),
			"userAgent":     r.Header.Get("User-Agent"),
			"custom":        r.Header.Get("X-Custom"),
			"proto":         r.Proto,
		}

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			file, header, err := r.FormFile(UploadFieldName)
			if err == nil {
				data, _ := io.ReadAll(file)
				payload["filename"] = header.Filename
				payload["content"] = string(data)
				file.Close()
			}
		} else if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			payload["body"] = string(data)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-FM-Data-Access-Token", "echo-token")
		status := http.StatusOK
		if r.URL.Query().Get("fail") != "" {
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"response": payload,
			"messages": []map[string]string{{"code": "0", "message": "OK"}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func transportTypes() []TransportType {
	return []TransportType{TransportNetHTTP, TransportFastHTTP}
}

func newTestTransport(t *testing.T, tt TransportType, baseURL string) Transport {
	t.Helper()
	config := DefaultConfig().WithDatabase("Demo").WithBaseURL(baseURL).WithHeader("X-Custom", "yes")
	require.NoError(t, config.Validate())
	transport, err := NewTransport(tt, config)
	require.NoError(t, err, "Failed to create transport")
	t.Cleanup(func() { transport.Close() })
	return transport
}

func TestTransportSend(t *testing.T) {
	server := echoServer(t)

	for _, tt := range transportTypes() {
		t.Run(tt.String(), func(t *testing.T) {
			transport := newTestTransport(t, tt, server.URL+"/fmi/data/")

			raw, err := transport.Send(context.Background(), &Request{
				Method:  http.MethodPost,
				Path:    "/vLatest/databases/My%20DB/layouts/People/_find",
				Headers: map[string]string{"Authorization": "Bearer abc"},
				JSON:    map[string]interface{}{"query": []interface{}{map[string]string{"Name": "Ada"}}},
				Query:   url.Values{"a": {"1"}},
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, raw.StatusCode)
			assert.True(t, strings.HasPrefix(raw.Header, "HTTP/1.1 200"), "Header block starts with the status line: %q", raw.Header)

			resp, err := ParseResponse(raw.Header, raw.Body)
			require.NoError(t, err)
			require.NoError(t, CheckResponse(resp))

			payload := resp.Payload()
			assert.Equal(t, "POST", payload["method"])
			assert.Equal(t, "/fmi/data/vLatest/databases/My%20DB/layouts/People/_find", payload["path"])
			assert.Equal(t, "a=1", payload["query"])
			assert.Equal(t, "Bearer abc", payload["authorization"])
			assert.Equal(t, "application/json", payload["contentType"])
			assert.Equal(t, userAgent, payload["userAgent"])
			assert.Equal(t, "yes", payload["custom"])
			assert.JSONEq(t, `{"query":[{"Name":"Ada"}]}`, payload["body"].(string))
			assert.Equal(t, "echo-token", resp.Token())
		})
	}
}

func TestTransportsAgree(t *testing.T) {
	server := echoServer(t)

	var responses []*Response
	for _, tt := range transportTypes() {
		transport := newTestTransport(t, tt, server.URL)
		raw, err := transport.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/vLatest/productInfo", Query: url.Values{"fail": {"1"}}})
		require.NoError(t, err)
		resp, err := ParseResponse(raw.Header, raw.Body)
		require.NoError(t, err)
		responses = append(responses, resp)
	}

	a, b := responses[0], responses[1]
	assert.Equal(t, a.StatusCode, b.StatusCode)
	assert.Equal(t, a.Body, b.Body)
	assert.Equal(t, a.Header("Content-Type"), b.Header("Content-Type"))
	assert.Equal(t, a.Header("X-FM-Data-Access-Token"), b.Header("X-FM-Data-Access-Token"))
	assert.Equal(t, CheckResponse(a), CheckResponse(b))
}

func TestTransportUpload(t *testing.T) {
	server := echoServer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "photo.final.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o600))

	for _, tt := range transportTypes() {
		t.Run(tt.String(), func(t *testing.T) {
			transport := newTestTransport(t, tt, server.URL)

			raw, err := transport.Send(context.Background(), &Request{
				Method: http.MethodPost,
				Path:   "/vLatest/databases/Demo/layouts/People/records/1/containers/Photo/1",
				Upload: &Upload{Path: path},
			})
			require.NoError(t, err)
			resp, err := ParseResponse(raw.Header, raw.Body)
			require.NoError(t, err)

			payload := resp.Payload()
			assert.Equal(t, "photo.final.jpg", payload["filename"])
			assert.Equal(t, "jpeg-bytes", payload["content"])

			raw, err = transport.Send(context.Background(), &Request{
				Method: http.MethodPost,
				Path:   "/upload",
				Upload: &Upload{Reader: strings.NewReader("inline"), Filename: "note.txt"},
			})
			require.NoError(t, err)
			resp, err = ParseResponse(raw.Header, raw.Body)
			require.NoError(t, err)
			assert.Equal(t, "note.txt", resp.Payload()["filename"])
			assert.Equal(t, "inline", resp.Payload()["content"])
		})
	}
}

func TestTransportUploadMissingFile(t *testing.T) {
	transport := newTestTransport(t, TransportNetHTTP, "http://127.0.0.1:1")
	_, err := transport.Send(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/upload",
		Upload: &Upload{Path: filepath.Join(t.TempDir(), "missing.pdf")},
	})
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadFilename(t *testing.T) {
	assert.Equal(t, "given.pdf", (&Upload{Path: "/tmp/a.pdf", Filename: "given.pdf"}).filename())
	assert.Equal(t, "a.pdf", (&Upload{Path: "/tmp/a.pdf"}).filename())
	assert.Equal(t, "archive.tar.gz", (&Upload{Path: "/tmp/archive.tar.gz"}).filename())
	assert.Equal(t, "report.", (&Upload{Path: "/tmp/report"}).filename())
	assert.Equal(t, ".env", (&Upload{Path: "/srv/.env"}).filename())
	assert.Equal(t, "upload", (&Upload{Reader: strings.NewReader("")}).filename())
}

func TestTransportCanceledContext(t *testing.T) {
	server := echoServer(t)

	for _, tt := range transportTypes() {
		t.Run(tt.String(), func(t *testing.T) {
			transport := newTestTransport(t, tt, server.URL)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := transport.Send(ctx, &Request{Method: http.MethodGet, Path: "/x"})
			var netErr *NetworkError
			require.True(t, errors.As(err, &netErr), "Expected *NetworkError, got %v", err)
			assert.Equal(t, ErrorTypeNetwork, TypeOf(err))
		})
	}
}

func TestTransportConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	for _, tt := range transportTypes() {
		t.Run(tt.String(), func(t *testing.T) {
			transport := newTestTransport(t, tt, addr)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := transport.Send(ctx, &Request{Method: http.MethodGet, Path: "/vLatest/productInfo"})
			var netErr *NetworkError
			require.True(t, errors.As(err, &netErr))
			assert.Equal(t, "GET /vLatest/productInfo", netErr.Op)
		})
	}
}

func TestTransportTLS(t *testing.T) {
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"response": map[string]string{"proto": r.Proto}})
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)

	send := func(t *testing.T, config *Config, tt TransportType) (*Response, error) {
		require.NoError(t, config.Validate())
		transport, err := NewTransport(tt, config)
		require.NoError(t, err)
		defer transport.Close()

		raw, err := transport.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/proto"})
		if err != nil {
			return nil, err
		}
		return ParseResponse(raw.Header, raw.Body)
	}

	base := func() *Config {
		return DefaultConfig().WithDatabase("Demo").WithBaseURL(server.URL)
	}

	t.Run("verification rejects self-signed certificate", func(t *testing.T) {
		for _, tt := range transportTypes() {
			_, err := send(t, base(), tt)
			assert.Equal(t, ErrorTypeNetwork, TypeOf(err), tt.String())
		}
	})

	t.Run("nethttp negotiates h2", func(t *testing.T) {
		resp, err := send(t, base().WithSSLVerify(false), TransportNetHTTP)
		require.NoError(t, err)
		assert.Equal(t, "HTTP/2.0", resp.Payload()["proto"])
	})

	t.Run("nethttp forced to HTTP/1.1", func(t *testing.T) {
		resp, err := send(t, base().WithSSLVerify(false).WithForceHTTP1(true), TransportNetHTTP)
		require.NoError(t, err)
		assert.Equal(t, "HTTP/1.1", resp.Payload()["proto"])
	})

	t.Run("fasthttp speaks HTTP/1.1", func(t *testing.T) {
		resp, err := send(t, base().WithSSLVerify(false), TransportFastHTTP)
		require.NoError(t, err)
		assert.Equal(t, "HTTP/1.1", resp.Payload()["proto"])
	})
}

func TestNewTransportErrors(t *testing.T) {
	config := DefaultConfig().WithDatabase("Demo")

	_, err := NewTransport(TransportType(42), config)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config.BaseURL = "not a url"
	_, err = NewTransport(TransportNetHTTP, config)
	assert.Error(t, err)
}
