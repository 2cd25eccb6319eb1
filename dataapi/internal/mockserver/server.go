// Package mockserver is a scriptable stand-in for the FileMaker Data API
// used by the dataapi tests. Routes answer with Data API envelopes and every
// request is recorded for later assertions.
package mockserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
)

// Token is what the default login route hands out
const Token = "mock-token"

// Database is the only database the default routes know
const Database = "Demo"

const prefix = "/fmi/data"

// HandlerFunc answers one request with an HTTP status and a JSON body. A
// nil body sends headers only.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) (int, interface{})

// Request is one call the server received. Path is relative to /fmi/data.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Server routes on "METHOD /path". A route ending in "/" also serves every
// path below it, the longest such route winning.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	routes   map[string]HandlerFunc
	received []Request
}

// New starts a server with login, logout and productInfo routes for
// Database
func New() *Server {
	s := &Server{routes: make(map[string]HandlerFunc)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))

	sessions := "/vLatest/databases/" + Database + "/sessions"
	s.Handle("POST "+sessions, login)
	s.Handle("DELETE "+sessions+"/", func(http.ResponseWriter, *http.Request) (int, interface{}) {
		return http.StatusOK, OK(nil)
	})
	s.Handle("GET /vLatest/productInfo", func(http.ResponseWriter, *http.Request) (int, interface{}) {
		return http.StatusOK, OK(map[string]interface{}{
			"productInfo": map[string]interface{}{
				"name":            "Mock Data API Engine",
				"buildDate":       "03/27/2024",
				"version":         "20.3.2.200",
				"dateFormat":      "MM/dd/yyyy",
				"timeFormat":      "HH:mm:ss",
				"timeStampFormat": "MM/dd/yyyy HH:mm:ss",
			},
		})
	})
	return s
}

func login(w http.ResponseWriter, r *http.Request) (int, interface{}) {
	oauth := r.Header.Get("X-FM-Data-Login-Type") == "oauth"
	if r.Header.Get("Authorization") == "" && !oauth {
		return http.StatusUnauthorized, Fail("212", "Invalid user account and/or password; please try again")
	}
	w.Header().Set("X-FM-Data-Access-Token", Token)
	return http.StatusOK, OK(map[string]interface{}{"token": Token})
}

// BaseURL is the Data API root to point a client at
func (s *Server) BaseURL() string {
	return s.URL + prefix
}

// Handle installs or replaces the route for pattern
func (s *Server) Handle(pattern string, h HandlerFunc) {
	s.mu.Lock()
	s.routes[pattern] = h
	s.mu.Unlock()
}

// HandleError makes pattern fail with a Data API error code
func (s *Server) HandleError(pattern string, status int, code, message string) {
	s.Handle(pattern, func(http.ResponseWriter, *http.Request) (int, interface{}) {
		return status, Fail(code, message)
	})
}

// OK wraps payload in a successful Data API envelope
func OK(payload interface{}) map[string]interface{} {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return envelope(payload, "0", "OK")
}

// Fail builds a Data API error envelope
func Fail(code, message string) map[string]interface{} {
	return envelope(map[string]interface{}{}, code, message)
}

func envelope(response interface{}, code, message string) map[string]interface{} {
	return map[string]interface{}{
		"response": response,
		"messages": []map[string]interface{}{{"code": code, "message": message}},
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	path := strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	key := r.Method + " " + path

	s.mu.Lock()
	s.received = append(s.received, Request{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	h := s.match(key)
	s.mu.Unlock()

	status, resp := http.StatusNotFound, interface{}(Fail("3", "Unsupported command"))
	if h != nil {
		status, resp = h(w, r)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp != nil {
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// match must be called with mu held
func (s *Server) match(key string) HandlerFunc {
	if h, ok := s.routes[key]; ok {
		return h
	}
	var (
		best string
		h    HandlerFunc
	)
	for route, candidate := range s.routes {
		if strings.HasSuffix(route, "/") && strings.HasPrefix(key, route) && len(route) > len(best) {
			best, h = route, candidate
		}
	}
	return h
}

// Count is the number of requests received since start or Reset
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// Requests returns a copy of every recorded request, oldest first
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.received...)
}

// Last returns the newest request, or false before any arrived
func (s *Server) Last() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return Request{}, false
	}
	return s.received[len(s.received)-1], true
}

// Reset forgets recorded requests. Routes stay installed.
func (s *Server) Reset() {
	s.mu.Lock()
	s.received = nil
	s.mu.Unlock()
}
