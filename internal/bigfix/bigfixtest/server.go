// Package bigfixtest provides an in-process fake BigFix REST server for tests.
//
// The fake serves the handful of endpoints actionarchiver uses over TLS with a
// self-signed certificate, records every request, and lets tests inject
// per-action failures.
package bigfixtest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var memberQueryPattern = regexp.MustCompile(`member actions of bes action\s+whose\s*\(\s*id of it\s*=\s*(\d+)\s*\)`)

// Action is one action known to the fake server.
type Action struct {
	ID         int64
	State      string
	Name       string
	Issued     string
	Issuer     string
	MAG        bool
	Components []int64
	// Component actions are not listed by the top-level query.
	Component bool
}

// Call is one recorded request.
type Call struct {
	Method string
	Path   string
}

// Server is a fake BigFix root server.
type Server struct {
	User     string
	Password string

	mu            sync.Mutex
	actions       map[int64]*Action
	fetchFailures map[string]int
	deleteFail    map[int64]int
	queryFail     int
	calls         []Call
	deleted       []int64

	srv *httptest.Server
}

// New starts a TLS fake server accepting user/password. It is closed when the
// test finishes.
func New(t testing.TB, user, password string) *Server {
	t.Helper()

	s := &Server{
		User:          user,
		Password:      password,
		actions:       make(map[int64]*Action),
		fetchFailures: make(map[string]int),
		deleteFail:    make(map[int64]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.basicAuth)

	r.Get("/api/login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/api/query", s.handleQuery)
	r.Get("/api/action/{id}", s.handleAction)
	r.Get("/api/action/{id}/status", s.handleStatus)
	r.Delete("/api/action/{id}", s.handleDelete)

	s.srv = httptest.NewTLSServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// HostPort returns the host and port the fake listens on.
func (s *Server) HostPort() (string, int) {
	host, port, err := net.SplitHostPort(s.srv.Listener.Addr().String())
	if err != nil {
		panic(err)
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// Add registers actions with the fake.
func (s *Server) Add(actions ...Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		a := a
		s.actions[a.ID] = &a
	}
}

// FailAction makes GET /api/action/{id} (or /status when status is true)
// answer with code.
func (s *Server) FailAction(id int64, status bool, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchFailures[fetchKey(id, status)] = code
}

// FailDelete makes DELETE /api/action/{id} answer with code.
func (s *Server) FailDelete(id int64, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFail[id] = code
}

// FailQuery makes every /api/query answer with code.
func (s *Server) FailQuery(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryFail = code
}

// Calls returns every request received, in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Deleted returns the ids deleted so far, in order.
func (s *Server) Deleted() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.deleted))
	copy(out, s.deleted)
	return out
}

// ActionXML is the body served for an action definition.
func ActionXML(id int64) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<BES xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:noNamespaceSchemaLocation="BES.xsd">
<SingleAction><Title>Action %d</Title></SingleAction>
</BES>`, id)
}

// StatusXML is the body served for an action status.
func StatusXML(id int64) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<BESAPI xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:noNamespaceSchemaLocation="BESAPI.xsd">
<ActionResults Resource="/api/action/%d/status"><ActionID>%d</ActionID><Status>Expired</Status></ActionResults>
</BESAPI>`, id, id)
}

func fetchKey(id int64, status bool) string {
	if status {
		return fmt.Sprintf("%d/status", id)
	}
	return strconv.FormatInt(id, 10)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.User || pass != s.Password {
			http.Error(w, "Login failed", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	relevance := r.PostForm.Get("relevance")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryFail != 0 {
		http.Error(w, "query failed", s.queryFail)
		return
	}

	rows := [][]any{}
	if m := memberQueryPattern.FindStringSubmatch(relevance); m != nil {
		parent, _ := strconv.ParseInt(m[1], 10, 64)
		if a, ok := s.actions[parent]; ok {
			for _, cid := range a.Components {
				if c, ok := s.actions[cid]; ok {
					rows = append(rows, []any{c.ID, c.State, c.Name})
				}
			}
		}
	} else {
		for _, id := range s.sortedIDs() {
			a := s.actions[id]
			if a.Component {
				continue
			}
			rows = append(rows, []any{a.ID, a.State, a.Name, a.Issued, a.Issuer, a.MAG})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result":      rows,
		"plural":      true,
		"type":        "( integer, string, string, time, string, boolean )",
		"evaltime_ms": 1,
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	s.serveFetch(w, r, false)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.serveFetch(w, r, true)
}

func (s *Server) serveFetch(w http.ResponseWriter, r *http.Request, status bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	code := s.fetchFailures[fetchKey(id, status)]
	_, exists := s.actions[id]
	s.mu.Unlock()

	if code != 0 {
		http.Error(w, "injected failure", code)
		return
	}
	if !exists {
		http.Error(w, "Action not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	if status {
		_, _ = w.Write([]byte(StatusXML(id)))
		return
	}
	_, _ = w.Write([]byte(ActionXML(id)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if code := s.deleteFail[id]; code != 0 {
		http.Error(w, "injected failure", code)
		return
	}
	if _, ok := s.actions[id]; !ok {
		http.Error(w, "Action not found", http.StatusNotFound)
		return
	}
	delete(s.actions, id)
	s.deleted = append(s.deleted, id)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.actions))
	for id := range s.actions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
