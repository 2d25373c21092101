// Package remotetest provides an in-process stand-in for the catch service.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Catch is a submission accepted by the Server.
type Catch struct {
	LocalID string
	Fields  map[string]string
	Photos  []string // file names
	Video   string
}

// Server records submissions keyed by their offline local id. A replayed id
// is answered with a 409 of type "duplicate" that echoes the idempotency key,
// and does not create a second catch.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	catches   map[string]Catch
	order     []string
	requests  int
	inFlight  int
	maxFlight int

	// Respond, when set, is consulted before the default handling. Returning
	// handled=true means it already wrote the response.
	Respond func(w http.ResponseWriter, r *http.Request, attempt int) (handled bool)

	// DropAck makes the server store the catch and then abort the connection
	// without replying, simulating a lost acknowledgment.
	DropAck bool

	// Block, when non-nil, is received from before replying.
	Block chan struct{}
}

func NewServer() *Server {
	s := &Server{catches: make(map[string]Catch)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost || r.URL.Path != "/catches" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.requests++
	attempt := s.requests
	s.inFlight++
	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	respond := s.Respond
	block := s.Block
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if block != nil {
		<-block
	}
	if respond != nil && respond(w, r, attempt) {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	localID := r.FormValue("offlineLocalId")
	if localID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "offlineLocalId is required")
		return
	}

	s.mu.Lock()
	_, dup := s.catches[localID]
	if !dup {
		c := Catch{LocalID: localID, Fields: make(map[string]string)}
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				c.Fields[k] = v[0]
			}
		}
		for _, fh := range r.MultipartForm.File["photos"] {
			c.Photos = append(c.Photos, fh.Filename)
		}
		if v := r.MultipartForm.File["video"]; len(v) > 0 {
			c.Video = v[0].Filename
		}
		s.catches[localID] = c
		s.order = append(s.order, localID)
	}
	dropAck := s.DropAck
	s.mu.Unlock()

	if dup {
		w.Header().Set("Idempotency-Key", r.Header.Get("Idempotency-Key"))
		writeError(w, http.StatusConflict, "duplicate", "catch already submitted")
		return
	}
	if dropAck {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": "remote-" + localID})
}

func writeError(w http.ResponseWriter, code int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": msg, "type": errType}})
}

// SetDropAck toggles lost-acknowledgment simulation.
func (s *Server) SetDropAck(v bool) {
	s.mu.Lock()
	s.DropAck = v
	s.mu.Unlock()
}

// Catches returns accepted catches in arrival order.
func (s *Server) Catches() []Catch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Catch, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.catches[id])
	}
	return out
}

// Requests is the number of submission requests received, including replays.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// MaxInFlight is the highest number of concurrent submissions observed.
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFlight
}
