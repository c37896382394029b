// Package comfytest provides an in-process fake ComfyUI server for tests.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Output is an image the fake server reports for every prompt.
type Output struct {
	NodeID    string
	Filename  string
	Subfolder string
	Type      string
	Data      []byte
}

// Server records every call it receives. Exported fields configure behavior
// and must be set before the first request.
type Server struct {
	*httptest.Server

	// Outputs returned from /history and served by /view.
	Outputs []Output
	// ProgressNodes are announced before the completion event.
	ProgressNodes []string
	// Hang suppresses the completion event.
	Hang bool
	// FailNode makes execution end with an execution_error at that node.
	FailNode string
	// HealthStatus is returned by /system_stats (default 200).
	HealthStatus int
	// RejectPrompt makes /prompt reply 400 with node errors.
	RejectPrompt bool

	mu      sync.Mutex
	calls   []string
	uploads map[string][]byte
	prompts []map[string]any
	done    map[string]bool
	conns   map[string]*wsConn
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// New starts a fake server producing one PNG-named output per prompt.
func New() *Server {
	s := &Server{
		Outputs:      []Output{{NodeID: "87", Filename: "ComfyUI_00001_.png", Type: "output", Data: []byte("\x89PNG\r\n\x1a\nfake")}},
		HealthStatus: http.StatusOK,
		uploads:      map[string][]byte{},
		done:         map[string]bool{},
		conns:        map[string]*wsConn{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", s.handleHealth)
	mux.HandleFunc("/upload/image", s.handleUpload)
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/ws", s.handleWS)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

// Calls returns the ordered call log, e.g. ["ws", "upload", "prompt", "complete", "history", "view"].
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times call was recorded.
func (s *Server) Count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Uploads returns a copy of the uploaded images keyed by filename.
func (s *Server) Uploads() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.uploads))
	for k, v := range s.uploads {
		out[k] = v
	}
	return out
}

// Prompts returns the decoded workflow graphs submitted so far.
func (s *Server) Prompts() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.prompts...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.record("health")
	w.WriteHeader(s.HealthStatus)
	_, _ = w.Write([]byte(`{"system":{}}`))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	b, _ := io.ReadAll(f)
	s.mu.Lock()
	s.uploads[hdr.Filename] = b
	s.calls = append(s.calls, "upload")
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"name": hdr.Filename, "subfolder": "", "type": "input"})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   map[string]any `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.record("prompt")
	if s.RejectPrompt {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"prompt_outputs_failed_validation"},"node_errors":{"31":{}}}`))
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Prompt)
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": id, "number": 1, "node_errors": map[string]any{}})
	go s.execute(id, req.ClientID)
}

func (s *Server) conn(clientID string) *wsConn {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		c := s.conns[clientID]
		s.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (s *Server) execute(promptID, clientID string) {
	c := s.conn(clientID)
	if c == nil {
		return
	}
	_ = c.send(map[string]any{"type": "status", "data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 1}}}})
	_ = c.send(map[string]any{"type": "execution_start", "data": map[string]any{"prompt_id": promptID}})
	for _, n := range s.ProgressNodes {
		_ = c.send(map[string]any{"type": "executing", "data": map[string]any{"node": n, "prompt_id": promptID}})
	}
	if s.Hang {
		return
	}
	if s.FailNode != "" {
		s.record("failed")
		_ = c.send(map[string]any{"type": "execution_error", "data": map[string]any{
			"prompt_id": promptID, "node_id": s.FailNode, "node_type": "KSampler", "exception_message": "CUDA out of memory",
		}})
		return
	}
	s.mu.Lock()
	s.done[promptID] = true
	s.calls = append(s.calls, "complete")
	s.mu.Unlock()
	_ = c.send(map[string]any{"type": "executing", "data": map[string]any{"node": nil, "prompt_id": promptID}})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")
	s.record("history")
	s.mu.Lock()
	done := s.done[id]
	s.mu.Unlock()
	if !done {
		_, _ = w.Write([]byte(`{}`))
		return
	}
	outputs := map[string]any{}
	for _, o := range s.Outputs {
		entry, _ := outputs[o.NodeID].(map[string]any)
		if entry == nil {
			entry = map[string]any{"images": []any{}}
		}
		entry["images"] = append(entry["images"].([]any), map[string]string{"filename": o.Filename, "subfolder": o.Subfolder, "type": o.Type})
		outputs[o.NodeID] = entry
	}
	_ = json.NewEncoder(w).Encode(map[string]any{id: map[string]any{"outputs": outputs}})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.record("view")
	for _, o := range s.Outputs {
		if o.Filename == q.Get("filename") && o.Subfolder == q.Get("subfolder") && o.Type == q.Get("type") {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(o.Data)
			return
		}
	}
	http.Error(w, fmt.Sprintf("no such file %q", q.Get("filename")), http.StatusNotFound)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	s.mu.Lock()
	s.conns[clientID] = c
	s.calls = append(s.calls, "ws")
	s.mu.Unlock()
	_ = c.send(map[string]any{"type": "status", "data": map[string]any{"sid": clientID}})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	delete(s.conns, clientID)
	s.mu.Unlock()
	_ = conn.Close()
}
