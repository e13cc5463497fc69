package testutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// Default credentials accepted by a Platform
const (
	ClientID        = "client-id"
	ClientSecret    = "client-secret"
	SubscriptionKey = "subscription-key"
)

// Reply is one scripted response of a Platform endpoint.
type Reply struct {
	Status int
	Body   string
	// Reset drops the connection without writing a response
	Reset bool
	// Delay is slept before answering
	Delay time.Duration
}

// StatusReply answers with status and an empty body.
func StatusReply(status int) Reply {
	return Reply{Status: status}
}

// ResetReply resets the connection.
func ResetReply() Reply {
	return Reply{Reset: true}
}

// TokenReply answers the token endpoint in the platform's own shape with an
// absolute expiry in epoch milliseconds.
func TokenReply(value string, expiresAt time.Time) Reply {
	return Reply{
		Status: http.StatusOK,
		Body:   fmt.Sprintf(`{"accessToken":%q,"expiresOn":%d}`, value, expiresAt.UnixMilli()),
	}
}

// RecordedRequest is a request received by a Platform.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Platform is an in-process stand-in for the payment platform: a token
// endpoint at /token and any number of API paths answering with scripted
// replies. Each endpoint consumes its replies in order and repeats the
// last one. Unscripted API paths answer 201.
type Platform struct {
	Server *httptest.Server

	mu         sync.Mutex
	token      []Reply
	api        map[string][]Reply
	requests   []RecordedRequest
	tokenCalls int
	calls      chan string
}

// NewPlatform starts a Platform that is closed when the test ends. It hands
// out a token valid for an hour until QueueToken says otherwise.
func NewPlatform(t testing.TB) *Platform {
	t.Helper()

	p := &Platform{
		token: []Reply{TokenReply("a-token", time.Now().Add(time.Hour))},
		api:   make(map[string][]Reply),
		calls: make(chan string, 256),
	}

	router := mux.NewRouter()
	router.HandleFunc("/token", p.handleToken).Methods(http.MethodPost)
	router.PathPrefix("/").HandlerFunc(p.handleAPI).Methods(http.MethodPost)

	p.Server = httptest.NewServer(router)
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the base URL of the platform
func (p *Platform) URL() string {
	return p.Server.URL
}

// TokenURL is the URL of the token endpoint
func (p *Platform) TokenURL() string {
	return p.Server.URL + "/token"
}

// QueueToken replaces the token endpoint script
func (p *Platform) QueueToken(replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = replies
}

// QueueAPI replaces the script of an API path
func (p *Platform) QueueAPI(path string, replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.api[path] = replies
}

// TokenCalls returns how many token requests were received
func (p *Platform) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

// Requests returns the API requests received on path
func (p *Platform) Requests(path string) []RecordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []RecordedRequest
	for _, r := range p.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// WaitForCalls consumes n request notifications (token or API), blocking
// until they arrive or timeout elapses. It reports whether they did.
func (p *Platform) WaitForCalls(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-p.calls:
		case <-deadline:
			return false
		}
	}
	return true
}

func (p *Platform) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	p.mu.Lock()
	p.tokenCalls++
	reply := next(&p.token)
	p.mu.Unlock()
	p.notify("/token")

	id, secret, ok := r.BasicAuth()
	if !ok || id != ClientID || secret != ClientSecret {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Ocp-Apim-Subscription-Key") != SubscriptionKey {
		http.Error(w, `{"error":"missing subscription key"}`, http.StatusForbidden)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		return
	}

	write(w, reply)
}

func (p *Platform) handleAPI(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.requests = append(p.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	replies, ok := p.api[r.URL.Path]
	reply := StatusReply(http.StatusCreated)
	if ok {
		reply = next(&replies)
		p.api[r.URL.Path] = replies
	}
	p.mu.Unlock()
	p.notify(r.URL.Path)

	write(w, reply)
}

func (p *Platform) notify(path string) {
	select {
	case p.calls <- path:
	default:
	}
}

func next(replies *[]Reply) Reply {
	if len(*replies) == 0 {
		return StatusReply(http.StatusNotFound)
	}
	reply := (*replies)[0]
	if len(*replies) > 1 {
		*replies = (*replies)[1:]
	}
	return reply
}

func write(w http.ResponseWriter, reply Reply) {
	if reply.Delay > 0 {
		time.Sleep(reply.Delay)
	}

	if reply.Reset {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijacking not supported", http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		_ = conn.Close()
		return
	}

	if reply.Body != "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(reply.Status)
	if reply.Body != "" {
		_, _ = io.WriteString(w, reply.Body)
	}
}
