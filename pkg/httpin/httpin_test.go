package httpin

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rsyslog/rsyslog-go/pkg/message"
	"github.com/rsyslog/rsyslog-go/pkg/stats"
)

type collectingSubmitter struct {
	mu     sync.Mutex
	bodies []string
}

func (c *collectingSubmitter) Submit(m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, string(m.Body))
	return nil
}

func (c *collectingSubmitter) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.bodies))
	copy(out, c.bodies)
	return out
}

// TestOctetFramingTwoMessages is scenario 5: "5 hello10 0123456789"
// under octet framing yields "hello" then "0123456789".
func TestOctetFramingTwoMessages(t *testing.T) {
	sub := &collectingSubmitter{}
	lcfg := DefaultListenerConfig("/octet")
	lcfg.SupportOctetFraming = true

	li := &ListenerInstance{cfg: lcfg, submitter: sub, stats: stats.NewRegistry()}

	srv := httptest.NewServer(http.HandlerFunc(li.handleRequest))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/octet", "text/plain", bytes.NewBufferString("5 hello10 0123456789"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := sub.snapshot()
	want := []string{"hello", "0123456789"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestGzipBodyTwoLines is scenario 6: a gzipped "line1\nline2\n" body
// with Content-Encoding: gzip yields two messages.
func TestGzipBodyTwoLines(t *testing.T) {
	sub := &collectingSubmitter{}
	lcfg := DefaultListenerConfig("/gz")

	li := &ListenerInstance{cfg: lcfg, submitter: sub, stats: stats.NewRegistry()}

	srv := httptest.NewServer(http.HandlerFunc(li.handleRequest))
	defer srv.Close()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("line1\nline2\n"))
	gw.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/gz", &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := sub.snapshot()
	want := []string{"line1", "line2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNonPostRejected(t *testing.T) {
	sub := &collectingSubmitter{}
	lcfg := DefaultListenerConfig("/x")
	li := &ListenerInstance{cfg: lcfg, submitter: sub, stats: stats.NewRegistry()}

	srv := httptest.NewServer(http.HandlerFunc(li.handleRequest))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/x")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestLFFramingDefault(t *testing.T) {
	sub := &collectingSubmitter{}
	lcfg := DefaultListenerConfig("/lf")
	li := &ListenerInstance{cfg: lcfg, submitter: sub, stats: stats.NewRegistry()}

	srv := httptest.NewServer(http.HandlerFunc(li.handleRequest))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/lf", "text/plain", bytes.NewBufferString("alpha\nbeta\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	got := sub.snapshot()
	want := []string{"alpha", "beta"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBasicAuthRejectsBadCredentials(t *testing.T) {
	sub := &collectingSubmitter{}
	lcfg := DefaultListenerConfig("/auth")
	lcfg.BasicAuthFile = "/nonexistent/htpasswd"
	li := &ListenerInstance{cfg: lcfg, submitter: sub, stats: stats.NewRegistry(), auth: newBasicAuthGate(lcfg.BasicAuthFile)}

	srv := httptest.NewServer(http.HandlerFunc(li.handleRequest))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/auth", bytes.NewBufferString("x"))
	req.SetBasicAuth("user", "pass")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
