package refresh

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEndpointHead(t *testing.T) {
	hub := NewHub()
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, EndpointPath, nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("HEAD status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD body = %q, want empty", rec.Body.String())
	}
}

func TestEndpointRejectsOtherMethods(t *testing.T) {
	hub := NewHub()
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		hub.ServeHTTP(rec, httptest.NewRequest(method, EndpointPath, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", method, rec.Code)
		}
	}
}

func TestStreamHeartbeatsThenFinal(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	resp, err := http.Get(srv.URL + EndpointPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("GET status = %d, want 201", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("content-type = %q, want text/plain", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// First heartbeat arrives within the protocol's 1s bound.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if line != "0\n" {
		t.Fatalf("first line = %q, want 0", line)
	}

	// Wait until the hub sees the subscriber, then fire the reload.
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.NotifyReload()

	var final string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("read: %v", err)
		}
		if line == "1\n" {
			final = line
			break
		}
		if line != "0\n" {
			t.Fatalf("unexpected line %q", line)
		}
	}
	if final != "1\n" {
		t.Fatal("stream ended without the final 1 line")
	}

	// At most one final value: the stream is closed afterwards.
	if _, err := reader.ReadString('\n'); err != io.EOF {
		t.Fatalf("read after final: err = %v, want EOF", err)
	}
}

func TestNotifyWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.NotifyReload() // must not panic or block
	if hub.SubscriberCount() != 0 {
		t.Fatal("phantom subscriber")
	}
}

func TestMiddlewareInjectsIntoHTML(t *testing.T) {
	hub := NewHub()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", "13")
		_, _ = w.Write([]byte("<p>hello</p>"))
	})
	h := Middleware(hub, next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "<p>hello</p>") {
		t.Fatal("original body lost")
	}
	if !strings.Contains(body, "<script>") {
		t.Fatal("runtime script not injected")
	}
	if !strings.Contains(body, EndpointPath) {
		t.Fatal("injected script does not reference the endpoint")
	}
	if got := rec.Header().Get("Content-Length"); got != "" {
		t.Fatalf("content-length = %q, want stripped", got)
	}
}

func TestMiddlewareSkipsNonHTML(t *testing.T) {
	hub := NewHub()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	h := Middleware(hub, next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	if strings.Contains(rec.Body.String(), "<script>") {
		t.Fatal("script injected into non-HTML response")
	}
}

func TestMiddlewareSkipsEncodedResponses(t *testing.T) {
	hub := NewHub()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("compressed-bytes"))
	})
	h := Middleware(hub, next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page", nil))
	if strings.Contains(rec.Body.String(), "<script>") {
		t.Fatal("script injected into an encoded response")
	}
}

func TestMiddlewareSkipsNonGet(t *testing.T) {
	hub := NewHub()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>posted</p>"))
	})
	h := Middleware(hub, next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/form", nil))
	if strings.Contains(rec.Body.String(), "<script>") {
		t.Fatal("script injected into a POST response")
	}
}

func TestMiddlewareRoutesEndpoint(t *testing.T) {
	hub := NewHub()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint request leaked to the app handler")
	})
	h := Middleware(hub, next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, EndpointPath, nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("endpoint HEAD via middleware = %d, want 202", rec.Code)
	}
}
