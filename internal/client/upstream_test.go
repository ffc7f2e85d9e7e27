package client

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"ntlm-proxy-go/internal/config"
	"ntlm-proxy-go/internal/credential"
	"ntlm-proxy-go/internal/metrics"
	"ntlm-proxy-go/internal/model"
)

func newTestClient(t *testing.T, timeoutSeconds int, m *metrics.Metrics) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(cfg, logger, m)
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func outbound(t *testing.T, method, rawURL string, body string) *model.OutboundRequest {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	out := &model.OutboundRequest{Method: method, URL: u, Header: http.Header{}}
	if body != "" {
		out.Body = []byte(body)
		out.ContentType = "text/plain"
	}
	return out
}

func TestUpstreamClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("X-Custom = %q, want %q", r.Header.Get("X-Custom"), "yes")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, 10, m)

	out := outbound(t, http.MethodGet, srv.URL+"/test", "")
	out.Header.Set("X-Custom", "yes")

	resp, err := c.Send(context.Background(), out, credential.Credential{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want application/json", resp.ContentType)
	}
	if string(resp.Body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(resp.Body), `{"status":"ok"}`)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "ntlm_proxy_upstream_responses_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected ntlm_proxy_upstream_responses_total to be recorded")
	}
}

func TestUpstreamClient_Send_BodyAndHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("body = %q, want payload", body)
		}
		if r.Header.Get("Content-Type") != "text/plain" {
			t.Errorf("Content-Type = %q, want text/plain", r.Header.Get("Content-Type"))
		}
		if r.Host != "virtual.example" {
			t.Errorf("Host = %q, want virtual.example", r.Host)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	out := outbound(t, http.MethodPost, srv.URL+"/items", "payload")
	out.Header.Set("Host", "virtual.example")

	resp, err := c.Send(context.Background(), out, credential.Credential{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.ContentType != "" {
		t.Errorf("ContentType = %q, want empty", resp.ContentType)
	}
}

func TestUpstreamClient_Send_NonSuccessIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	resp, err := c.Send(context.Background(), outbound(t, http.MethodGet, srv.URL, ""), credential.Credential{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
}

func TestUpstreamClient_Send_StartsNTLMHandshake(t *testing.T) {
	var sawNegotiate bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "NTLM ") {
			w.Header().Set("WWW-Authenticate", "NTLM")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		msg, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "NTLM "))
		if err != nil {
			t.Errorf("decode negotiate: %v", err)
		}
		// Type 1: "NTLMSSP\0" followed by message type 1.
		if len(msg) >= 12 && string(msg[:8]) == "NTLMSSP\x00" && msg[8] == 1 {
			sawNegotiate = true
		}
		_, _ = w.Write([]byte("I enjoy cows."))
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	out := outbound(t, http.MethodGet, srv.URL+"/", "")
	host := out.URL.Host
	cred := credential.Credential{Host: host, Scheme: credential.SchemeNTLM, Domain: "CORP", Username: "alice", Password: "pw"}

	resp, err := c.Send(context.Background(), out, cred)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !sawNegotiate {
		t.Error("upstream never received an NTLM negotiate message")
	}
	if string(resp.Body) != "I enjoy cows." {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestUpstreamClient_Send_BasicOnlyUpstreamNeverGetsCredential(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("WWW-Authenticate", `Basic realm="x"`)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("basic required"))
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	out := outbound(t, http.MethodPost, srv.URL+"/", "payload")
	cred, err := credential.NewStaticProvider("CORP", "alice", "s3cret").Resolve(context.Background(), out.URL.Host)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.Send(context.Background(), out, cred)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", resp.StatusCode)
	}
	if string(resp.Body) != "basic required" {
		t.Errorf("body = %q, want the upstream's 401 body", resp.Body)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Errorf("upstream requests = %d, want 1", len(seen))
	}
	for _, auth := range seen {
		if auth != "" {
			t.Errorf("upstream received Authorization %q, want none", auth)
		}
	}
}

func TestUpstreamClient_Send_CallerBasicPassesWhenAnonymous(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("caller:pw"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			w.Header().Set("WWW-Authenticate", `Basic realm="x"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("welcome"))
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	out := outbound(t, http.MethodGet, srv.URL+"/", "")
	out.Header.Set("Authorization", want)

	resp, err := c.Send(context.Background(), out, credential.Credential{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "welcome" {
		t.Errorf("resp = %d %q, want 200 welcome", resp.StatusCode, resp.Body)
	}
}

func TestUpstreamClient_Send_CredentialScopedToHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("credential for another host was attached")
		}
		w.Header().Set("WWW-Authenticate", "NTLM")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	cred := credential.Credential{Host: "other.example:80", Scheme: credential.SchemeNTLM, Username: "alice"}

	resp, err := c.Send(context.Background(), outbound(t, http.MethodGet, srv.URL, ""), cred)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", resp.StatusCode)
	}
}

func TestUpstreamClient_Send_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moved"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	resp, err := c.Send(context.Background(), outbound(t, http.MethodGet, srv.URL+"/old", ""), credential.Credential{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "moved" {
		t.Errorf("got %d %q, want 200 moved", resp.StatusCode, resp.Body)
	}
}

func TestUpstreamClient_Send_Error(t *testing.T) {
	c := newTestClient(t, 1, nil)

	_, err := c.Send(context.Background(), outbound(t, http.MethodGet, "http://127.0.0.1:1/nonexistent", ""), credential.Credential{})
	if err == nil {
		t.Fatal("Send() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_Send_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, 30, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Send(ctx, outbound(t, http.MethodGet, srv.URL+"/slow", ""), credential.Credential{})
	if err == nil {
		t.Fatal("Send() expected error for canceled context, got nil")
	}
}
