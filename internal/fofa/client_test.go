package fofa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	if cfg.RateLimitMin == 0 {
		cfg.RateLimitMin = time.Millisecond
		cfg.RateLimitMax = time.Millisecond
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.sleep = func(time.Duration) {}
	return c
}

func writeTemplate(t *testing.T, host string) string {
	t.Helper()
	raw := "POST /search HTTP/1.1\n" +
		"Host: " + host + "\n" +
		"Origin: http://" + host + "\n" +
		"Cookie: session=abc\n" +
		"Content-Length: 44\n" +
		"\n" +
		"action=fofa_cx&fofa_yf=title%3D%22x%22&fofa_ts=100"
	path := filepath.Join(t.TempDir(), "http_request.txt")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSearchOfficialRotatesOnKeyError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("email") == "bad@example.com" {
			w.Write([]byte(`{"error":true,"errmsg":"[-700] Account Invalid"}`))
			return
		}
		w.Write([]byte(`{"error":false,"results":[["a.example.com:443","1.2.3.4","443","Portal"]]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, ClientConfig{
		Mode:        ModeAPI,
		Credentials: []Credential{{Email: "bad@example.com", Key: "k1"}, {Email: "good@example.com", Key: "k2"}},
		APIURL:      srv.URL,
	})
	raw, query, err := c.Search(context.Background(), "测试科技")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if raw == nil {
		t.Fatal("expected raw result")
	}
	if calls != 2 {
		t.Fatalf("expected rotation to second key, got %d calls", calls)
	}
	if query != `body="测试科技"&&body="登录"` {
		t.Fatalf("unexpected query syntax: %s", query)
	}
	if got := ExtractAssets(raw); len(got) != 1 || got[0].Link != "a.example.com:443" {
		t.Fatalf("unexpected extraction: %+v", got)
	}
}

func TestSearchOfficialQueryRejectionDoesNotRotate(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"error":true,"errmsg":"[820000] syntax error"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, ClientConfig{
		Mode:        ModeAPI,
		Credentials: []Credential{{Email: "a@x", Key: "1"}, {Email: "b@x", Key: "2"}},
		APIURL:      srv.URL,
	})
	raw, _, err := c.Search(context.Background(), "bad query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if calls != 1 {
		t.Fatalf("query rejection must not rotate credentials, got %d calls", calls)
	}
	if got := ExtractAssets(raw); len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
	if c.Mode() != ModeAPI {
		t.Fatal("query rejection must not trigger failover")
	}
}

func TestSearchFailsOverToWebPermanently(t *testing.T) {
	apiCalls := 0
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	webCalls := 0
	webSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webCalls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostFormValue("fofa_yf") == "" {
			t.Error("missing fofa_yf in replayed template body")
		}
		w.Write([]byte(`{"data":[{"link":"web.example.com:8080","title":"管理后台","ip":"5.6.7.8","port":8080}]}`))
	}))
	defer webSrv.Close()

	c := newTestClient(t, ClientConfig{
		Mode:          ModeAPI,
		Credentials:   []Credential{{Email: "a@x", Key: "1"}},
		APIURL:        apiSrv.URL,
		TemplateFiles: []string{writeTemplate(t, webSrv.Listener.Addr().String())},
	})

	raw, _, err := c.Search(context.Background(), "公司")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if c.Mode() != ModeWeb {
		t.Fatal("expected permanent failover to web mode")
	}
	got := ExtractAssets(raw)
	if len(got) != 1 || got[0].Port != "8080" {
		t.Fatalf("unexpected extraction: %+v", got)
	}

	// Second search must go straight to the web channel.
	before := apiCalls
	if _, _, err := c.Search(context.Background(), "公司二"); err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if apiCalls != before {
		t.Fatal("failover must be one-way: api channel was retried")
	}
	if webCalls != 2 {
		t.Fatalf("expected 2 web calls, got %d", webCalls)
	}
}

func TestSelfCheckFailsOnNotLoggedInMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"您未登录网站"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, ClientConfig{
		Mode:          ModeWeb,
		TemplateFiles: []string{writeTemplate(t, srv.Listener.Addr().String())},
	})
	if err := c.SelfCheck(context.Background()); err == nil {
		t.Fatal("expected self-check failure on not-logged-in marker")
	}
}

func TestSelfCheckAPICountsValidKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") == "dead@x" {
			w.Write([]byte(`{"error":true,"errmsg":"account invalid"}`))
			return
		}
		w.Write([]byte(`{"error":false,"email":"live@x"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, ClientConfig{
		Mode:        ModeAPI,
		Credentials: []Credential{{Email: "dead@x", Key: "1"}, {Email: "live@x", Key: "2"}},
		InfoURL:     srv.URL,
	})
	if err := c.SelfCheck(context.Background()); err != nil {
		t.Fatalf("SelfCheck: %v", err)
	}

	allDead := newTestClient(t, ClientConfig{
		Mode:        ModeAPI,
		Credentials: []Credential{{Email: "dead@x", Key: "1"}},
		InfoURL:     srv.URL,
	})
	if err := allDead.SelfCheck(context.Background()); err == nil {
		t.Fatal("expected self-check failure with no valid keys")
	}
}

func TestParseTemplate(t *testing.T) {
	tmpl, err := ParseTemplate("POST /api/search HTTP/1.1\nHost: fofa.example\nCookie: s=1\nContent-Length: 10\n\naction=fofa_cx&fofa_yf=old&fofa_ts=100")
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	if tmpl.URL != "https://fofa.example/api/search" {
		t.Fatalf("unexpected url: %s", tmpl.URL)
	}
	if _, ok := tmpl.Headers["Content-Length"]; ok {
		t.Fatal("Content-Length must be dropped")
	}
	form := tmpl.FormData(`body="x"`)
	if form.Get("fofa_yf") != `body="x"` {
		t.Fatalf("query not substituted: %v", form)
	}
	if form.Get("fofa_ts") != "10000" {
		t.Fatalf("fofa_ts not pinned: %v", form)
	}
}

func TestExtractAssetsSkipsEmptyLink(t *testing.T) {
	raw := map[string]any{"results": []any{
		map[string]any{"title": "no link here"},
		map[string]any{"host": "h.example.com", "title": "ok", "port": float64(443)},
	}}
	got := ExtractAssets(raw)
	if len(got) != 1 || got[0].Link != "h.example.com" || got[0].Port != "443" {
		t.Fatalf("unexpected extraction: %+v", got)
	}
}
