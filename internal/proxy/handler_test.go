package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/strategy"
)

func TestHandlerWritesResultAndHeaders(t *testing.T) {
	host := &stubInterceptor{
		result: strategy.Result{
			Class:  strategy.ClassCoreAsset,
			Source: strategy.SourceCache,
			Response: &cache.Response{
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": []string{"text/css"}, "Connection": []string{"close"}},
				Body:   []byte("body{}"),
			},
		},
	}
	app := newHandlerApp(t, host)

	req := httptest.NewRequest("GET", "http://site.local/assets/css/styles.css?v=1", nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Dest", "style")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "body{}" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(headerClass) != "core-asset" || resp.Header.Get(headerSource) != "cache" {
		t.Fatalf("missing strategy headers: %v", resp.Header)
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("content type not copied: %v", resp.Header)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id")
	}

	if host.last.URL != "/assets/css/styles.css?v=1" || host.last.Mode != "no-cors" || host.last.Destination != "style" {
		t.Fatalf("request not translated: %+v", host.last)
	}
}

func TestHandlerForwardsMethodAndBody(t *testing.T) {
	host := &stubInterceptor{
		result: strategy.Result{
			Class:    strategy.ClassPassthrough,
			Source:   strategy.SourceNetwork,
			Response: &cache.Response{Status: http.StatusCreated, Header: http.Header{}},
		},
	}
	app := newHandlerApp(t, host)

	resp, err := app.Test(httptest.NewRequest("POST", "http://site.local/api/report", bytes.NewBufferString(`{"a":1}`)))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected upstream status, got %d", resp.StatusCode)
	}
	if host.last.Method != http.MethodPost || string(host.last.Body) != `{"a":1}` {
		t.Fatalf("method/body not forwarded: %+v", host.last)
	}
}

func TestHandlerReturnsBadGatewayOnFailure(t *testing.T) {
	host := &stubInterceptor{
		result: strategy.Result{Class: strategy.ClassStatic},
		err:    errors.New("connection refused"),
	}
	app := newHandlerApp(t, host)

	resp, err := app.Test(httptest.NewRequest("GET", "http://site.local/assets/js/extra.js", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway || !bytes.Contains(body, []byte(`"upstream_failed"`)) {
		t.Fatalf("expected 502 upstream_failed, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(headerClass) != "static" {
		t.Fatalf("class header should be set on failure")
	}
}

type stubInterceptor struct {
	result strategy.Result
	err    error
	last   network.Request
}

func (s *stubInterceptor) Fetch(_ context.Context, req network.Request) (strategy.Result, error) {
	s.last = req
	return s.result, s.err
}

func (s *stubInterceptor) ActiveVersion() string { return "v1" }

func newHandlerApp(t *testing.T, host Interceptor) *fiber.App {
	t.Helper()
	app, err := server.NewApp(server.AppOptions{
		Logger:     logging.Discard(),
		Proxy:      NewHandler(host, logging.Discard()),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}
