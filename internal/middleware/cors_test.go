package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(origins []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/assessment/start", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	w := serve([]string{"*"}, http.MethodPost, "https://app.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard match must not allow credentials")
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("request should reach the handler, got %d", w.Code)
	}
}

func TestCORSExplicitOrigin(t *testing.T) {
	w := serve([]string{"https://app.example"}, http.MethodPost, "https://app.example")
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("explicit origin should allow credentials")
	}

	w = serve([]string{"https://app.example"}, http.MethodPost, "https://evil.example")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not be echoed")
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve([]string{"*"}, http.MethodOptions, "https://app.example")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight should list methods")
	}
}
