package assist_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fieldline/internal/assist"
	"fieldline/internal/domain"
)

func stubServer(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": answer}}}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDescribe(t *testing.T) {
	srv := stubServer(t, "Trinca estrutural na alvenaria do bloco B; abrir frente de reparo.")
	c := assist.New(srv.URL, "test-model", "key")
	got, err := c.Describe(context.Background(), assist.Request{
		Title:    "Trinca na parede",
		Location: "Bloco B",
		Priority: domain.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !strings.Contains(got, "Trinca estrutural") {
		t.Fatalf("unexpected answer: %q", got)
	}
}

func TestSafeDescribeEmptyAnswer(t *testing.T) {
	srv := stubServer(t, "   ")
	c := assist.New(srv.URL, "test-model", "key")
	got := assist.SafeDescribe(context.Background(), c, assist.Request{Title: "t"})
	if got != assist.FallbackEmpty {
		t.Fatalf("expected empty fallback, got %q", got)
	}
}

func TestSafeDescribeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := assist.New(srv.URL, "test-model", "key")
	got := assist.SafeDescribe(context.Background(), c, assist.Request{Title: "t"})
	if got != assist.FallbackUnavailable {
		t.Fatalf("expected unavailable fallback, got %q", got)
	}
}

func TestSafeDescribeUnreachable(t *testing.T) {
	c := assist.New("http://127.0.0.1:1", "test-model", "key")
	got := assist.SafeDescribe(context.Background(), c, assist.Request{Title: "t"})
	if got != assist.FallbackUnavailable {
		t.Fatalf("expected unavailable fallback, got %q", got)
	}
}

func TestSafeDescribeNilGenerator(t *testing.T) {
	got := assist.SafeDescribe(context.Background(), nil, assist.Request{Title: "t"})
	if got != assist.FallbackUnavailable {
		t.Fatalf("expected unavailable fallback, got %q", got)
	}
}
