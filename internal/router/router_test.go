package router

import (
	"net/http"
	"testing"

	"github.com/monstercameron/zerver/internal/reqctx"
)

func dummyStep() []reqctx.Step { return nil }

func TestMatchLiteralRoute(t *testing.T) {
	r := New()
	want := r.Register(http.MethodGet, "/healthz", dummyStep(), dummyStep())

	m := r.Match(http.MethodGet, "/healthz")
	if m.Route != want {
		t.Fatalf("expected matched route %v, got %v", want, m.Route)
	}
}

func TestMatchCapturesParam(t *testing.T) {
	r := New()
	r.Register(http.MethodGet, "/posts/:id", nil, nil)

	m := r.Match(http.MethodGet, "/posts/42")
	if m.Route == nil {
		t.Fatal("expected a match")
	}
	if m.Params["id"] != "42" {
		t.Fatalf("expected id=42, got %q", m.Params["id"])
	}
}

func TestMatchWildcardCapturesRemainder(t *testing.T) {
	r := New()
	r.Register(http.MethodGet, "/assets/*path", nil, nil)

	m := r.Match(http.MethodGet, "/assets/css/site.css")
	if m.Route == nil {
		t.Fatal("expected a match")
	}
	if m.Params["path"] != "css/site.css" {
		t.Fatalf("expected path=css/site.css, got %q", m.Params["path"])
	}
}

func TestMatchTiesResolveToEarliestRegistration(t *testing.T) {
	r := New()
	first := r.Register(http.MethodGet, "/posts/:id", nil, nil)
	r.Register(http.MethodGet, "/posts/latest", nil, nil)

	m := r.Match(http.MethodGet, "/posts/latest")
	if m.Route != first {
		t.Fatal("expected the earlier-registered :id route to win the tie")
	}
}

func TestMatchNoRouteForMethod(t *testing.T) {
	r := New()
	r.Register(http.MethodPost, "/posts", nil, nil)

	m := r.Match(http.MethodGet, "/posts")
	if m.Route != nil {
		t.Fatal("expected no match")
	}
	if !m.PathMatchedOtherMethod {
		t.Fatal("expected PathMatchedOtherMethod to be true")
	}
}

func TestMatchCompletelyUnknownPath(t *testing.T) {
	r := New()
	r.Register(http.MethodGet, "/posts", nil, nil)

	m := r.Match(http.MethodGet, "/nope")
	if m.Route != nil || m.PathMatchedOtherMethod {
		t.Fatal("expected a total miss")
	}
}
