package checker

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fixed struct {
	ok   bool
	err  error
	hash string
}

func (f fixed) Check(*http.Request) (bool, error) { return f.ok, f.err }
func (f fixed) Hash() string                      { return f.hash }

func TestListAndAll(t *testing.T) {
	yes := fixed{ok: true, hash: "yes"}
	no := fixed{hash: "no"}
	boom := fixed{err: errors.New("boom"), hash: "boom"}

	for _, tt := range []struct {
		name    string
		impl    Impl
		ok      bool
		wantErr bool
	}{
		{name: "empty list", impl: List{}, ok: false},
		{name: "list any", impl: List{no, yes}, ok: true},
		{name: "list none", impl: List{no, no}, ok: false},
		{name: "list error", impl: List{boom, yes}, wantErr: true},
		{name: "empty all", impl: All{}, ok: true},
		{name: "all every", impl: All{yes, yes}, ok: true},
		{name: "all one missing", impl: All{yes, no}, ok: false},
		{name: "all short circuits", impl: All{no, boom}, ok: false},
		{name: "all error", impl: All{yes, boom}, wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.impl.Check(httptest.NewRequest(http.MethodGet, "/", nil))
			if (err != nil) != tt.wantErr {
				t.Fatalf("wanted error: %v, got: %v", tt.wantErr, err)
			}
			if ok != tt.ok {
				t.Errorf("wanted %v, got: %v", tt.ok, ok)
			}
		})
	}
}

func TestHashDistinguishesKind(t *testing.T) {
	impls := []Impl{fixed{hash: "a"}, fixed{hash: "b"}}

	if List(impls).Hash() == All(impls).Hash() {
		t.Error("List and All over the same checkers must not hash the same")
	}

	if List(impls).Hash() != List(impls).Hash() {
		t.Error("hash is not stable")
	}
}
