package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// signToken signs claims with the test secret. Each claim set must be a
// struct or a map[string]any; go-jose rejects other map types.
func signToken(t *testing.T, claims ...any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testSecret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	builder := jwt.Signed(signer)
	for _, c := range claims {
		builder = builder.Claims(c)
	}
	token, err := builder.CompactSerialize()
	if err != nil {
		t.Fatalf("CompactSerialize() error = %v", err)
	}
	return token
}

func userToken(t *testing.T, sub string) string {
	return signToken(t, jwt.Claims{Subject: sub, Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))})
}

// recorded is one request seen by the fake backend.
type recorded struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   []byte
}

// fakeBackend is an httptest server routing the backend endpoints through
// a mux router. Tests register the handlers they need.
type fakeBackend struct {
	t      *testing.T
	router *mux.Router
	server *httptest.Server

	mu       sync.Mutex
	requests []recorded
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{t: t, router: mux.NewRouter()}
	f.router.Use(f.record)
	f.server = httptest.NewServer(f.router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		f.mu.Unlock()
		r.Body = http.NoBody
		next.ServeHTTP(w, r)
	})
}

func (f *fakeBackend) seen() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

func (f *fakeBackend) client(accessToken string) *Client {
	f.t.Helper()
	c, err := NewClient(Options{URL: f.server.URL, AnonKey: "anon-key", AccessToken: accessToken})
	if err != nil {
		f.t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
