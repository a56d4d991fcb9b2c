package apiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/splintermail/ditm/internal/errs"
)

func clientForTestServer(srv *httptest.Server) *Client {
	return &Client{HTTPClient: srv.Client(), BaseURL: srv.URL}
}

func TestPasswordCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			t.Errorf("unexpected basic auth: %s/%s ok=%v", user, pass, ok)
		}
		body, _ := io.ReadAll(r.Body)
		raw, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			t.Fatalf("decoding envelope: %v", err)
		}
		var env struct {
			Path string          `json:"path"`
			Arg  json.RawMessage `json:"arg"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Path != "/api/list_devices" {
			t.Errorf("path = %q, want /api/list_devices", env.Path)
		}
		w.Write([]byte(`{"status":"success","contents":{"devices":["aa"]}}`))
	}))
	defer srv.Close()

	c := clientForTestServer(srv)
	contents, err := c.PasswordCall(context.Background(), "list_devices", "alice", "secret", nil)
	if err != nil {
		t.Fatalf("PasswordCall: %v", err)
	}
	var body struct {
		Devices []string `json:"devices"`
	}
	if err := json.Unmarshal(contents, &body); err != nil {
		t.Fatalf("unmarshal contents: %v", err)
	}
	if len(body.Devices) != 1 || body.Devices[0] != "aa" {
		t.Fatalf("devices = %v, want [aa]", body.Devices)
	}
}

func TestTokenCallRevokedMapsToNOT4ME(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := clientForTestServer(srv)
	_, err := c.TokenCall(context.Background(), "add_token", "tok", 1, nil)
	if err == nil {
		t.Fatal("TokenCall: want error, got nil")
	}
	if errs.KindOf(err) != errs.NOT4ME {
		t.Fatalf("KindOf(err) = %v, want NOT4ME", errs.KindOf(err))
	}
}

func TestDoNonSuccessStatusIsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failure","contents":null}`))
	}))
	defer srv.Close()

	c := clientForTestServer(srv)
	_, err := c.PasswordCall(context.Background(), "add_device", "a", "b", nil)
	if errs.KindOf(err) != errs.RESPONSE {
		t.Fatalf("KindOf(err) = %v, want RESPONSE", errs.KindOf(err))
	}
}
