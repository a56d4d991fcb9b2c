package keytool

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/splintermail/ditm/internal/apiclient"
	"github.com/splintermail/ditm/internal/errs"
)

// decodeEnvelope reads and base64-decodes a request body built by
// apiclient.do, returning the raw envelope JSON.
func decodeEnvelope(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(string(body))
}

const testKeyBits = 1024 // small for test speed; production uses config.Device.KeyBits

func TestNewGeneratesKeyWhenMissing(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tool.DidKeyGen() {
		t.Error("DidKeyGen() = false on first run, want true")
	}
	if tool.peerListState != PeerListNew {
		t.Errorf("peerListState = %v, want PeerListNew", tool.peerListState)
	}
}

func TestNewLoadsExistingKeyOnSecondOpen(t *testing.T) {
	dir := t.TempDir()
	t1, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}

	t2, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if t2.DidKeyGen() {
		t.Error("DidKeyGen() on second open = true, want false")
	}
	if t1.Key.Fingerprint != t2.Key.Fingerprint {
		t.Errorf("fingerprint changed across reopen: %s vs %s", t1.Key.Fingerprint, t2.Key.Fingerprint)
	}
}

func TestCheckRecipsFlagsExpiredPeer(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tool.peerListState = PeerListOld
	tool.peerList = []string{"aa", "bb", "cc"}

	tool.CheckRecips([]string{"aa"})
	if !tool.FoundExpiredPeer() {
		t.Error("FoundExpiredPeer() = false after shorter recipient set, want true")
	}
}

func TestCheckRecipsAddsNewPeers(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tool.peerListState = PeerListOld
	tool.peerList = []string{"aa"}

	tool.CheckRecips([]string{"aa", "zz"})
	if len(tool.newPeers) != 1 || tool.newPeers[0] != "zz" {
		t.Fatalf("newPeers = %v, want [zz]", tool.newPeers)
	}
}

func TestUpdateShortCircuitsWhenNothingChanged(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tool.peerListState = PeerListOld
	tool.didKeyGen = false

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"status":"success","contents":{}}`))
	}))
	defer srv.Close()

	client := &apiclient.Client{HTTPClient: srv.Client()}
	if err := tool.Update(context.Background(), client, "user", "pass"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if called {
		t.Error("Update made an API call despite short-circuit conditions")
	}
}

func TestUpdateReconcilesAndRegistersNewKey(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// fresh key generation forces a call to add_device.

	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Path string `json:"path"`
		}
		body, _ := decodeEnvelope(r)
		json.Unmarshal(body, &env)
		calls = append(calls, env.Path)
		w.Write([]byte(`{"status":"success","contents":{"devices":[]}}`))
	}))
	defer srv.Close()

	client := &apiclient.Client{HTTPClient: srv.Client(), BaseURL: srv.URL}

	if err := tool.Update(context.Background(), client, "user", "pass"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	var sawAddDevice bool
	for _, p := range calls {
		if p == "/api/add_device" {
			sawAddDevice = true
		}
	}
	if !sawAddDevice {
		t.Fatalf("calls = %v, want add_device present after key generation", calls)
	}
}

func TestDecryptRoundTripSuccess(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := []byte("From: a@b\r\nSubject: hi\r\n\r\nhello world")
	var envBuf bytes.Buffer
	if err := sealEnvelope(&envBuf, map[string]*rsa.PublicKey{tool.Key.Fingerprint: &tool.Key.Private.PublicKey}, plaintext); err != nil {
		t.Fatalf("sealEnvelope: %v", err)
	}

	var out bytes.Buffer
	n, err := tool.Decrypt(&envBuf, &out)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if n != int64(len(plaintext)) {
		t.Errorf("Decrypt n = %d, want %d", n, len(plaintext))
	}
	if out.String() != string(plaintext) {
		t.Errorf("Decrypt output = %q, want %q", out.String(), plaintext)
	}
}

func TestDecryptNot4Me(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	other, err := New(t.TempDir(), testKeyBits)
	if err != nil {
		t.Fatalf("New other: %v", err)
	}

	var envBuf bytes.Buffer
	if err := sealEnvelope(&envBuf, map[string]*rsa.PublicKey{other.Key.Fingerprint: &other.Key.Private.PublicKey}, []byte("secret")); err != nil {
		t.Fatalf("sealEnvelope: %v", err)
	}

	var out bytes.Buffer
	_, err = tool.Decrypt(&envBuf, &out)
	if errs.KindOf(err) != errs.NOT4ME {
		t.Fatalf("KindOf(err) = %v, want NOT4ME", errs.KindOf(err))
	}
}

func TestDecryptMalformedEnvelopeIsParam(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(dir, testKeyBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := bytes.NewBufferString("not an envelope at all")
	var out bytes.Buffer
	_, err = tool.Decrypt(in, &out)
	if errs.KindOf(err) != errs.PARAM {
		t.Fatalf("KindOf(err) = %v, want PARAM", errs.KindOf(err))
	}
}
