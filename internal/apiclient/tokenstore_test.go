package apiclient

import "testing"

func TestTokenStoreLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	ts := NewTokenStore(dir)
	_, ok, err := ts.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("Load on missing file: ok = true, want false")
	}
}

func TestTokenStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ts := NewTokenStore(dir)
	tok := Token{Token: "abc", Secret: "shh", Nonce: 1}
	if err := ts.Save(tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := ts.Load()
	if err != nil || !ok {
		t.Fatalf("Load: %+v, ok=%v, err=%v", got, ok, err)
	}
	if got != tok {
		t.Fatalf("Load() = %+v, want %+v", got, tok)
	}
}

// TestNextNonceMonotonicity is the nonce monotonicity property (spec.md
// TESTABLE PROPERTIES #6): across any two calls, the persisted nonce
// only increases, and is persisted before use.
func TestNextNonceMonotonicity(t *testing.T) {
	dir := t.TempDir()
	ts := NewTokenStore(dir)
	tok := Token{Token: "abc", Secret: "shh", Nonce: 5}

	tok, err := ts.NextNonce(tok)
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if tok.Nonce != 6 {
		t.Fatalf("Nonce = %d, want 6", tok.Nonce)
	}

	persisted, ok, err := ts.Load()
	if err != nil || !ok {
		t.Fatalf("Load after NextNonce: %v, ok=%v", err, ok)
	}
	if persisted.Nonce != 6 {
		t.Fatalf("persisted Nonce = %d, want 6 (must be persisted before send)", persisted.Nonce)
	}

	tok, err = ts.NextNonce(tok)
	if err != nil {
		t.Fatalf("second NextNonce: %v", err)
	}
	if tok.Nonce != 7 {
		t.Fatalf("Nonce after second call = %d, want 7", tok.Nonce)
	}
}

func TestTokenStoreDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ts := NewTokenStore(dir)
	if err := ts.Delete(); err != nil {
		t.Fatalf("Delete on missing file: %v", err)
	}
	if err := ts.Save(Token{Token: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := ts.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := ts.Load(); ok {
		t.Fatal("Load after Delete: still present")
	}
}
