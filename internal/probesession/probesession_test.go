package probesession

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type fakeChannel struct {
	sent   []any
	closed bool
}

func (f *fakeChannel) WriteJSON(v any) error {
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestStore(t *testing.T, contents string) *CredentialStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "probes.json")
	if contents != "" {
		if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	store := NewCredentialStore(path)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store
}

func TestCredentialStoreMissingFileIsEmpty(t *testing.T) {
	store := newTestStore(t, "")
	if _, ok := store.Secret("probe-1"); ok {
		t.Fatal("expected no secrets for missing file")
	}
}

func TestCredentialStoreLoadAndLookup(t *testing.T) {
	store := newTestStore(t, `{"probe-1":"s3cret"}`)
	secret, ok := store.Secret("probe-1")
	if !ok || secret != "s3cret" {
		t.Fatalf("Secret = %q, %v", secret, ok)
	}
}

func TestCredentialStoreKeepsOldMapOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probes.json")
	os.WriteFile(path, []byte(`{"probe-1":"s3cret"}`), 0o600)
	store := NewCredentialStore(path)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(path, []byte(`not json`), 0o600)
	if err := store.Load(); err == nil {
		t.Fatal("expected parse error")
	}

	secret, ok := store.Secret("probe-1")
	if !ok || secret != "s3cret" {
		t.Fatalf("expected previous map retained, got %q, %v", secret, ok)
	}
}

func TestAuthenticate(t *testing.T) {
	store := newTestStore(t, `{"probe-1":"s3cret"}`)
	mgr := NewManager(store)

	cases := []struct {
		name, id, region, auth string
		wantCode               int
	}{
		{"ok", "probe-1", "us-east", "Bearer s3cret", 0},
		{"missing id", "", "us-east", "Bearer s3cret", CloseMissingParams},
		{"missing region", "probe-1", "", "Bearer s3cret", CloseMissingParams},
		{"unknown probe", "probe-x", "us-east", "Bearer s3cret", CloseUnauthorized},
		{"bad prefix", "probe-1", "us-east", "s3cret", CloseUnauthorized},
		{"wrong token", "probe-1", "us-east", "Bearer wrong", CloseUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mgr.Authenticate(tc.id, tc.region, tc.auth)
			if tc.wantCode == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Code != tc.wantCode {
				t.Fatalf("got %v, want code %d", err, tc.wantCode)
			}
		})
	}
}

func TestRegisterReplacesDuplicateID(t *testing.T) {
	store := newTestStore(t, `{}`)
	mgr := NewManager(store)

	first := &fakeChannel{}
	second := &fakeChannel{}

	s1 := mgr.Register("probe-1", "us-east", first)
	s2 := mgr.Register("probe-1", "us-east", second)

	if !first.closed {
		t.Fatal("expected first connection closed on replacement")
	}
	if got, _ := mgr.Get("probe-1"); got != s2 {
		t.Fatal("expected registry to hold the newest session")
	}
	if s1 == s2 {
		t.Fatal("expected distinct session objects")
	}
}

func TestUnregisterIsNoOpForStaleSession(t *testing.T) {
	store := newTestStore(t, `{}`)
	mgr := NewManager(store)

	stale := mgr.Register("probe-1", "us-east", &fakeChannel{})
	current := mgr.Register("probe-1", "us-east", &fakeChannel{})

	mgr.Unregister(stale)
	if _, ok := mgr.Get("probe-1"); !ok {
		t.Fatal("unregistering a stale session should not remove the current one")
	}

	mgr.Unregister(current)
	if _, ok := mgr.Get("probe-1"); ok {
		t.Fatal("expected session removed")
	}
}

func TestHandleFrameRoutesToReplyHandler(t *testing.T) {
	store := newTestStore(t, `{}`)
	mgr := NewManager(store)

	var gotID string
	var gotSuccess bool
	mgr.SetReplyHandler(func(id string, success bool, data json.RawMessage, errMsg string) {
		gotID, gotSuccess = id, success
	})

	sess := mgr.Register("probe-1", "us-east", &fakeChannel{})
	mgr.HandleFrame(sess, []byte(`{"id":"task-1","success":true,"data":{}}`))

	if gotID != "task-1" || !gotSuccess {
		t.Fatalf("handler not invoked correctly: id=%q success=%v", gotID, gotSuccess)
	}
}

func TestHandleFrameDropsMalformed(t *testing.T) {
	store := newTestStore(t, `{}`)
	mgr := NewManager(store)
	called := false
	mgr.SetReplyHandler(func(id string, success bool, data json.RawMessage, errMsg string) {
		called = true
	})

	sess := mgr.Register("probe-1", "us-east", &fakeChannel{})
	mgr.HandleFrame(sess, []byte(`not json`))

	if called {
		t.Fatal("expected malformed frame to be dropped")
	}
}
