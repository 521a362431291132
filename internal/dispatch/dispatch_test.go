package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mcprobe/controller/internal/probesession"
)

type fakeChannel struct {
	onWrite func(v any)
}

func (f *fakeChannel) WriteJSON(v any) error {
	if f.onWrite != nil {
		f.onWrite(v)
	}
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func newManager(t *testing.T) *probesession.Manager {
	t.Helper()
	store := probesession.NewCredentialStore(t.TempDir() + "/probes.json")
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	return probesession.NewManager(store)
}

func TestSendTaskRoundTrip(t *testing.T) {
	mgr := newManager(t)
	d := NewDispatcher(mgr)
	mgr.SetReplyHandler(d.Resolve)

	mgr.Register("probe-1", "us-east", &fakeChannel{
		onWrite: func(v any) {
			task, ok := v.(Task)
			if !ok {
				t.Fatalf("unexpected send type %T", v)
			}
			if task.Type != TaskKindPing {
				t.Fatalf("task type = %q, want %q", task.Type, TaskKindPing)
			}
			if task.Protocol != "java" {
				t.Fatalf("task protocol = %q, want %q", task.Protocol, "java")
			}
			go func() {
				sess, _ := mgr.Get("probe-1")
				reply, _ := json.Marshal(map[string]any{
					"id":      task.ID,
					"success": true,
					"data":    map[string]any{"online": true},
				})
				mgr.HandleFrame(sess, reply)
			}()
		},
	})

	res := d.SendTask(context.Background(), "probe-1", "java", "play.example.com", 25565)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestSendTaskUnknownProbe(t *testing.T) {
	mgr := newManager(t)
	d := NewDispatcher(mgr)

	res := d.SendTask(context.Background(), "ghost", "java", "x", 1)
	if res.Success || res.Error != "Probe ghost not found" {
		t.Fatalf("expected not-found result, got %+v", res)
	}
}

func TestSendTaskTimeout(t *testing.T) {
	mgr := newManager(t)
	d := NewDispatcher(mgr)
	mgr.Register("probe-1", "us-east", &fakeChannel{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := d.SendTask(ctx, "probe-1", "java", "x", 1)
	if res.Success || res.Error != "Task timeout" {
		t.Fatalf("expected timeout result, got %+v", res)
	}
}

func TestBroadcastTaskEmptySet(t *testing.T) {
	mgr := newManager(t)
	d := NewDispatcher(mgr)

	results := d.BroadcastTask(context.Background(), "java", "x", 1)
	if len(results) != 0 {
		t.Fatalf("expected empty result map, got %+v", results)
	}
}

func TestBroadcastTaskIndependentOutcomes(t *testing.T) {
	mgr := newManager(t)
	d := NewDispatcher(mgr)
	mgr.SetReplyHandler(d.Resolve)

	mgr.Register("good", "us-east", &fakeChannel{
		onWrite: func(v any) {
			task := v.(Task)
			if task.Type != TaskKindPing {
				t.Fatalf("task type = %q, want %q", task.Type, TaskKindPing)
			}
			go func() {
				sess, _ := mgr.Get("good")
				reply, _ := json.Marshal(map[string]any{"id": task.ID, "success": true})
				mgr.HandleFrame(sess, reply)
			}()
		},
	})
	mgr.Register("silent", "us-east", &fakeChannel{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results := d.BroadcastTask(ctx, "bedrock", "x", 1)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results["good"].Success {
		t.Fatalf("expected good probe success, got %+v", results["good"])
	}
	if results["silent"].Success {
		t.Fatal("expected silent probe to fail/timeout")
	}
}
