package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_SetGetMerge(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.Set(ctx, "rooms/r1", Document{"name": "Room One", "usernames": []string{"alice"}}, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// Merge keeps untouched siblings.
	if err := st.Set(ctx, "rooms/r1", Document{"voiceCall": map[string]any{"active": true}}, true); err != nil {
		t.Fatalf("merge set failed: %v", err)
	}

	doc, ok, err := st.Get(ctx, "rooms/r1")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if doc["name"] != "Room One" {
		t.Errorf("merge lost sibling field, got %v", doc["name"])
	}
	if doc["voiceCall"] == nil {
		t.Error("merged field missing")
	}

	// Non-merge replaces wholesale.
	if err := st.Set(ctx, "rooms/r1", Document{"only": "this"}, false); err != nil {
		t.Fatalf("replace set failed: %v", err)
	}
	doc, _, _ = st.Get(ctx, "rooms/r1")
	if _, exists := doc["name"]; exists {
		t.Error("replace kept old field")
	}
}

func TestMemoryStore_DeleteField(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.Set(ctx, "rooms/r1", Document{"name": "x", "voiceCall": map[string]any{"active": true}}, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := st.Set(ctx, "rooms/r1", Document{"voiceCall": DeleteField}, true); err != nil {
		t.Fatalf("delete-field set failed: %v", err)
	}

	doc, ok, _ := st.Get(ctx, "rooms/r1")
	if !ok {
		t.Fatal("document should survive a field delete")
	}
	if _, exists := doc["voiceCall"]; exists {
		t.Error("field not deleted")
	}
	if doc["name"] != "x" {
		t.Error("sibling field disturbed")
	}
}

func TestMemoryStore_Subscribe(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	got := make(chan Document, 4)
	unsub, err := st.Subscribe("rooms/r1", func(doc Document) { got <- doc })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	if err := st.Set(ctx, "rooms/r1", Document{"n": "1"}, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	select {
	case doc := <-got:
		if doc["n"] != "1" {
			t.Errorf("unexpected doc: %v", doc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	if err := st.Delete(ctx, "rooms/r1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	select {
	case doc := <-got:
		if doc != nil {
			t.Errorf("expected nil doc on delete, got %v", doc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delete notification")
	}
}

func TestMemoryStore_QuerySubscribeAddedOnly(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	path := "rooms/r1/voiceSignaling"

	// Entry present before the subscription opens must not be replayed.
	if err := st.Append(ctx, path, "old", Document{"to": "bob", "timestamp": int64(1)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got := make(chan Change, 8)
	unsub, err := st.QuerySubscribe(path, "to", "bob", 50, func(changes []Change) {
		for _, c := range changes {
			got <- c
		}
	})
	if err != nil {
		t.Fatalf("query subscribe failed: %v", err)
	}
	defer unsub()

	// Not addressed to bob: filtered out.
	if err := st.Append(ctx, path, "foreign", Document{"to": "carol", "timestamp": int64(2)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	// Addressed to bob: delivered as added.
	if err := st.Append(ctx, path, "new", Document{"to": "bob", "timestamp": int64(3)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case c := <-got:
		if c.ID != "new" || c.Kind != ChangeAdded {
			t.Errorf("unexpected change %s/%s", c.ID, c.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	// Rewriting the pre-existing entry surfaces as modified, never added.
	if err := st.Append(ctx, path, "old", Document{"to": "bob", "timestamp": int64(4)}); err != nil {
		t.Fatalf("re-append failed: %v", err)
	}
	select {
	case c := <-got:
		if c.ID != "old" || c.Kind != ChangeModified {
			t.Errorf("unexpected change %s/%s", c.ID, c.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no modified change delivered")
	}

	select {
	case c := <-got:
		t.Errorf("unexpected extra change: %s/%s", c.ID, c.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryStore_QuerySubscribeWindow(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	path := "rooms/r1/voiceSignaling"

	got := make(chan Change, 8)
	unsub, err := st.QuerySubscribe(path, "to", "bob", 2, func(changes []Change) {
		for _, c := range changes {
			got <- c
		}
	})
	if err != nil {
		t.Fatalf("query subscribe failed: %v", err)
	}
	defer unsub()

	for i, id := range []string{"m10", "m11"} {
		if err := st.Append(ctx, path, id, Document{"to": "bob", "timestamp": int64(10 + i)}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("in-window change not delivered")
		}
	}

	// A stale entry behind a full window of newer matches is out of scope.
	if err := st.Append(ctx, path, "stale", Document{"to": "bob", "timestamp": int64(1)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	select {
	case c := <-got:
		t.Errorf("out-of-window change delivered: %s/%s", c.ID, c.Kind)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		Name  string   `json:"name"`
		Count int64    `json:"count"`
		Tags  []string `json:"tags"`
	}

	in := payload{Name: "x", Count: 42, Tags: []string{"a", "b"}}
	doc, err := Encode(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out payload
	if err := Decode(doc, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != 2 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
