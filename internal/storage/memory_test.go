package storage

import (
	"context"
	"testing"
)

func TestMemoryStoreRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	if err := st.Set(ctx, "template:a", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Set(ctx, "template:b", []byte("two")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Set(ctx, "wakeup:a", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := st.Get(ctx, "template:a")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(v) != "one" {
		t.Fatalf("Get = %q, want %q", v, "one")
	}

	all, err := st.List(ctx, "template:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d keys, want 2", len(all))
	}

	if err := st.Remove(ctx, "template:a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "template:a"); ok {
		t.Fatal("key still present after Remove")
	}

	// Remove is a no-op for absent keys.
	if err := st.Remove(ctx, "template:missing"); err != nil {
		t.Fatalf("Remove absent: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := st.Get(ctx, "template:b"); err != ErrClosed {
		t.Fatalf("Get after Close = %v, want ErrClosed", err)
	}
}
