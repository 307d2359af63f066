package cache

import "testing"

func TestPutGetRemove(t *testing.T) {
	c := New[[]byte]("pfx/", BytesDecoder)
	c.Put("pfx/a", []byte("1"))
	v, ok := c.Get("pfx/a")
	if !ok || string(v) != "1" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	c.Remove("pfx/a")
	if _, ok := c.Get("pfx/a"); ok {
		t.Fatal("expected entry removed")
	}
}

func TestTrailingKeyStrip(t *testing.T) {
	c := New[[]byte]("pfx/", BytesDecoder)
	c.Put("pfx/sub/a", []byte("1"))
	snap := c.Snapshot()
	if _, ok := snap["sub/a"]; !ok {
		t.Fatalf("expected trailing-key-only entry, got %+v", snap)
	}
}

func TestDecodeErrorSkipsEntrySilently(t *testing.T) {
	var gotErr error
	decode := func(key string, raw []byte) (int, error) {
		return 0, errBadDecode
	}
	c := New[int]("pfx/", decode, func(key string, err error) { gotErr = err })
	c.Put("pfx/a", []byte("x"))
	if _, ok := c.Get("pfx/a"); ok {
		t.Fatal("expected decode failure to leave entry absent")
	}
	if gotErr == nil {
		t.Fatal("expected onError to be invoked")
	}
}

func TestHandleWatchAppliesDiff(t *testing.T) {
	c := New[[]byte]("pfx/", BytesDecoder)
	c.Put("pfx/stale", []byte("old"))

	c.HandleWatch(
		map[string][]byte{"pfx/stale": []byte("old")},
		map[string][]byte{"pfx/fresh": []byte("new")},
	)

	if _, ok := c.Get("pfx/stale"); ok {
		t.Fatal("expected key absent from next snapshot to be removed")
	}
	v, ok := c.Get("pfx/fresh")
	if !ok || string(v) != "new" {
		t.Fatalf("expected fresh key applied, got %q, %v", v, ok)
	}
}

func TestHandleWatchToleratesOutOfOrderDelivery(t *testing.T) {
	c := New[[]byte]("pfx/", BytesDecoder)
	// Deliveries are applied in arrival order, last write wins: a later
	// delivery carrying an older value replaces the newer one already cached.
	c.HandleWatch(nil, map[string][]byte{"pfx/a": []byte("v2")})
	c.HandleWatch(map[string][]byte{"pfx/a": []byte("v1")}, map[string][]byte{"pfx/a": []byte("v1")})
	v, ok := c.Get("pfx/a")
	if !ok || string(v) != "v1" {
		t.Fatalf("last write should win, got %q, %v", v, ok)
	}
}

type errType struct{}

func (errType) Error() string { return "bad decode" }

var errBadDecode = errType{}
