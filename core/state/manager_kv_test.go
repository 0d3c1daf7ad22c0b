package state

import (
	"bytes"
	"testing"
)

func TestKVPutGet(t *testing.T) {
	mgr := newTestManager(t)

	type record struct {
		Name  string
		Count uint64
	}
	if err := mgr.KVPut([]byte("test/record"), &record{Name: "alpha", Count: 3}); err != nil {
		t.Fatalf("kv put: %v", err)
	}

	var got record
	ok, err := mgr.KVGet([]byte("test/record"), &got)
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if got.Name != "alpha" || got.Count != 3 {
		t.Fatalf("unexpected record: %+v", got)
	}

	ok, err = mgr.KVGet([]byte("test/missing"), &got)
	if err != nil {
		t.Fatalf("kv get missing: %v", err)
	}
	if ok {
		t.Fatalf("missing key reported present")
	}

	if err := mgr.KVPut(nil, &record{}); err == nil {
		t.Fatalf("empty key should fail")
	}
}

func TestKVAppendDeduplicates(t *testing.T) {
	mgr := newTestManager(t)
	key := []byte("test/index")

	for _, value := range [][]byte{{0x01}, {0x02}, {0x01}} {
		if err := mgr.KVAppend(key, value); err != nil {
			t.Fatalf("kv append: %v", err)
		}
	}

	var list [][]byte
	if err := mgr.KVGetList(key, &list); err != nil {
		t.Fatalf("kv get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected deduplicated list, got %d entries", len(list))
	}
	if !bytes.Equal(list[0], []byte{0x01}) || !bytes.Equal(list[1], []byte{0x02}) {
		t.Fatalf("unexpected list contents: %v", list)
	}
}

func TestKVGetListEmpty(t *testing.T) {
	mgr := newTestManager(t)

	var list [][]byte
	if err := mgr.KVGetList([]byte("test/none"), &list); err != nil {
		t.Fatalf("kv get list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty initialised slice, got %v", list)
	}
}
