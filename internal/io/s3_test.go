package io

import "testing"

func TestChunkKeyRoundTrip(t *testing.T) {
	key := chunkKey("session-1", 42)
	if key != "chunks/session-1/chunk_42" {
		t.Fatalf("unexpected chunk key %s", key)
	}

	index, err := parseChunkIndex(key)
	if err != nil {
		t.Fatalf("parseChunkIndex(key). %+v", err)
	}
	if index != 42 {
		t.Fatalf("expected index 42, got %d", index)
	}
}

func TestParseChunkIndexRejectsStray(t *testing.T) {
	_, err := parseChunkIndex("chunks/session-1/notachunk")
	if err == nil {
		t.Fatalf("stray key should not parse")
	}

	_, err = parseChunkIndex("chunks/session-1/chunk_xyz")
	if err == nil {
		t.Fatalf("non numeric index should not parse")
	}
}
