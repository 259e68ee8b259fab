package event

import "testing"

func TestMergeOrCombinesMaskForSameKey(t *testing.T) {
	s := NewStore()
	key := Key{Inode: 1, PageIndex: 2}

	s.Merge(key, Added, "fsA")
	s.Merge(key, Modified, "fsA")

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (same key should merge, not duplicate)", s.Len())
	}

	items := s.Fetch(1)
	if len(items) != 1 {
		t.Fatalf("Fetch(1) returned %d items, want 1", len(items))
	}
	if items[0].Mask != AddedModified {
		t.Errorf("Mask = %v, want AddedModified", items[0].Mask)
	}
}

func TestFetchRemovesItemsInInsertionOrder(t *testing.T) {
	s := NewStore()
	s.Merge(Key{Inode: 1, PageIndex: 0}, Added, "")
	s.Merge(Key{Inode: 2, PageIndex: 0}, Added, "")
	s.Merge(Key{Inode: 3, PageIndex: 0}, Added, "")

	first := s.Fetch(2)
	if len(first) != 2 || first[0].Inode != 1 || first[1].Inode != 2 {
		t.Fatalf("unexpected fetch order: %+v", first)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after fetching 2 of 3", s.Len())
	}

	rest := s.Fetch(10)
	if len(rest) != 1 || rest[0].Inode != 3 {
		t.Fatalf("unexpected remainder: %+v", rest)
	}
}

func TestFetchOnEmptyStoreReturnsNil(t *testing.T) {
	s := NewStore()
	if items := s.Fetch(5); items != nil {
		t.Errorf("Fetch on empty store = %v, want nil", items)
	}
}

func TestFetchCapsAtAvailableLength(t *testing.T) {
	s := NewStore()
	s.Merge(Key{Inode: 1}, Added, "")

	items := s.Fetch(100)
	if len(items) != 1 {
		t.Fatalf("Fetch(100) = %d items, want 1", len(items))
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after draining", s.Len())
	}
}
