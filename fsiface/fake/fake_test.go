package fake

import (
	"context"
	"testing"

	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/fsiface"
)

func setupFS(t *testing.T) *FS {
	t.Helper()
	fs := New(1, []common.DeviceID{2}, 1<<20)
	fs.AddExtent(0, 8192, false, 0xAB)
	return fs
}

func TestReadPageReturnsWrittenData(t *testing.T) {
	fs := setupFS(t)

	data, err := fs.ReadPage(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	for i, b := range data {
		if b != 0xAB {
			t.Fatalf("byte %d = %x, want 0xAB", i, b)
		}
	}
}

func TestMirrorsReceiveIdenticalData(t *testing.T) {
	fs := setupFS(t)

	primary, _ := fs.ReadPage(context.Background(), 1, common.PageSize, 0)
	mirror, _ := fs.ReadPage(context.Background(), 2, common.PageSize, 1)

	if string(primary) != string(mirror) {
		t.Fatalf("mirror data diverged from primary")
	}
}

func TestCorruptPageChangesDataButNotChecksum(t *testing.T) {
	fs := setupFS(t)

	before, _ := fs.LookupCsumsRange(context.Background(), 0, common.PageSize)
	fs.CorruptPage(1, 0)
	after, _ := fs.LookupCsumsRange(context.Background(), 0, common.PageSize)

	if len(before) != 1 || len(after) != 1 || before[0].CRC32 != after[0].CRC32 {
		t.Fatalf("expected the stored checksum to survive corruption unchanged")
	}

	data, _ := fs.ReadPage(context.Background(), 1, 0, 0)
	if data[0] == 0xAB {
		t.Fatalf("expected CorruptPage to flip the stored bytes")
	}
}

func TestInjectReadErrorFailsOnlyTargetedLocation(t *testing.T) {
	fs := setupFS(t)
	fs.InjectReadError(2, common.PageSize)

	if _, err := fs.ReadPage(context.Background(), 2, common.PageSize, 1); err == nil {
		t.Fatalf("expected injected read error")
	}
	if _, err := fs.ReadPage(context.Background(), 1, common.PageSize, 0); err != nil {
		t.Fatalf("primary device should be unaffected: %v", err)
	}
}

func TestWritePageClearsFaultInjection(t *testing.T) {
	fs := setupFS(t)
	fs.InjectReadError(1, 0)
	fs.CorruptPage(1, 0)

	if err := fs.WritePage(context.Background(), 1, 0, make([]byte, common.PageSize)); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}
	if _, err := fs.ReadPage(context.Background(), 1, 0, 0); err != nil {
		t.Fatalf("expected read error to be cleared by WritePage: %v", err)
	}
}

func TestMapBlockHonorsMirrorFlag(t *testing.T) {
	fs := setupFS(t)

	regular, _ := fs.MapBlock(context.Background(), 0, fsiface.MapReadRegular)
	if len(regular) != 1 {
		t.Fatalf("MapReadRegular should return exactly the primary location, got %d", len(regular))
	}

	withMirrors, _ := fs.MapBlock(context.Background(), 0, fsiface.MapGetReadMirrors)
	if len(withMirrors) != 2 {
		t.Fatalf("MapGetReadMirrors should include the mirror device, got %d", len(withMirrors))
	}
}

func TestResolveInodePageRoundTrips(t *testing.T) {
	fs := setupFS(t)
	fs.MapInodePage(42, 3, 4096)

	logical, ok, err := fs.ResolveInodePage(context.Background(), 42, 3)
	if err != nil || !ok || logical != 4096 {
		t.Fatalf("ResolveInodePage = (%d, %v, %v), want (4096, true, nil)", logical, ok, err)
	}

	if _, ok, _ := fs.ResolveInodePage(context.Background(), 99, 0); ok {
		t.Fatalf("expected no mapping for an unregistered inode page")
	}
}

func TestSearchExtentItemFindsFirstAtOrAfter(t *testing.T) {
	fs := setupFS(t)
	fs.AddExtent(16384, 4096, true, 0xCD)

	item, ok, err := fs.SearchExtentItem(context.Background(), fsiface.ExtentKey{Objectid: 10000})
	if err != nil || !ok {
		t.Fatalf("SearchExtentItem failed: ok=%v err=%v", ok, err)
	}
	if item.Logical != 16384 || !item.IsMetadata {
		t.Fatalf("unexpected extent returned: %+v", item)
	}
}
