package main

import (
	"encoding/binary"

	"github.com/intellect4all/duetscrub/checksum"
	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/fsiface/fake"
)

// scenario builds a fake filesystem and the chunk list to scrub, one
// per named demo case — the same role the teacher's cmd/demo plays
// against throwaway os.File-backed engines, but here against
// fsiface/fake since a real copy-on-write filesystem is out of scope.
type scenario struct {
	name        string
	description string
	build       func() (*fake.FS, []uint64)
}

const demoDeviceSize = 1 << 20 // 1MiB fake device

var scenarios = []scenario{
	{
		name:        "clean",
		description: "a clean data and metadata extent, nothing to repair",
		build: func() (*fake.FS, []uint64) {
			fs := fake.New(1, nil, demoDeviceSize)
			fs.AddExtent(0, common.PageSize, false, 0xAB)
			fs.AddMetadataExtent(common.PageSize, 4*common.PageSize, 7)
			return fs, []uint64{0}
		},
	},
	{
		name:        "correctable",
		description: "a corrupted data page with a good mirror to repair from",
		build: func() (*fake.FS, []uint64) {
			fs := fake.New(1, []common.DeviceID{2}, demoDeviceSize)
			fs.AddExtent(0, common.PageSize, false, 0xAB)
			fs.CorruptPage(1, 0)
			return fs, []uint64{0}
		},
	},
	{
		name:        "uncorrectable",
		description: "a corrupted data page with no surviving mirror",
		build: func() (*fake.FS, []uint64) {
			fs := fake.New(1, nil, demoDeviceSize)
			fs.AddExtent(0, common.PageSize, false, 0xAB)
			fs.CorruptPage(1, 0)
			return fs, []uint64{0}
		},
	},
	{
		name:        "read-error",
		description: "a transient read failure on the primary device, recovered from a mirror",
		build: func() (*fake.FS, []uint64) {
			fs := fake.New(1, []common.DeviceID{2}, demoDeviceSize)
			fs.AddExtent(0, common.PageSize, false, 0xAB)
			fs.InjectReadError(1, 0)
			return fs, []uint64{0}
		},
	},
}

func findScenario(name string) (scenario, bool) {
	for _, s := range scenarios {
		if s.name == name {
			return s, true
		}
	}
	return scenario{}, false
}

// readHeader decodes the header fsiface/fake.FS.AddMetadataExtent
// writes into each metadata page.
func readHeader(data []byte) (checksum.Header, bool) {
	if len(data) < 16 {
		return checksum.Header{}, false
	}
	return checksum.Header{
		Bytenr:     binary.LittleEndian.Uint64(data[0:8]),
		Generation: binary.LittleEndian.Uint64(data[8:16]),
	}, true
}
