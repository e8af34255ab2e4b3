package flushmanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

func TestDiskManager_WriteReadRoundTrip(t *testing.T) {
	dm, err := NewDiskManager(filepath.Join(t.TempDir(), "x.db"), 512)
	require.NoError(t, err)
	defer dm.Close()

	out := bytes.Repeat([]byte{0xAB}, 512)
	require.NoError(t, dm.WritePage(3, out))
	require.EqualValues(t, 4, dm.NumPages())

	in := make([]byte, 512)
	require.NoError(t, dm.ReadPage(3, in))
	require.Equal(t, out, in)
}

func TestDiskManager_ReadPastEOFZeroFills(t *testing.T) {
	dm, err := NewDiskManager(filepath.Join(t.TempDir(), "x.db"), 512)
	require.NoError(t, err)
	defer dm.Close()

	in := bytes.Repeat([]byte{0xFF}, 512)
	require.NoError(t, dm.ReadPage(pagemanager.PageID(10), in))
	require.Equal(t, make([]byte, 512), in)
}

func TestDiskManager_RejectsWrongBufferSize(t *testing.T) {
	dm, err := NewDiskManager(filepath.Join(t.TempDir(), "x.db"), 512)
	require.NoError(t, err)
	defer dm.Close()

	require.Error(t, dm.ReadPage(0, make([]byte, 100)))
	require.Error(t, dm.WritePage(0, make([]byte, 100)))
}

func TestDiskManager_NumPagesSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.db")
	dm, err := NewDiskManager(path, 512)
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(5, make([]byte, 512)))
	require.NoError(t, dm.Close())

	dm2, err := NewDiskManager(path, 512)
	require.NoError(t, err)
	defer dm2.Close()
	require.EqualValues(t, 6, dm2.NumPages())
}
