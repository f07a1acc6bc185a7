package shmseg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTempShmDir(t *testing.T) {
	t.Helper()
	prev := shmDir
	shmDir = t.TempDir()
	t.Cleanup(func() { shmDir = prev })
}

func Test_CreateThenOpenAttachesToSameMapping(t *testing.T) {
	withTempShmDir(t)

	seg, err := Create("/pipe-test", 128)
	require.NoError(t, err)
	defer seg.Close()
	defer seg.Unlink()

	assert.True(t, seg.Created())
	assert.GreaterOrEqual(t, len(seg.Bytes()), 128)

	seg.Bytes()[0] = 0x42

	opened, err := Open("/pipe-test", 128)
	require.NoError(t, err)
	defer opened.Close()

	assert.False(t, opened.Created())
	assert.Equal(t, byte(0x42), opened.Bytes()[0])
}

func Test_OpenCreatesWhenMissing(t *testing.T) {
	withTempShmDir(t)

	seg, err := Open("/fresh", 64)
	require.NoError(t, err)
	defer seg.Close()
	defer seg.Unlink()

	assert.True(t, seg.Created())
}

func Test_OpenRejectsSizeMismatch(t *testing.T) {
	withTempShmDir(t)

	seg, err := Create("/sized", 4096)
	require.NoError(t, err)
	defer seg.Close()
	defer seg.Unlink()

	_, err = Open("/sized", 8192)
	assert.Error(t, err)
}

func Test_SegmentNameMustBeAbsolute(t *testing.T) {
	withTempShmDir(t)

	_, err := Create("relative", 64)
	assert.Error(t, err)
}

func Test_RoundUpPage(t *testing.T) {
	assert.Equal(t, 4096, roundUpPage(1))
	assert.Equal(t, 4096, roundUpPage(4096))
	assert.Equal(t, 8192, roundUpPage(4097))
}
