package driver_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskimage/fatfs/backend/mem"
	"github.com/diskimage/fatfs/driver"
	"github.com/diskimage/fatfs/fat"
)

func newTestDriver(t *testing.T) *driver.Driver {
	t.Helper()
	size := int64(8 << 20)
	fs, err := fat.Format(mem.New(size), size, fat.FormatSpec{Type: 32, SectorsPerCluster: 4})
	require.NoError(t, err)
	return driver.New(fs, nil)
}

func TestLookupAndGetattr(t *testing.T) {
	d := newTestDriver(t)

	_, err := d.Lookup(driver.RootID, "missing.txt")
	assert.ErrorIs(t, err, fat.ErrNotFound)

	created, err := d.Create(driver.RootID, "hello.txt")
	require.NoError(t, err)

	found, err := d.Lookup(driver.RootID, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.False(t, found.IsDir)

	attr, err := d.Getattr(found.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), attr.Size)
}

func TestReadWrite(t *testing.T) {
	d := newTestDriver(t)
	created, err := d.Create(driver.RootID, "data.bin")
	require.NoError(t, err)

	fh, err := d.Open(created.ID, true)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x5a}, 5000)
	n, err := d.Write(fh, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, 5000, n)

	got, err := d.Read(fh, 0, 6000)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// window in the middle
	got, err = d.Read(fh, 2000, 100)
	require.NoError(t, err)
	assert.Equal(t, payload[2000:2100], got)

	require.NoError(t, d.Release(fh))
	_, err = d.Read(fh, 0, 10)
	assert.ErrorIs(t, err, fat.ErrStale)
}

func TestMkdirTree(t *testing.T) {
	d := newTestDriver(t)
	a, err := d.Mkdir(driver.RootID, "a")
	require.NoError(t, err)
	assert.True(t, a.IsDir)

	b, err := d.Mkdir(a.ID, "b")
	require.NoError(t, err)

	_, err = d.Create(b.ID, "deep.txt")
	require.NoError(t, err)

	entries, err := d.Readdir(a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name)
	assert.True(t, entries[0].IsDir)

	// rmdir refuses a non-empty directory
	err = d.Rmdir(driver.RootID, "a")
	assert.ErrorIs(t, err, fat.ErrNotEmpty)

	require.NoError(t, d.Unlink(b.ID, "deep.txt"))
	require.NoError(t, d.Rmdir(a.ID, "b"))
	require.NoError(t, d.Rmdir(driver.RootID, "a"))
}

func TestUnlinkTypeChecks(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Create(driver.RootID, "f.txt")
	require.NoError(t, err)
	_, err = d.Mkdir(driver.RootID, "d")
	require.NoError(t, err)

	assert.ErrorIs(t, d.Unlink(driver.RootID, "d"), fat.ErrIsDir)
	assert.ErrorIs(t, d.Rmdir(driver.RootID, "f.txt"), fat.ErrNotDir)
}

func TestStaleAfterUnlink(t *testing.T) {
	d := newTestDriver(t)
	created, err := d.Create(driver.RootID, "gone.txt")
	require.NoError(t, err)

	require.NoError(t, d.Unlink(driver.RootID, "gone.txt"))
	_, err = d.Getattr(created.ID)
	assert.ErrorIs(t, err, fat.ErrStale)
}

func TestStaleAfterSlotReuse(t *testing.T) {
	d := newTestDriver(t)
	first, err := d.Create(driver.RootID, "first.txt")
	require.NoError(t, err)
	firstID := first.ID

	require.NoError(t, d.Unlink(driver.RootID, "first.txt"))
	// a new entry lands in the freed slot
	_, err = d.Create(driver.RootID, "other.txt")
	require.NoError(t, err)

	_, err = d.Getattr(firstID)
	assert.ErrorIs(t, err, fat.ErrStale)
}

func TestRename(t *testing.T) {
	d := newTestDriver(t)
	src, err := d.Mkdir(driver.RootID, "src")
	require.NoError(t, err)
	dst, err := d.Mkdir(driver.RootID, "dst")
	require.NoError(t, err)

	created, err := d.Create(src.ID, "file.txt")
	require.NoError(t, err)
	fh, err := d.Open(created.ID, true)
	require.NoError(t, err)
	_, err = d.Write(fh, 0, []byte("contents"))
	require.NoError(t, err)
	require.NoError(t, d.Release(fh))

	require.NoError(t, d.Rename(src.ID, "file.txt", dst.ID, "renamed.txt"))

	_, err = d.Lookup(src.ID, "file.txt")
	assert.ErrorIs(t, err, fat.ErrNotFound)
	moved, err := d.Lookup(dst.ID, "renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(8), moved.Size)

	// a directory cannot move into its own subtree
	err = d.Rename(driver.RootID, "src", dst.ID, "src")
	require.NoError(t, err) // src is not an ancestor of dst
	err = d.Rename(driver.RootID, "dst", dst.ID, "loop")
	assert.ErrorIs(t, err, fat.ErrCyclicMove)
}

func TestSetattr(t *testing.T) {
	d := newTestDriver(t)
	created, err := d.Create(driver.RootID, "attrs.txt")
	require.NoError(t, err)
	fh, err := d.Open(created.ID, true)
	require.NoError(t, err)
	_, err = d.Write(fh, 0, bytes.Repeat([]byte{1}, 3000))
	require.NoError(t, err)
	require.NoError(t, d.Release(fh))

	size := int64(1000)
	attr, err := d.Setattr(created.ID, driver.SetattrRequest{Size: &size})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), attr.Size)

	ro := true
	attr, err = d.Setattr(created.ID, driver.SetattrRequest{ReadOnly: &ro})
	require.NoError(t, err)
	assert.True(t, attr.ReadOnly)

	mtime := time.Date(2022, 5, 4, 12, 0, 2, 0, time.Local)
	attr, err = d.Setattr(created.ID, driver.SetattrRequest{ModTime: &mtime})
	require.NoError(t, err)
	assert.True(t, attr.ModTime.Equal(mtime))
}

func TestStatfs(t *testing.T) {
	d := newTestDriver(t)
	before := d.Statfs()
	assert.Equal(t, int64(2048), before.BlockSize)

	created, err := d.Create(driver.RootID, "use.bin")
	require.NoError(t, err)
	fh, err := d.Open(created.ID, true)
	require.NoError(t, err)
	_, err = d.Write(fh, 0, make([]byte, 5000))
	require.NoError(t, err)
	require.NoError(t, d.Release(fh))

	after := d.Statfs()
	assert.Equal(t, before.FreeBlocks-3, after.FreeBlocks)
}

func TestForget(t *testing.T) {
	d := newTestDriver(t)
	created, err := d.Create(driver.RootID, "cached.txt")
	require.NoError(t, err)

	d.Forget(created.ID)
	_, err = d.Getattr(created.ID)
	assert.ErrorIs(t, err, fat.ErrStale)

	// a fresh lookup re-registers the entry
	again, err := d.Lookup(driver.RootID, "cached.txt")
	require.NoError(t, err)
	_, err = d.Getattr(again.ID)
	assert.NoError(t, err)
}

func TestStaleAfterSameNameReuse(t *testing.T) {
	d := newTestDriver(t)
	first, err := d.Create(driver.RootID, "note.txt")
	require.NoError(t, err)

	require.NoError(t, d.Unlink(driver.RootID, "note.txt"))
	second, err := d.Create(driver.RootID, "note.txt")
	require.NoError(t, err)

	// the replacement reuses the slot but must not revive the dead ID
	assert.NotEqual(t, first.ID, second.ID)
	_, err = d.Getattr(first.ID)
	assert.ErrorIs(t, err, fat.ErrStale)
}

func TestConcurrentGetattrOnStaleID(t *testing.T) {
	size := int64(8 << 20)
	fs, err := fat.Format(mem.New(size), size, fat.FormatSpec{Type: 32, SectorsPerCluster: 4})
	require.NoError(t, err)
	d := driver.New(fs, nil)

	created, err := d.Create(driver.RootID, "tmp.txt")
	require.NoError(t, err)

	// remove the entry behind the driver's back so the cached node goes
	// stale without being dropped
	de, err := fs.Lookup(fs.Root(), "tmp.txt")
	require.NoError(t, err)
	require.NoError(t, fs.Remove(fs.Root(), de))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Getattr(created.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, fat.ErrStale)
	}
}

func TestHandleFollowsRename(t *testing.T) {
	d := newTestDriver(t)
	created, err := d.Create(driver.RootID, "a.txt")
	require.NoError(t, err)

	// give the file clusters so its ID survives the rename
	fh, err := d.Open(created.ID, true)
	require.NoError(t, err)
	_, err = d.Write(fh, 0, []byte("first"))
	require.NoError(t, err)
	require.NoError(t, d.Release(fh))

	a, err := d.Lookup(driver.RootID, "a.txt")
	require.NoError(t, err)
	fh, err = d.Open(a.ID, true)
	require.NoError(t, err)

	// the rename vacates the original slot, the next create reoccupies it
	require.NoError(t, d.Rename(driver.RootID, "a.txt", driver.RootID, "b.txt"))
	c, err := d.Create(driver.RootID, "c.txt")
	require.NoError(t, err)

	_, err = d.Write(fh, 5, []byte(" second"))
	require.NoError(t, err)
	require.NoError(t, d.Release(fh))

	b, err := d.Lookup(driver.RootID, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(12), b.Size)

	got, err := d.Getattr(c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Size)
}

func TestStaleHandleAfterUnlink(t *testing.T) {
	d := newTestDriver(t)
	created, err := d.Create(driver.RootID, "doomed.txt")
	require.NoError(t, err)
	fh, err := d.Open(created.ID, true)
	require.NoError(t, err)
	_, err = d.Write(fh, 0, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, d.Unlink(driver.RootID, "doomed.txt"))

	// the slot may already belong to someone else; neither data nor the
	// size write-back may go through
	_, err = d.Write(fh, 0, []byte("late"))
	assert.ErrorIs(t, err, fat.ErrStale)
	_, err = d.Read(fh, 0, 4)
	assert.ErrorIs(t, err, fat.ErrStale)
}
