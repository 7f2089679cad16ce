package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMap_KeysAreCaseInsensitive(t *testing.T) {
	m := NewMutexMap()

	m.Lock("Build-Linux")
	acquired := make(chan struct{})
	go func() {
		m.Lock("build-linux")
		close(acquired)
		m.Unlock("BUILD-LINUX")
	}()

	select {
	case <-acquired:
		t.Fatal("differently cased key acquired a held mutex")
	case <-time.After(20 * time.Millisecond):
	}
	m.Unlock("Build-Linux")
	<-acquired
}

func TestMutexMap_DistinctKeysDoNotBlock(t *testing.T) {
	m := NewMutexMap()
	m.Lock("build")
	defer m.Unlock("build")

	done := make(chan struct{})
	go func() {
		m.Lock("deploy")
		m.Unlock("deploy")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deploy blocked behind build")
	}
}

func TestMutexMap_WithSerializesAndReturnsError(t *testing.T) {
	m := NewMutexMap()
	inside, max := 0, 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With("build", func() error {
				mu.Lock()
				inside++
				if inside > max {
					max = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, max)

	want := errors.New("stage missing")
	assert.ErrorIs(t, m.With("build", func() error { return want }), want)
}

func TestMutexMap_IdleKeysAreDropped(t *testing.T) {
	m := NewMutexMap()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.With(k, func() error { return nil }))
	}
	assert.Zero(t, m.Len())

	m.Lock("a")
	assert.Equal(t, 1, m.Len())
	m.Unlock("a")
	assert.Zero(t, m.Len())
}

func TestMutexMap_UnlockOfUnknownKeyPanics(t *testing.T) {
	assert.Panics(t, func() { NewMutexMap().Unlock("nothing") })
}

func TestFileLock_RecordsPidAndRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "daemon.lock")

	first := NewFileLock(path)
	require.NoError(t, first.TryLock())
	defer first.Unlock()
	require.NoError(t, first.TryLock(), "relocking a held lock is a no-op")

	pid, ok := ReadHolder(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	err := NewFileLock(path).TryLock()
	assert.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid")
}

func TestFileLock_UnlockRemovesFileAndAllowsRelock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first := NewFileLock(path)
	require.NoError(t, first.TryLock())
	require.NoError(t, first.Unlock())
	assert.NoFileExists(t, path)
	require.NoError(t, first.Unlock())

	second := NewFileLock(path)
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	_, ok := ReadHolder(filepath.Join(dir, "missing"))
	assert.False(t, ok)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pid\n"), 0600))
	_, ok = ReadHolder(garbage)
	assert.False(t, ok)
}
