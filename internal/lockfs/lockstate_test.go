package lockfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLock(t *testing.T) *SharedLock {
	t.Helper()
	lock, err := OpenSharedLock(filepath.Join(t.TempDir(), "test.db-lock"))
	require.NoError(t, err)
	t.Cleanup(func() { lock.Close() })
	return lock
}

func TestLockState_SingleSharedReader(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)

	require.Equal(t, LockNone, a.Level())
	require.NoError(t, a.Lock(LockShared))
	require.Equal(t, LockShared, a.Level())

	a.Unlock(LockNone)
	require.Equal(t, LockNone, a.Level())
}

func TestLockState_ManySharedReaders(t *testing.T) {
	lock := openTestLock(t)

	readers := make([]*LockState, 8)
	for i := range readers {
		readers[i] = NewLockState(lock)
		require.NoError(t, readers[i].Lock(LockShared))
	}
	for _, r := range readers {
		r.Unlock(LockNone)
		require.Equal(t, LockNone, r.Level())
	}
}

func TestLockState_ReacquireIsNoOp(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)
	b := NewLockState(lock)

	require.NoError(t, a.Lock(LockShared))
	require.NoError(t, a.Lock(LockShared))
	require.Equal(t, LockShared, a.Level())

	// A single re-acquire must not have double-counted: one unlock frees
	// the word for a writer.
	a.Unlock(LockNone)
	require.NoError(t, b.Lock(LockExclusive))
}

func TestLockState_LowerLevelRequestIsNoOp(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)

	require.NoError(t, a.Lock(LockReserved))
	require.NoError(t, a.Lock(LockShared))
	require.Equal(t, LockReserved, a.Level())
}

func TestLockState_SingleReservedHolder(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)
	b := NewLockState(lock)

	require.NoError(t, a.Lock(LockReserved))
	require.ErrorIs(t, b.Lock(LockReserved), ErrBusy)
	require.Equal(t, LockNone, b.Level())

	a.Unlock(LockNone)
	require.NoError(t, b.Lock(LockReserved))
}

func TestLockState_ReservedAdmitsNewReaders(t *testing.T) {
	lock := openTestLock(t)
	writer := NewLockState(lock)
	reader := NewLockState(lock)

	require.NoError(t, writer.Lock(LockReserved))
	require.NoError(t, reader.Lock(LockShared))
}

func TestLockState_PendingBlocksNewReaders(t *testing.T) {
	lock := openTestLock(t)
	writer := NewLockState(lock)
	early := NewLockState(lock)
	late := NewLockState(lock)

	require.NoError(t, early.Lock(LockShared))
	require.NoError(t, writer.Lock(LockReserved))

	// Early reader keeps the writer out of exclusive; the attempt parks
	// the writer at pending.
	require.ErrorIs(t, writer.Lock(LockExclusive), ErrBusy)
	require.Equal(t, LockPending, writer.Level())

	// Pending shuts the door on new readers.
	require.ErrorIs(t, late.Lock(LockShared), ErrBusy)

	// Once the last reader drains, the retry succeeds from pending.
	early.Unlock(LockNone)
	require.NoError(t, writer.Lock(LockExclusive))
	require.Equal(t, LockExclusive, writer.Level())
}

func TestLockState_ExclusiveWithoutContention(t *testing.T) {
	lock := openTestLock(t)
	writer := NewLockState(lock)
	reader := NewLockState(lock)

	require.NoError(t, writer.Lock(LockExclusive))
	require.ErrorIs(t, reader.Lock(LockShared), ErrBusy)

	// Dropping to shared clears pending and reserved; readers return.
	writer.Unlock(LockShared)
	require.Equal(t, LockShared, writer.Level())
	require.NoError(t, reader.Lock(LockShared))
}

func TestLockState_SharedToExclusiveSkipsReserved(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)
	b := NewLockState(lock)

	require.NoError(t, a.Lock(LockShared))
	require.NoError(t, a.Lock(LockExclusive))
	require.Equal(t, LockExclusive, a.Level())

	a.Unlock(LockNone)

	// Reserved was never taken along the way, so it must not be left set.
	require.NoError(t, b.Lock(LockReserved))
}

func TestLockState_UnlockAlwaysSucceeds(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)

	a.Unlock(LockNone)
	require.Equal(t, LockNone, a.Level())

	require.NoError(t, a.Lock(LockExclusive))
	a.Unlock(LockNone)
	a.Unlock(LockNone)
	require.Equal(t, LockNone, a.Level())
}

func TestLockState_VisibleAcrossMappings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db-lock")

	first, err := OpenSharedLock(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenSharedLock(path)
	require.NoError(t, err)
	defer second.Close()

	writer := NewLockState(first)
	reader := NewLockState(second)

	require.NoError(t, writer.Lock(LockExclusive))
	require.ErrorIs(t, reader.Lock(LockShared), ErrBusy)

	writer.Unlock(LockNone)
	require.NoError(t, reader.Lock(LockShared))
}

func TestLockState_AbandonFailsAllFutureLocks(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)
	b := NewLockState(lock)

	require.NoError(t, a.Lock(LockShared))
	lock.Abandon()
	require.True(t, lock.Abandoned())

	require.ErrorIs(t, a.Lock(LockReserved), ErrAbandoned)
	require.ErrorIs(t, b.Lock(LockShared), ErrAbandoned)

	// Abandonment is one-way; nothing revives the word.
	a.Unlock(LockNone)
	require.ErrorIs(t, a.Lock(LockShared), ErrAbandoned)
}

func TestLockState_UnlockAfterAbandonSucceeds(t *testing.T) {
	lock := openTestLock(t)
	a := NewLockState(lock)

	require.NoError(t, a.Lock(LockExclusive))
	lock.Abandon()

	a.Unlock(LockNone)
	require.Equal(t, LockNone, a.Level())
}

func TestLockState_AbandonVisibleAcrossMappings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db-lock")

	first, err := OpenSharedLock(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenSharedLock(path)
	require.NoError(t, err)
	defer second.Close()

	first.Abandon()
	require.True(t, second.Abandoned())
	require.ErrorIs(t, NewLockState(second).Lock(LockShared), ErrAbandoned)
}

func TestLockLevel_String(t *testing.T) {
	require.Equal(t, "none", LockNone.String())
	require.Equal(t, "shared", LockShared.String())
	require.Equal(t, "reserved", LockReserved.String())
	require.Equal(t, "pending", LockPending.String())
	require.Equal(t, "exclusive", LockExclusive.String())
}
