package scanner

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeExecutor) Execute(name string, uid, gid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, name)
}

func minuteName(t *testing.T, queue byte, serial uint32, when time.Time) string {
	t.Helper()
	minute := uint32(when.Unix() / 60)
	return string(queue) + hex5(serial) + hex8(minute)
}

func hex5(v uint32) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 5)
	for i := 4; i >= 0; i-- {
		b[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return string(b)
}

func hex8(v uint32) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return string(b)
}

func TestScanRunsPastImmediateJob(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	name := minuteName(t, 'a', 1, now.Add(-time.Hour))
	require.NoError(t, os.WriteFile(dir+"/"+name, []byte("x"), 0700))

	exec := &fakeExecutor{}
	s := New(dir, 10*time.Second, exec, nil)
	res, err := s.Scan(now)
	require.NoError(t, err)
	require.Equal(t, []string{name}, exec.ran)
	require.False(t, res.HasBatch)
}

func TestScanSkipsUnfinalizedFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	name := minuteName(t, 'a', 1, now.Add(-time.Hour))
	require.NoError(t, os.WriteFile(dir+"/"+name, []byte("x"), 0600)) // no execute bit

	exec := &fakeExecutor{}
	s := New(dir, 10*time.Second, exec, nil)
	res, err := s.Scan(now)
	require.NoError(t, err)
	require.Empty(t, exec.ran)
	require.True(t, res.AnyPending)
}

func TestScanFutureJobSetsNextWake(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	scheduled := now.Add(time.Hour)
	name := minuteName(t, 'a', 1, scheduled)
	require.NoError(t, os.WriteFile(dir+"/"+name, []byte("x"), 0700))

	// The check interval must reach past the job, since Scan never returns
	// a next wake later than now+CheckInterval.
	exec := &fakeExecutor{}
	s := New(dir, 2*time.Hour, exec, nil)
	res, err := s.Scan(now)
	require.NoError(t, err)
	require.Empty(t, exec.ran)
	require.WithinDuration(t, scheduled.Truncate(time.Minute), res.NextWake.Truncate(time.Minute), time.Minute)
}

func TestScanSelectsLexicographicallySmallestBatchCandidate(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	past := now.Add(-time.Hour)
	earlierPast := now.Add(-2 * time.Hour)

	nameB := minuteName(t, 'B', 1, past)
	nameC := minuteName(t, 'C', 2, earlierPast)
	require.NoError(t, os.WriteFile(dir+"/"+nameB, []byte("x"), 0700))
	require.NoError(t, os.WriteFile(dir+"/"+nameC, []byte("x"), 0700))

	s := New(dir, 10*time.Second, &fakeExecutor{}, nil)
	res, err := s.Scan(now)
	require.NoError(t, err)
	require.True(t, res.HasBatch)
	require.Equal(t, nameB, res.Batch.Name) // 'B' < 'C' lexicographically
}

func TestScanReclaimsStaleRunnerLock(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	checkInterval := 10 * time.Second
	staleSched := now.Add(-checkInterval - time.Minute)
	name := minuteName(t, 'a', 1, staleSched)
	path := dir + "/" + name
	require.NoError(t, os.WriteFile(path, []byte("x"), 0700))
	lockName := "=" + name[1:]
	require.NoError(t, os.Link(path, dir+"/"+lockName))

	s := New(dir, checkInterval, &fakeExecutor{}, nil)
	res, err := s.Scan(now)
	require.NoError(t, err)
	require.True(t, res.AnyPending)
	require.Equal(t, now, res.NextWake)

	_, err = os.Stat(dir + "/" + lockName)
	require.True(t, os.IsNotExist(err))

	// job file itself is untouched; the next scan will run it
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestScanReclaimsStaleOrphanLock(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	checkInterval := 10 * time.Second
	staleSched := now.Add(-checkInterval - time.Minute)
	name := minuteName(t, 'a', 1, staleSched)
	path := dir + "/" + name
	require.NoError(t, os.WriteFile(path, []byte("x"), 0700))
	lockName := "=" + name[1:]
	require.NoError(t, os.Link(path, dir+"/"+lockName))
	require.NoError(t, os.Remove(path)) // job already unlinked: orphan lock, nlink==1

	s := New(dir, checkInterval, &fakeExecutor{}, nil)
	_, err := s.Scan(now)
	require.NoError(t, err)

	_, err = os.Stat(dir + "/" + lockName)
	require.True(t, os.IsNotExist(err))
}

func TestScanIgnoresUnparseableNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/not-a-job", []byte("x"), 0700))
	s := New(dir, 10*time.Second, &fakeExecutor{}, nil)
	res, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.False(t, res.HasBatch)
	require.False(t, res.AnyPending)
}
