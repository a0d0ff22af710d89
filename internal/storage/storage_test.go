package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

func TestRemoveRetriesBusyWithBackoff(t *testing.T) {
	var calls int
	var waits []time.Duration
	origRemove, origSleep := removeFile, sleep
	t.Cleanup(func() { removeFile, sleep = origRemove, origSleep })
	removeFile = func(string) error {
		calls++
		if calls < 3 {
			return &os.PathError{Op: "remove", Path: "x", Err: syscall.EBUSY}
		}
		return nil
	}
	sleep = func(d time.Duration) { waits = append(waits, d) }

	err := Remove("x", CleanupPolicy{Attempts: 4, Backoff: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
}

func TestRemoveGivesUpAfterAttempts(t *testing.T) {
	origRemove, origSleep := removeFile, sleep
	t.Cleanup(func() { removeFile, sleep = origRemove, origSleep })
	var calls int
	removeFile = func(string) error {
		calls++
		return &os.PathError{Op: "remove", Path: "x", Err: syscall.EBUSY}
	}
	sleep = func(time.Duration) {}

	err := Remove("x", CleanupPolicy{Attempts: 3, Backoff: time.Millisecond})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRemoveDoesNotRetryOtherErrors(t *testing.T) {
	origRemove := removeFile
	t.Cleanup(func() { removeFile = origRemove })
	var calls int
	removeFile = func(string) error {
		calls++
		return errors.New("read-only file system")
	}
	require.Error(t, Remove("x", DefaultCleanupPolicy()))
	require.Equal(t, 1, calls)
}

func TestRemoveMissingFileIsSuccess(t *testing.T) {
	require.NoError(t, Remove(filepath.Join(t.TempDir(), "gone.csv"), DefaultCleanupPolicy()))
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter()
	got, err := r.Fetch(context.Background(), "file:///data/sales.csv")
	require.NoError(t, err)
	require.Equal(t, filepath.Clean("/data/sales.csv"), got)
	require.NoError(t, r.Release(got))

	_, err = r.Fetch(context.Background(), "")
	require.ErrorIs(t, err, ErrUnsupportedPath)
}

type staticFetcher string

func (f staticFetcher) Fetch(context.Context, string) (string, error) { return string(f), nil }
func (staticFetcher) Release(string) error                           { return nil }

func TestRouterHandleWhileFetching(t *testing.T) {
	r := NewRouter()
	r.Handle("mem", staticFetcher("/tmp/a.csv"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Handle("MEM", staticFetcher("/tmp/a.csv"))
		}()
		go func() {
			defer wg.Done()
			p, err := r.Fetch(context.Background(), "mem://x")
			if err == nil {
				_ = r.Release(p)
			}
		}()
	}
	wg.Wait()
	got, err := r.Fetch(context.Background(), "mem://x")
	require.NoError(t, err)
	require.Equal(t, "/tmp/a.csv", got)
}

func TestParseS3URI(t *testing.T) {
	b, k, err := ParseS3URI("s3://uploads/ws1/sales.csv")
	require.NoError(t, err)
	require.Equal(t, "uploads", b)
	require.Equal(t, "ws1/sales.csv", k)

	_, _, err = ParseS3URI("s3://bucket-only")
	require.ErrorIs(t, err, ErrUnsupportedPath)
}

type fakeGetter struct {
	body string
	err  error
}

func (f fakeGetter) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestS3FetchAndRelease(t *testing.T) {
	dir := t.TempDir()
	f := newS3WithClient(fakeGetter{body: "a,b\n1,2\n"}, S3Config{TempDir: dir})
	r := NewRouter()
	r.Handle("s3", f)

	local, err := r.Fetch(context.Background(), "s3://bucket/path/sales.csv")
	require.NoError(t, err)
	require.Equal(t, ".csv", filepath.Ext(local))
	b, err := os.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(b))

	require.NoError(t, r.Release(local))
	_, err = os.Stat(local)
	require.True(t, os.IsNotExist(err))
}

func TestS3FetchMissingObject(t *testing.T) {
	f := newS3WithClient(fakeGetter{err: &types.NoSuchKey{}}, S3Config{TempDir: t.TempDir()})
	_, err := f.Fetch(context.Background(), "s3://bucket/missing.csv")
	require.ErrorIs(t, err, ErrObjectNotFound)
}
