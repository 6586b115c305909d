package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"assistantgw/internal/store"
	"github.com/stretchr/testify/require"
)

func TestRetryWrite_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := store.RetryWrite(context.Background(), time.Millisecond, "insert_proposal", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryWrite_FatalErrorNotRetried(t *testing.T) {
	attempts := 0
	err := store.RetryWrite(context.Background(), time.Millisecond, "insert_proposal", func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("constraint violation")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryWrite_ExhaustsAfterFourAttempts(t *testing.T) {
	attempts := 0
	err := store.RetryWrite(context.Background(), time.Millisecond, "insert_proposal", func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("sqlite busy")
	})
	require.Error(t, err)
	require.Equal(t, 4, attempts)
}

type fakeNotifier struct{ msgs []string }

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.msgs = append(f.msgs, text)
	return nil
}

func TestRetryWriteWithBackoffNotice_NotifiesBetweenAttempts(t *testing.T) {
	n := &fakeNotifier{}
	attempts := 0
	err := store.RetryWriteWithBackoffNotice(context.Background(), time.Millisecond, "insert_proposal", n, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("SQLite busy")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, n.msgs, 1)
}
