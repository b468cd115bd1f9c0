// Package storetest 提供 status.Store 实现共用的行为测试。
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/sftpdeploy/internal/status"
)

// Factory 为每个子测试创建一个空的存储
type Factory func(t *testing.T) status.Store

// Run 对 newStore 创建的存储执行全部行为测试
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s status.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"GetMissing", testGetMissing},
		{"GetReturnsCopy", testGetReturnsCopy},
		{"UpdateMergesProvidedFields", testUpdateMerges},
		{"UpdateMissing", testUpdateMissing},
		{"ProgressNeverDecreases", testProgressNeverDecreases},
		{"CompareAndSet", testCompareAndSet},
		{"TerminalRejectsUpdates", testTerminalRejectsUpdates},
		{"ConcurrentLogAppends", testConcurrentLogAppends},
		{"ConcurrentCompareAndSet", testConcurrentCompareAndSet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newID() string {
	return "deploy_" + uuid.NewString()
}

func create(t *testing.T, s status.Store, st status.Status) string {
	t.Helper()
	id := newID()
	require.NoError(t, s.Create(context.Background(), &status.Record{
		ID:      id,
		Status:  st,
		Phase:   "started",
		Message: "Starting deployment",
		Log:     []string{"first"},
	}))
	return id
}

func testCreateAndGet(t *testing.T, s status.Store) {
	id := create(t, s, status.StatusStarted)

	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, status.StatusStarted, rec.Status)
	assert.Equal(t, "started", rec.Phase)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, "Starting deployment", rec.Message)
	assert.Equal(t, []string{"first"}, rec.Log)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.UpdatedAt.IsZero())
}

func testCreateDuplicate(t *testing.T, s status.Store) {
	id := create(t, s, status.StatusStarted)
	err := s.Create(context.Background(), &status.Record{ID: id, Status: status.StatusStarted})
	assert.ErrorIs(t, err, status.ErrExists)
}

func testGetMissing(t *testing.T, s status.Store) {
	_, err := s.Get(context.Background(), newID())
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func testGetReturnsCopy(t *testing.T, s status.Store) {
	ctx := context.Background()
	id := create(t, s, status.StatusStarted)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	rec.Log[0] = "mutated"
	rec.Progress = 99

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, again.Log)
	assert.Equal(t, 0, again.Progress)
}

func testUpdateMerges(t *testing.T, s status.Store) {
	ctx := context.Background()
	id := create(t, s, status.StatusStarted)

	rec, err := s.Update(ctx, id, status.Patch{
		Status:   status.StatusInProgress,
		Progress: status.Int(10),
		Log:      []string{"second"},
	})
	require.NoError(t, err)
	assert.Equal(t, status.StatusInProgress, rec.Status)
	assert.Equal(t, 10, rec.Progress)
	assert.Equal(t, "Starting deployment", rec.Message)
	assert.Equal(t, "started", rec.Phase)

	rec, err = s.Update(ctx, id, status.Patch{
		Phase:   "connecting",
		Message: status.String(""),
		Backend: "sftp",
		Log:     []string{"third", "fourth"},
	})
	require.NoError(t, err)
	assert.Equal(t, "connecting", rec.Phase)
	assert.Equal(t, "", rec.Message)
	assert.Equal(t, "sftp", rec.Backend)
	assert.Equal(t, 10, rec.Progress)
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, rec.Log)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Log, got.Log)
}

func testUpdateMissing(t *testing.T, s status.Store) {
	_, err := s.Update(context.Background(), newID(), status.Patch{Progress: status.Int(10)})
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func testProgressNeverDecreases(t *testing.T, s status.Store) {
	ctx := context.Background()
	id := create(t, s, status.StatusInProgress)

	_, err := s.Update(ctx, id, status.Patch{Progress: status.Int(40)})
	require.NoError(t, err)
	rec, err := s.Update(ctx, id, status.Patch{Progress: status.Int(25)})
	require.NoError(t, err)
	assert.Equal(t, 40, rec.Progress)

	rec, err = s.Update(ctx, id, status.Patch{Progress: status.Int(150)})
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Progress)
}

func testCompareAndSet(t *testing.T, s status.Store) {
	ctx := context.Background()
	id := create(t, s, status.StatusInProgress)

	_, err := s.Update(ctx, id, status.Patch{
		Expect: status.StatusNeedsConfirmation,
		Status: status.StatusInProgress,
		Log:    []string{"Overwrite confirmed"},
	})
	assert.ErrorIs(t, err, status.ErrUnexpectedStatus)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, rec.Log, "rejected update must not append")

	_, err = s.Update(ctx, id, status.Patch{Status: status.StatusNeedsConfirmation, Progress: status.Int(45)})
	require.NoError(t, err)

	rec, err = s.Update(ctx, id, status.Patch{
		Expect: status.StatusNeedsConfirmation,
		Status: status.StatusInProgress,
		Log:    []string{"Overwrite confirmed"},
	})
	require.NoError(t, err)
	assert.Equal(t, status.StatusInProgress, rec.Status)
	assert.Equal(t, []string{"first", "Overwrite confirmed"}, rec.Log)
}

func testTerminalRejectsUpdates(t *testing.T, s status.Store) {
	ctx := context.Background()
	for _, terminal := range []status.Status{status.StatusComplete, status.StatusError} {
		id := create(t, s, status.StatusInProgress)
		_, err := s.Update(ctx, id, status.Patch{Status: terminal, Progress: status.Int(70)})
		require.NoError(t, err)

		_, err = s.Update(ctx, id, status.Patch{Progress: status.Int(100), Log: []string{"late"}})
		assert.ErrorIs(t, err, status.ErrTerminal, string(terminal))

		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, terminal, rec.Status)
		assert.Equal(t, 70, rec.Progress)
		assert.Equal(t, []string{"first"}, rec.Log)
	}
}

func testConcurrentLogAppends(t *testing.T, s status.Store) {
	ctx := context.Background()
	ids := []string{create(t, s, status.StatusInProgress), create(t, s, status.StatusInProgress)}

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for _, id := range ids {
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(id string, w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := s.Update(ctx, id, status.Patch{Log: []string{fmt.Sprintf("w%d-%d", w, i)}})
					assert.NoError(t, err)
					_, err = s.Get(ctx, id)
					assert.NoError(t, err)
				}
			}(id, w)
		}
	}
	wg.Wait()

	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, rec.Log, 1+writers*perWriter)
	}
}

func testConcurrentCompareAndSet(t *testing.T, s status.Store) {
	ctx := context.Background()
	id := create(t, s, status.StatusNeedsConfirmation)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, id, status.Patch{
				Expect: status.StatusNeedsConfirmation,
				Status: status.StatusInProgress,
				Log:    []string{"Overwrite confirmed"},
			})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, status.ErrUnexpectedStatus)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.Log, 2)
}
