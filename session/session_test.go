package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, config.BusyReject, nil)

	sess, err := store.Create(ctx, "/work")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, "/work", sess.Cwd())

	got, ok := store.Get(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, err = store.Open(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestBeginTurnResetsCounter(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, config.BusyReject, nil)
	sess, err := store.Create(ctx, "")
	require.NoError(t, err)

	turn, err := store.BeginTurn(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, uint(0), turn.RequestCount())
	assert.Equal(t, uint(1), turn.NextRequest())
	assert.Equal(t, uint(2), turn.NextRequest())
	assert.Equal(t, uint(2), sess.TurnRequestCount())
	turn.End()
	turn.End()

	turn, err = store.BeginTurn(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, uint(0), turn.RequestCount())
	turn.End()
}

func TestBeginTurnRejectsConcurrentTurn(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, config.BusyReject, nil)
	sess, err := store.Create(ctx, "")
	require.NoError(t, err)

	first, err := store.BeginTurn(ctx, sess.ID())
	require.NoError(t, err)
	assert.True(t, sess.Active())

	_, err = store.BeginTurn(ctx, sess.ID())
	assert.True(t, errors.Is(err, errors.ErrTurnInProgress))

	// other sessions are not affected
	other, err := store.Create(ctx, "")
	require.NoError(t, err)
	otherTurn, err := store.BeginTurn(ctx, other.ID())
	require.NoError(t, err)
	otherTurn.End()

	first.End()
	assert.False(t, sess.Active())
	again, err := store.BeginTurn(ctx, sess.ID())
	require.NoError(t, err)
	again.End()
}

func TestBeginTurnQueues(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, config.BusyQueue, nil)
	sess, err := store.Create(ctx, "")
	require.NoError(t, err)

	first, err := store.BeginTurn(ctx, sess.ID())
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, Message{Role: RoleUser, Content: "first"}))

	started := make(chan *Turn)
	go func() {
		turn, err := store.BeginTurn(ctx, sess.ID())
		if err != nil {
			close(started)
			return
		}
		started <- turn
	}()

	select {
	case <-started:
		t.Fatal("second turn started while the first was active")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Append(ctx, Message{Role: RoleAssistant, Content: "first reply"}))
	first.End()

	second := <-started
	require.NotNil(t, second)
	require.NoError(t, second.Append(ctx, Message{Role: RoleUser, Content: "second"}))
	second.End()

	var contents []string
	for _, m := range sess.History() {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "first reply", "second"}, contents)
}

func TestBeginTurnQueueHonoursContext(t *testing.T) {
	store := NewStore(nil, config.BusyQueue, nil)
	sess, err := store.Create(context.Background(), "")
	require.NoError(t, err)
	first, err := store.BeginTurn(context.Background(), sess.ID())
	require.NoError(t, err)
	defer first.End()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.BeginTurn(ctx, sess.ID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentTurnsNeverInterleave(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, config.BusyReject, nil)
	sess, err := store.Create(ctx, "")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := store.BeginTurn(ctx, sess.ID())
			if err != nil {
				assert.True(t, errors.Is(err, errors.ErrTurnInProgress))
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
			_ = turn.Append(ctx, Message{Role: RoleUser, Content: "q"})
			_ = turn.Append(ctx, Message{Role: RoleAssistant, Content: "a"})
			turn.End()
		}()
	}
	wg.Wait()

	history := sess.History()
	require.Len(t, history, accepted*2)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, RoleUser, history[i].Role)
		assert.Equal(t, RoleAssistant, history[i+1].Role)
	}
}

func TestBindProcess(t *testing.T) {
	store := NewStore(nil, "", nil)
	sess, err := store.Create(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, sess.ProcessKey())
	sess.BindProcess(sess.ID())
	assert.Equal(t, sess.ID(), sess.ProcessKey())
}

func TestFileStorePersistence(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	store := NewStore(fs, config.BusyReject, nil)
	sess, err := store.Create(ctx, "/proj")
	require.NoError(t, err)

	turn, err := store.BeginTurn(ctx, sess.ID())
	require.NoError(t, err)
	require.NoError(t, turn.Append(ctx, Message{Role: RoleUser, Content: "hello"}))
	require.NoError(t, turn.Append(ctx, Message{Role: RoleAssistant, Content: "hi there"}))
	turn.End()

	// a fresh store sees the same history
	reopened := NewStore(fs, config.BusyReject, nil)
	loaded, err := reopened.Open(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, "/proj", loaded.Cwd())
	history := loaded.History()
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.False(t, history[1].Timestamp.IsZero())

	infos, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, sess.ID(), infos[0].ID)
	assert.Equal(t, 2, infos[0].Messages)
}

func TestFileStoreErrors(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = fs.Load(ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))

	err = fs.Append(ctx, "nope", Message{Role: RoleUser})
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))

	assert.Error(t, fs.Create(ctx, Info{ID: "../escape"}))

	require.NoError(t, fs.Create(ctx, Info{ID: "dup"}))
	assert.Error(t, fs.Create(ctx, Info{ID: "dup"}))
}
