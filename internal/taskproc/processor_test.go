package taskproc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"telecast/internal/dispatch"
	"telecast/internal/domain"
	"telecast/internal/queue"
	"telecast/internal/resolver"
	"telecast/internal/store"
	"telecast/internal/transport"
	logx "telecast/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	fail   map[string]error
	nextID int
}

func (f *fakeSender) Send(ctx context.Context, recipientID string, typ domain.TaskType, content domain.Content) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[recipientID]; ok {
		return transport.MessageRef{}, err
	}
	f.nextID++
	f.sent = append(f.sent, recipientID)
	return transport.MessageRef{RecipientID: recipientID, MessageID: f.nextID}, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []int
	fail    map[int]error
}

func (f *fakeDeleter) Delete(ctx context.Context, recipientID string, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[messageID]; ok {
		return err
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

type scheduledJob struct {
	kind    queue.Kind
	payload any
	delay   time.Duration
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
	err  error
}

func (f *fakeScheduler) Schedule(ctx context.Context, kind queue.Kind, payload any, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, scheduledJob{kind: kind, payload: payload, delay: delay})
	return nil
}

func (f *fakeScheduler) byKind(kind queue.Kind) []scheduledJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduledJob
	for _, j := range f.jobs {
		if j.kind == kind {
			out = append(out, j)
		}
	}
	return out
}

type fixture struct {
	store  *store.Memory
	sender *fakeSender
	del    *fakeDeleter
	sched  *fakeScheduler
	proc   *Processor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemory()
	sender := &fakeSender{fail: map[string]error{}}
	del := &fakeDeleter{fail: map[int]error{}}
	sched := &fakeScheduler{}
	res := resolver.New(st)
	d := dispatch.New(sender, time.Millisecond, logx.Nop())
	return &fixture{
		store:  st,
		sender: sender,
		del:    del,
		sched:  sched,
		proc:   New(st, res, d, del, sched, cfg, logx.Nop()),
	}
}

func (f *fixture) seedFolder(t *testing.T, id, userID string, entityIDs ...string) {
	t.Helper()
	err := f.store.SaveFolder(context.Background(), &domain.Folder{
		ID: id, UserID: userID, Name: id, EntityIDs: entityIDs,
	})
	require.NoError(t, err)
}

func (f *fixture) seedTask(t *testing.T, task *domain.Task) {
	t.Helper()
	require.NoError(t, f.store.CreateTask(context.Background(), task))
}

func messageTask(id string) *domain.Task {
	return &domain.Task{
		TaskID:    id,
		UserID:    "u1",
		Name:      "hello",
		Type:      domain.TypeMessage,
		Content:   domain.Content{Text: "hi"},
		FolderIDs: []string{"f1"},
		Status:    domain.StatusPending,
		CreatedAt: time.Now(),
	}
}

func TestProcessPartialFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFolder(t, "f1", "u1", "r1", "r2", "r3")
	f.sender.fail["r2"] = errors.New("bot was blocked by the user")
	f.seedTask(t, messageTask("t1"))

	require.NoError(t, f.proc.Process(context.Background(), "t1"))

	got, err := f.store.TaskByID(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartial, got.Status)
	require.Equal(t, 2, got.Results.Success)
	require.Equal(t, 1, got.Results.Failed)
	require.Equal(t, []string{"Failed to send to r2: bot was blocked by the user"}, got.Results.Errors)
	require.Len(t, got.SentMessages, 2)
	require.Equal(t, "r1", got.SentMessages[0].RecipientID)
	require.Equal(t, "r3", got.SentMessages[1].RecipientID)
	require.NotNil(t, got.CompletedAt)
}

func TestProcessAllFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFolder(t, "f1", "u1", "r1")
	f.sender.fail["r1"] = errors.New("chat not found")
	f.seedTask(t, messageTask("t1"))

	require.NoError(t, f.proc.Process(context.Background(), "t1"))

	got, _ := f.store.TaskByID(context.Background(), "t1")
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Empty(t, got.SentMessages)
}

func TestProcessAbortedDispatchKeepsPartialReceipts(t *testing.T) {
	st := store.NewMemory()
	sender := &fakeSender{fail: map[string]error{}}
	sched := &fakeScheduler{}
	// Hour-long send interval: the second send blocks at the limiter until
	// the context is cancelled mid-batch.
	d := dispatch.New(sender, time.Hour, logx.Nop())
	proc := New(st, resolver.New(st), d, &fakeDeleter{}, sched, Config{}, logx.Nop())

	require.NoError(t, st.SaveFolder(context.Background(), &domain.Folder{
		ID: "f1", UserID: "u1", Name: "f1", EntityIDs: []string{"r1", "r2"},
	}))
	require.NoError(t, st.CreateTask(context.Background(), messageTask("t1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for sender.sentCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	require.Error(t, proc.Process(ctx, "t1"))

	got, err := st.TaskByID(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Equal(t, 1, got.Results.Success)
	require.Len(t, got.SentMessages, 1, "delivered message must keep its receipt")
	require.Equal(t, "r1", got.SentMessages[0].RecipientID)
	require.NotEmpty(t, got.Results.Errors)
}

func TestProcessRefusesUndoneTask(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFolder(t, "f1", "u1", "r1")
	task := messageTask("t1")
	task.Status = domain.StatusUndone
	f.seedTask(t, task)

	err := f.proc.Process(context.Background(), "t1")
	require.ErrorIs(t, err, ErrTaskUndone)
	require.Empty(t, f.sender.sent)
}

func TestProcessResolutionFailureMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	// Folder f1 never seeded.
	f.seedTask(t, messageTask("t1"))

	err := f.proc.Process(context.Background(), "t1")
	require.ErrorIs(t, err, resolver.ErrResolution)

	got, _ := f.store.TaskByID(context.Background(), "t1")
	require.Equal(t, domain.StatusFailed, got.Status)
	require.NotEmpty(t, got.Results.Errors)
	require.NotNil(t, got.CompletedAt)
}

func TestProcessArmsExpiryOnlyWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFolder(t, "f1", "u1", "r1")
	task := messageTask("t1")
	task.ExpiryHours = 2
	f.seedTask(t, task)

	require.NoError(t, f.proc.Process(context.Background(), "t1"))

	expires := f.sched.byKind(queue.KindExpire)
	require.Len(t, expires, 1)
	require.InDelta(t, (2 * time.Hour).Seconds(), expires[0].delay.Seconds(), 5)

	f2 := newFixture(t, Config{})
	f2.seedFolder(t, "f1", "u1", "r1")
	f2.seedTask(t, messageTask("t2"))
	require.NoError(t, f2.proc.Process(context.Background(), "t2"))
	require.Empty(t, f2.sched.byKind(queue.KindExpire))
}

func TestProcessArmsTrackingForChannelsOnly(t *testing.T) {
	f := newFixture(t, Config{TrackDelay: 15 * time.Minute})
	f.seedFolder(t, "f1", "u1", "ch1", "user1")
	require.NoError(t, f.store.UpsertEntities(context.Background(), []domain.Entity{
		{ExternalID: "ch1", UserID: "u1", Kind: domain.KindChannel},
		{ExternalID: "user1", UserID: "u1", Kind: domain.KindUser},
	}))
	f.seedTask(t, messageTask("t1"))

	require.NoError(t, f.proc.Process(context.Background(), "t1"))

	tracks := f.sched.byKind(queue.KindTrackMetrics)
	require.Len(t, tracks, 1)
	pl := tracks[0].payload.(queue.TrackPayload)
	require.Equal(t, "ch1", pl.RecipientID)
	require.Equal(t, 15*time.Minute, tracks[0].delay)
	require.NotZero(t, pl.StartedTrackingAt)
}

func TestUndoDeletesAndClearsReceipts(t *testing.T) {
	f := newFixture(t, Config{})
	task := messageTask("t1")
	task.Status = domain.StatusCompleted
	task.SentMessages = []domain.DeliveryReceipt{
		{RecipientID: "r1", MessageID: 11},
		{RecipientID: "r2", MessageID: 12},
	}
	f.seedTask(t, task)
	f.del.fail[12] = errors.New("message to delete not found")

	deleted, err := f.proc.Undo(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	require.Equal(t, []int{11}, f.del.deleted)
	got, _ := f.store.TaskByID(context.Background(), "t1")
	require.Equal(t, domain.StatusUndone, got.Status)
	require.Empty(t, got.SentMessages)
}

func TestUndoIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	task := messageTask("t1")
	task.Status = domain.StatusUndone
	f.seedTask(t, task)

	deleted, err := f.proc.Undo(context.Background(), "t1")
	require.NoError(t, err)
	require.Zero(t, deleted)
	require.Empty(t, f.del.deleted)
}

func TestUndoRequiresReceipts(t *testing.T) {
	f := newFixture(t, Config{})
	task := messageTask("t1")
	task.Status = domain.StatusFailed
	f.seedTask(t, task)

	_, err := f.proc.Undo(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNotUndoable)
}

func TestScheduleValidatesAndArmsDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFolder(t, "f1", "u1", "r1", "r2")
	f.seedFolder(t, "f2", "u1", "r2", "r3")

	at := time.Now().Add(time.Hour)
	created, err := f.proc.Schedule(context.Background(), CreateRequest{
		UserID:      "u1",
		Name:        "launch",
		Type:        domain.TypeMessage,
		Content:     domain.Content{Text: "go"},
		FolderIDs:   []string{"f1", "f2"},
		ScheduledAt: &at,
	})
	require.NoError(t, err)
	require.Equal(t, 3, created.RecipientCount)
	require.Equal(t, domain.StatusPending, created.Status)

	got, err := f.store.TaskByID(context.Background(), created.TaskID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)

	dispatches := f.sched.byKind(queue.KindDispatch)
	require.Len(t, dispatches, 1)
	require.InDelta(t, time.Hour.Seconds(), dispatches[0].delay.Seconds(), 5)
}

func TestScheduleRejectsInvalidContent(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFolder(t, "f1", "u1", "r1")

	_, err := f.proc.Schedule(context.Background(), CreateRequest{
		UserID:    "u1",
		Type:      domain.TypePoll,
		Content:   domain.Content{PollQuestion: "q", PollOptions: []string{"only one"}},
		FolderIDs: []string{"f1"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidContent)

	_, err = f.proc.Schedule(context.Background(), CreateRequest{
		UserID:  "u1",
		Type:    domain.TypeMessage,
		Content: domain.Content{Text: "hi"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidContent)
}

func TestHandleDispatchSwallowsUndone(t *testing.T) {
	f := newFixture(t, Config{})
	task := messageTask("t1")
	task.Status = domain.StatusUndone
	f.seedTask(t, task)

	payload, err := (&queue.JSONEncoder{}).Encode(queue.DispatchPayload{TaskID: "t1"})
	require.NoError(t, err)
	require.NoError(t, f.proc.HandleDispatch(context.Background(), payload))
}
