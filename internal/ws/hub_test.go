package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chat_relay/internal/delivery"
	"chat_relay/internal/domain"
	"chat_relay/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestHub(t *testing.T, store repository.MessageStore) *Hub {
	t.Helper()
	hub := NewHub(delivery.NewCoordinator(store, nil, nil), nil, "test-node", nil)
	startHub(t, hub)
	return hub
}

// startHub runs hub until the test ends. done is closed once Run returns.
func startHub(t *testing.T, hub *Hub) (stop func(), done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return cancel, finished
}

func receive(t *testing.T, o *delivery.Outbound) domain.Message {
	t.Helper()
	select {
	case msg := <-o.C():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return domain.Message{}
	}
}

func assertEmpty(t *testing.T, o *delivery.Outbound) {
	t.Helper()
	select {
	case msg := <-o.C():
		t.Fatalf("unexpected outbound message %+v", msg)
	default:
	}
}

func mustBeOnline(t *testing.T, hub *Hub, user uuid.UUID, want bool) {
	t.Helper()
	online, err := hub.IsOnline(context.Background(), user)
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if online != want {
		t.Fatalf("expected online=%v for %s, got %v", want, user, online)
	}
}

func TestHub_OfflineMessageDeliveredOnConnect(t *testing.T) {
	store := repository.NewMemoryStore()
	hub := newTestHub(t, store)
	alice, bob := uuid.New(), uuid.New()

	out, err := hub.Send(context.Background(), "are you there?", alice, bob)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Status != delivery.StatusQueued {
		t.Fatalf("expected queued, got %s", out.Status)
	}
	if stored, _ := store.Get(out.Message.ID); stored.Delivered {
		t.Fatal("message for offline user must be stored undelivered")
	}

	inbox := delivery.NewOutbound(10)
	if err := hub.Connect(context.Background(), bob, inbox); err != nil {
		t.Fatalf("connect: %v", err)
	}

	got := receive(t, inbox)
	if got.ID != out.Message.ID || got.Content != "are you there?" {
		t.Errorf("unexpected replayed message %+v", got)
	}

	mustBeOnline(t, hub, bob, true)
	if stored, _ := store.Get(out.Message.ID); !stored.Delivered {
		t.Error("replayed message must be marked delivered")
	}
}

func TestHub_OnlineMessageDeliveredImmediately(t *testing.T) {
	store := repository.NewMemoryStore()
	store.FailUpdate = func(id string) error { return errors.New("no update expected") }
	hub := newTestHub(t, store)
	alice, bob := uuid.New(), uuid.New()

	inbox := delivery.NewOutbound(10)
	_ = hub.Connect(context.Background(), bob, inbox)

	out, err := hub.Send(context.Background(), "hello", alice, bob)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Status != delivery.StatusDelivered || out.String() != "Message sent successfully" {
		t.Fatalf("unexpected outcome %s %q", out.Status, out.String())
	}
	if stored, _ := store.Get(out.Message.ID); !stored.Delivered {
		t.Error("message must be stored delivered in the insert itself")
	}
	if got := receive(t, inbox); got.ID != out.Message.ID {
		t.Errorf("expected %s on bob's channel, got %s", out.Message.ID, got.ID)
	}
}

type flakySink struct {
	mu    sync.Mutex
	fails int
	got   []domain.Message
}

func (s *flakySink) Push(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return delivery.ErrSinkFull
	}
	s.got = append(s.got, msg)
	return nil
}

func TestHub_FailedReplayPushIsOfferedAgain(t *testing.T) {
	store := repository.NewMemoryStore()
	hub := newTestHub(t, store)
	alice, bob := uuid.New(), uuid.New()

	out, _ := hub.Send(context.Background(), "at least once", alice, bob)

	first := &flakySink{fails: 1}
	_ = hub.Connect(context.Background(), bob, first)
	_ = hub.Disconnect(context.Background(), bob, first)
	mustBeOnline(t, hub, bob, false)

	if stored, _ := store.Get(out.Message.ID); stored.Delivered {
		t.Fatal("message must remain pending after the failed push")
	}

	second := &flakySink{}
	_ = hub.Connect(context.Background(), bob, second)
	mustBeOnline(t, hub, bob, true)

	second.mu.Lock()
	defer second.mu.Unlock()
	if len(second.got) != 1 || second.got[0].ID != out.Message.ID {
		t.Fatalf("expected the pending message to be replayed, got %+v", second.got)
	}
	if stored, _ := store.Get(out.Message.ID); !stored.Delivered {
		t.Error("message must be delivered after the successful replay")
	}
}

func TestHub_DisconnectWithoutEntryIsNoop(t *testing.T) {
	hub := newTestHub(t, repository.NewMemoryStore())
	alice, bob := uuid.New(), uuid.New()

	inbox := delivery.NewOutbound(1)
	_ = hub.Connect(context.Background(), alice, inbox)

	if err := hub.Disconnect(context.Background(), bob, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := hub.Disconnect(context.Background(), bob, nil); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}

	mustBeOnline(t, hub, alice, true)
	mustBeOnline(t, hub, bob, false)
	if n := hub.Stats(); n != 1 {
		t.Errorf("expected 1 registered user, got %d", n)
	}
}

func TestHub_ReconnectReplacesChannel(t *testing.T) {
	hub := newTestHub(t, repository.NewMemoryStore())
	alice, bob := uuid.New(), uuid.New()

	old := delivery.NewOutbound(10)
	fresh := delivery.NewOutbound(10)
	_ = hub.Connect(context.Background(), bob, old)
	_ = hub.Connect(context.Background(), bob, fresh)

	out, err := hub.Send(context.Background(), "to the newest session", alice, bob)
	if err != nil || out.Failed() {
		t.Fatalf("send: %v %v", err, out.Err)
	}

	if got := receive(t, fresh); got.ID != out.Message.ID {
		t.Errorf("expected %s on the new channel, got %s", out.Message.ID, got.ID)
	}
	assertEmpty(t, old)
	if n := hub.Stats(); n != 1 {
		t.Errorf("reconnect must not add an entry, got %d", n)
	}
}

func TestHub_StaleDisconnectKeepsNewerSession(t *testing.T) {
	hub := newTestHub(t, repository.NewMemoryStore())
	bob := uuid.New()

	old := delivery.NewOutbound(1)
	fresh := delivery.NewOutbound(1)
	_ = hub.Connect(context.Background(), bob, old)
	_ = hub.Connect(context.Background(), bob, fresh)
	_ = hub.Disconnect(context.Background(), bob, old)
	mustBeOnline(t, hub, bob, true)

	_ = hub.Disconnect(context.Background(), bob, fresh)
	mustBeOnline(t, hub, bob, false)
}

func TestHub_StoreFailureReportedToSender(t *testing.T) {
	store := repository.NewMemoryStore()
	store.FailInsert = func(domain.Message) error { return errors.New("store unavailable") }
	hub := newTestHub(t, store)

	out, err := hub.Send(context.Background(), "x", uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !out.Failed() || out.String() != "Failed to send message: store unavailable" {
		t.Errorf("unexpected outcome %s %q", out.Status, out.String())
	}
}

func TestHub_CommandsFromOneProducerKeepOrder(t *testing.T) {
	hub := newTestHub(t, repository.NewMemoryStore())
	alice, bob := uuid.New(), uuid.New()
	inbox := delivery.NewOutbound(100)
	_ = hub.Connect(context.Background(), bob, inbox)

	for i := 0; i < 20; i++ {
		if _, err := hub.Send(context.Background(), string(rune('a'+i)), alice, bob); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 20; i++ {
		if got := receive(t, inbox); got.Content != string(rune('a'+i)) {
			t.Fatalf("position %d: expected %q, got %q", i, string(rune('a'+i)), got.Content)
		}
	}
}

func TestHub_StoppedRegistryRejectsCommands(t *testing.T) {
	hub := NewHub(delivery.NewCoordinator(repository.NewMemoryStore(), nil, nil), nil, "n", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := hub.Connect(context.Background(), uuid.New(), delivery.NewOutbound(1)); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("connect: expected ErrRegistryClosed, got %v", err)
	}
	if _, err := hub.Send(context.Background(), "x", uuid.New(), uuid.New()); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("send: expected ErrRegistryClosed, got %v", err)
	}
}

type slowTracker struct {
	mu       sync.Mutex
	addDelay time.Duration
	ops      []string
	active   map[uuid.UUID]bool
}

func newSlowTracker(addDelay time.Duration) *slowTracker {
	return &slowTracker{addDelay: addDelay, active: make(map[uuid.UUID]bool)}
}

func (s *slowTracker) AddSession(ctx context.Context, userID uuid.UUID, nodeID string) error {
	time.Sleep(s.addDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "add")
	s.active[userID] = true
	return nil
}

func (s *slowTracker) RemoveSession(ctx context.Context, userID uuid.UUID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "remove")
	delete(s.active, userID)
	return nil
}

func (s *slowTracker) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...), len(s.active)
}

func TestHub_SlowTrackerKeepsSessionOrder(t *testing.T) {
	tracker := newSlowTracker(50 * time.Millisecond)
	hub := NewHub(delivery.NewCoordinator(repository.NewMemoryStore(), nil, nil), tracker, "test-node", nil)
	startHub(t, hub)
	bob := uuid.New()

	inbox := delivery.NewOutbound(1)
	_ = hub.Connect(context.Background(), bob, inbox)
	_ = hub.Disconnect(context.Background(), bob, inbox)
	mustBeOnline(t, hub, bob, false)

	eventually(t, func() bool {
		ops, _ := tracker.snapshot()
		return len(ops) == 2
	})
	ops, active := tracker.snapshot()
	if ops[0] != "add" || ops[1] != "remove" {
		t.Fatalf("expected add then remove, got %v", ops)
	}
	if active != 0 {
		t.Errorf("expected no active session rows, got %d", active)
	}
}

func TestHub_StopFlushesSessionChanges(t *testing.T) {
	tracker := newSlowTracker(20 * time.Millisecond)
	hub := NewHub(delivery.NewCoordinator(repository.NewMemoryStore(), nil, nil), tracker, "test-node", nil)
	stop, done := startHub(t, hub)

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, u := range users {
		_ = hub.Connect(context.Background(), u, delivery.NewOutbound(1))
	}
	mustBeOnline(t, hub, users[0], true)
	stop()
	<-done

	if ops, active := tracker.snapshot(); len(ops) != len(users) || active != len(users) {
		t.Fatalf("expected every connect tracked before Run returned, got %v", ops)
	}
}

func TestHub_FullRecipientDoesNotDelayOthers(t *testing.T) {
	hub := newTestHub(t, repository.NewMemoryStore())
	alice, bob, carol, dave := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	bobInbox := delivery.NewOutbound(1)
	daveInbox := delivery.NewOutbound(1)
	_ = hub.Connect(context.Background(), bob, bobInbox)
	_ = hub.Connect(context.Background(), dave, daveInbox)

	if _, err := hub.Send(context.Background(), "fills the buffer", alice, bob); err != nil {
		t.Fatalf("send: %v", err)
	}

	start := time.Now()
	if _, err := hub.Send(context.Background(), "does not fit", alice, bob); err != nil {
		t.Fatalf("send: %v", err)
	}
	out, err := hub.Send(context.Background(), "hi dave", carol, dave)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("sends took %v while bob's channel was full", elapsed)
	}
	if got := receive(t, daveInbox); got.ID != out.Message.ID {
		t.Errorf("expected %s on dave's channel, got %s", out.Message.ID, got.ID)
	}
}

func TestHub_LargeBacklogDrainsInOrder(t *testing.T) {
	store := repository.NewMemoryStore()
	hub := NewHub(delivery.NewCoordinator(store, nil, nil), nil, "test-node", nil)
	hub.replayRetry = 10 * time.Millisecond
	startHub(t, hub)
	alice, bob := uuid.New(), uuid.New()

	var sent []delivery.Outcome
	for _, content := range []string{"one", "two", "three"} {
		out, err := hub.Send(context.Background(), content, alice, bob)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		sent = append(sent, out)
	}

	inbox := delivery.NewOutbound(1)
	_ = hub.Connect(context.Background(), bob, inbox)

	for i, want := range sent {
		if got := receive(t, inbox); got.ID != want.Message.ID {
			t.Fatalf("position %d: expected %s, got %s", i, want.Message.ID, got.ID)
		}
	}
	eventually(t, func() bool {
		for _, out := range sent {
			if stored, _ := store.Get(out.Message.ID); !stored.Delivered {
				return false
			}
		}
		return true
	})
}

func TestHub_ReplayLogCountsUnmarkedMessages(t *testing.T) {
	store := repository.NewMemoryStore()
	core, logs := observer.New(zap.InfoLevel)
	hub := NewHub(delivery.NewCoordinator(store, nil, nil), nil, "test-node", zap.New(core))
	startHub(t, hub)
	alice, bob := uuid.New(), uuid.New()

	if _, err := hub.Send(context.Background(), "mark fails", alice, bob); err != nil {
		t.Fatalf("send: %v", err)
	}
	store.FailUpdate = func(string) error { return errors.New("write conflict") }

	inbox := delivery.NewOutbound(1)
	_ = hub.Connect(context.Background(), bob, inbox)
	receive(t, inbox)
	mustBeOnline(t, hub, bob, true)

	entries := logs.FilterMessage("Replayed undelivered messages").All()
	if len(entries) != 1 {
		t.Fatalf("expected one replay log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["pushed"] != int64(1) || fields["unmarked"] != int64(1) {
		t.Errorf("unexpected replay fields %v", fields)
	}
}
