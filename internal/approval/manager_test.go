package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nikicat/session-installer/internal/task"
)

func confirmPrompt() task.Prompt {
	return task.Prompt{
		TaskID: "task-1",
		Kind:   task.PromptConfirmInstall,
		Title:  "Text Editor wants to install a package",
		Caller: task.Caller{Sender: ":1.42", PID: 4242, Label: "Text Editor"},
	}
}

// waitPending polls until n prompts are pending and returns them.
func waitPending(t *testing.T, mgr *Manager, n int) []*Request {
	t.Helper()
	for i := 0; i < 200; i++ {
		if reqs := mgr.List(); len(reqs) >= n {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%d prompts did not appear", n)
	return nil
}

func TestManager_Confirm_Approved(t *testing.T) {
	mgr := NewManager(5*time.Second, 100)

	var wg sync.WaitGroup
	var ok bool
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, err = mgr.Confirm(context.Background(), confirmPrompt())
	}()

	req := waitPending(t, mgr, 1)[0]
	if req.TaskID != "task-1" || req.SenderInfo.PID != 4242 {
		t.Errorf("pending request = %+v", req)
	}
	if err := mgr.Approve(req.ID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	wg.Wait()

	if err != nil || !ok {
		t.Errorf("Confirm = %v, %v; want true, nil", ok, err)
	}
	if mgr.PendingCount() != 0 {
		t.Errorf("pending after approve = %d", mgr.PendingCount())
	}
}

func TestManager_Confirm_Denied(t *testing.T) {
	mgr := NewManager(5*time.Second, 100)

	done := make(chan bool)
	go func() {
		ok, _ := mgr.Confirm(context.Background(), confirmPrompt())
		done <- ok
	}()

	req := waitPending(t, mgr, 1)[0]
	if err := mgr.Deny(req.ID); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	if <-done {
		t.Error("denied prompt reported as confirmed")
	}
	if err := mgr.Deny(req.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Deny = %v, want ErrNotFound", err)
	}
}

func TestManager_Confirm_Timeout(t *testing.T) {
	mgr := NewManager(50*time.Millisecond, 100)
	ok, err := mgr.Confirm(context.Background(), confirmPrompt())
	if ok || !errors.Is(err, ErrTimeout) {
		t.Errorf("Confirm = %v, %v; want false, ErrTimeout", ok, err)
	}
	h := mgr.History()
	if len(h) != 1 || h[0].Resolution != ResolutionExpired {
		t.Errorf("history = %+v", h)
	}
}

func TestManager_Confirm_ContextCanceled(t *testing.T) {
	mgr := NewManager(5*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error)
	go func() {
		_, err := mgr.Confirm(ctx, confirmPrompt())
		errc <- err
	}()
	waitPending(t, mgr, 1)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if mgr.PendingCount() != 0 {
		t.Errorf("pending after cancel = %d", mgr.PendingCount())
	}
	h := mgr.History()
	if len(h) != 1 || h[0].Resolution != ResolutionCancelled {
		t.Errorf("history = %+v", h)
	}
}

func TestManager_Choose(t *testing.T) {
	mgr := NewManager(5*time.Second, 100)
	p := confirmPrompt()
	p.Kind = task.PromptChoosePackage
	p.Choices = []task.Choice{{ID: "vim;1;x86_64;f", Label: "vim"}, {ID: "nvim;1;x86_64;f", Label: "nvim"}}

	type result struct {
		id  string
		ok  bool
		err error
	}
	done := make(chan result)
	go func() {
		id, ok, err := mgr.Choose(context.Background(), p)
		done <- result{id, ok, err}
	}()

	req := waitPending(t, mgr, 1)[0]
	if err := mgr.Approve(req.ID); !errors.Is(err, ErrChoiceRequired) {
		t.Errorf("Approve on multi-choice = %v, want ErrChoiceRequired", err)
	}
	if err := mgr.Pick(req.ID, "emacs"); !errors.Is(err, ErrInvalidChoice) {
		t.Errorf("Pick invalid = %v, want ErrInvalidChoice", err)
	}
	if err := mgr.Pick(req.ID, "nvim;1;x86_64;f"); err != nil {
		t.Fatalf("Pick: %v", err)
	}
	r := <-done
	if r.err != nil || !r.ok || r.id != "nvim;1;x86_64;f" {
		t.Errorf("Choose = %+v", r)
	}
}

func TestManager_ChooseSingleApproves(t *testing.T) {
	mgr := NewManager(5*time.Second, 100)
	p := confirmPrompt()
	p.Choices = []task.Choice{{ID: "only", Label: "only"}}

	done := make(chan string)
	go func() {
		id, _, _ := mgr.Choose(context.Background(), p)
		done <- id
	}()
	req := waitPending(t, mgr, 1)[0]
	if err := mgr.Approve(req.ID); err != nil {
		t.Fatal(err)
	}
	if id := <-done; id != "only" {
		t.Errorf("choice = %q", id)
	}
}

func TestManager_DenyTask(t *testing.T) {
	mgr := NewManager(5*time.Second, 100)
	var wg sync.WaitGroup
	for _, id := range []string{"a", "a", "b"} {
		p := confirmPrompt()
		p.TaskID = id
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Confirm(context.Background(), p) //nolint:errcheck
		}()
	}
	waitPending(t, mgr, 3)
	if n := mgr.DenyTask("a"); n != 2 {
		t.Errorf("DenyTask = %d, want 2", n)
	}
	if mgr.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", mgr.PendingCount())
	}
	mgr.DenyTask("b")
	wg.Wait()
}

type recordingObserver struct {
	mu     sync.Mutex
	events []EventType
}

func (o *recordingObserver) OnEvent(e Event) {
	o.mu.Lock()
	o.events = append(o.events, e.Type)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func TestManager_ObserversAndHistory(t *testing.T) {
	mgr := NewManager(5*time.Second, 2)
	obs := &recordingObserver{}
	mgr.Subscribe(obs)

	for i := 0; i < 3; i++ {
		go mgr.Confirm(context.Background(), confirmPrompt()) //nolint:errcheck
		req := waitPending(t, mgr, 1)[0]
		if err := mgr.Approve(req.ID); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for obs.count() < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if obs.count() != 6 {
		t.Errorf("observer saw %d events, want 6", obs.count())
	}
	if h := mgr.History(); len(h) != 2 {
		t.Errorf("history len = %d, want 2 (trimmed)", len(h))
	}

	mgr.Unsubscribe(obs)
}

func TestManager_SenderLookup(t *testing.T) {
	mgr := NewManager(50*time.Millisecond, 10)
	mgr.SetSenderLookup(func(c task.Caller) SenderInfo {
		return SenderInfo{Sender: c.Sender, PID: c.PID, Invoker: "gedit"}
	})
	go mgr.Confirm(context.Background(), confirmPrompt()) //nolint:errcheck
	req := waitPending(t, mgr, 1)[0]
	if req.SenderInfo.Invoker != "gedit" {
		t.Errorf("sender info = %+v", req.SenderInfo)
	}
}
