package mailidx

import "sync"

// ChangeKind distinguishes the events a Watcher receives.
type ChangeKind int

const (
	ChangeExpunge ChangeKind = iota
	ChangeFlags
)

// Change describes one applied mutation, delivered to in-process watchers
// registered via Index.Watch. It intentionally mirrors what gets appended
// to the ModifyLog collaborator, since a Watcher is just a cheaper,
// same-process way to learn the same thing.
type Change struct {
	Kind     ChangeKind
	Seq      uint32 // sequence number at the time of the mutation
	UID      UID
	MsgFlags MsgFlag // meaningful only for ChangeFlags
	External bool
}

// Watcher receives Change events broadcast by this process's own mutations
// to the index. It does not see changes another process made; callers
// needing that should poll ModifyLog.ReadSince instead.
type Watcher struct {
	Pending chan struct{} // receives a value whenever Get would return something new

	n *notifier

	mu      sync.Mutex
	changes []Change
}

// Get drains and returns the changes accumulated since the last Get call.
func (w *Watcher) Get() []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.changes
	w.changes = nil
	return c
}

// Close stops delivery to this watcher.
func (w *Watcher) Close() {
	w.n.unregister(w)
}

// notifier fans out Change values to registered Watchers. Registration and
// unregistration go through a mutex rather than the teacher's
// register-channel-plus-goroutine pattern, since a single Index has no
// equivalent of the multi-account switchboard that pattern exists for.
type notifier struct {
	mu       sync.Mutex
	watchers map[*Watcher]struct{}
}

func newNotifier() *notifier {
	return &notifier{watchers: map[*Watcher]struct{}{}}
}

// Watch registers a new Watcher. Callers must call Watcher.Close when done.
func (idx *Index) Watch() *Watcher {
	w := &Watcher{
		Pending: make(chan struct{}, 1),
		n:       idx.notifier,
	}
	idx.notifier.mu.Lock()
	idx.notifier.watchers[w] = struct{}{}
	idx.notifier.mu.Unlock()
	return w
}

func (n *notifier) unregister(w *Watcher) {
	n.mu.Lock()
	delete(n.watchers, w)
	n.mu.Unlock()
}

func (n *notifier) broadcast(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for w := range n.watchers {
		w.mu.Lock()
		w.changes = append(w.changes, c)
		w.mu.Unlock()
		select {
		case w.Pending <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.watchers = map[*Watcher]struct{}{}
}
