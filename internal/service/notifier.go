package service

import "sync"

// notifier wakes request goroutines waiting on a saga they do not drive.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: map[string]map[chan struct{}]struct{}{}}
}

// subscribe returns a channel closed on the next notify for id.
func (n *notifier) subscribe(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	set := n.subs[id]
	if set == nil {
		set = map[chan struct{}]struct{}{}
		n.subs[id] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.subs[id]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(n.subs, id)
			}
		}
	}
}

func (n *notifier) notify(id string) {
	n.mu.Lock()
	set := n.subs[id]
	delete(n.subs, id)
	n.mu.Unlock()
	for ch := range set {
		close(ch)
	}
}

func (n *notifier) pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
