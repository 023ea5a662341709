package storage

// Change notification: a coarse "something changed" broadcast. Subscribers
// get a buffered channel; a pending signal is coalesced rather than queued,
// so one receive may cover many mutations.

const changeBufferSize = 1

// SubscribeChanges registers a change listener. The returned cancel func
// must be called when the listener is done.
func (s *Store) SubscribeChanges() (<-chan struct{}, func()) {
	s.watchersMu.Lock()
	s.watcherSeq++
	id := s.watcherSeq
	ch := make(chan struct{}, changeBufferSize)
	s.watchers[id] = ch
	s.watchersMu.Unlock()

	cancel := func() {
		s.watchersMu.Lock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
		s.watchersMu.Unlock()
	}
	return ch, cancel
}

// notifyChanged signals all listeners after a committed mutation.
// Non-blocking: a listener that already has a pending signal is skipped.
func (s *Store) notifyChanged() {
	s.watchersMu.RLock()
	defer s.watchersMu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) closeWatchers() {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
}
