package livequery

import "github.com/zoravur/livequery/internal/storage"

// Token identifies a registered observer, returned by AddObserver for later
// use with RemoveObserver. Tokens are monotonically increasing within a
// single LiveQuery.
type Token uint64

// nextTokenLocked returns a token greater than every token this LiveQuery
// has handed out before, so a removed token is never reused. Must be called
// with cbMu held.
func (lq *LiveQuery) nextTokenLocked() Token {
	t := Token(lq.nextToken)
	lq.nextToken++
	return t
}

// AddObserver registers fn to be called with the accumulated changeset (or
// an error) on every future delivery whose view version differs from what
// this observer has already seen. paths declares the link columns, rooted
// at the query's table, this observer additionally depends on; a nil/empty
// paths means "only the query's own table matters". Safe from any thread.
func (lq *LiveQuery) AddObserver(paths [][]int, fn func([]Change, error)) Token {
	lq.cbMu.Lock()
	token := lq.nextTokenLocked()
	wasIdle := !lq.haveObservers
	lq.observers = append(lq.observers, &observer{
		token:     uint64(token),
		fn:        fn,
		delivered: storage.VersionNever,
		paths:     paths,
	})
	lq.haveObservers = true
	lq.cbMu.Unlock()

	// Only the first observer after an idle period wakes the coordinator;
	// if observers were already registered, the next Run picks this one up.
	if wasIdle && lq.coordinator != nil {
		lq.coordinator.RequestCommitNotification()
	}
	return token
}

// RemoveObserver unregisters token. Safe from any thread; safe to call
// from within a callback of this same LiveQuery (the in-progress dispatch
// cursor is adjusted so it still points at the same logical "next"
// observer after the removal). Absent tokens are tolerated only while an
// error is pending — any other miss indicates a caller bug (double-remove).
func (lq *LiveQuery) RemoveObserver(token Token) {
	lq.cbMu.Lock()
	defer lq.cbMu.Unlock()

	idx := -1
	for i, o := range lq.observers {
		if o.token == uint64(token) {
			idx = i
			break
		}
	}
	if idx < 0 {
		if lq.pendingErr == nil {
			panic("livequery: RemoveObserver called with unknown token")
		}
		return
	}

	if lq.cursor != noCursor && lq.cursor >= idx {
		lq.cursor--
	}
	lq.observers = append(lq.observers[:idx], lq.observers[idx+1:]...)
	lq.haveObservers = len(lq.observers) > 0
}

// nextCallback advances the dispatch cursor to the next observer whose
// delivered version differs from the LiveQuery's current delivered
// version (or any observer at all, if an error is pending), marks it
// delivered, and returns its callback. Returns nil once the list is
// exhausted, resetting the cursor to noCursor.
func (lq *LiveQuery) nextCallback() func([]Change, error) {
	lq.cbMu.Lock()
	defer lq.cbMu.Unlock()

	for lq.cursor++; lq.cursor < len(lq.observers); lq.cursor++ {
		o := lq.observers[lq.cursor]
		if lq.pendingErr != nil || o.delivered != lq.deliveredVersion {
			o.delivered = lq.deliveredVersion
			return o.fn
		}
	}
	lq.cursor = noCursor
	return nil
}

// CallCallbacks drains the dispatch cursor, invoking every observer that
// hasn't yet seen the current delivered version. Callbacks run without
// cbMu held, so they may freely add or remove observers of this same
// LiveQuery. Owning-thread only. After an error has been delivered to
// every observer, the observer list is cleared — it is terminal.
func (lq *LiveQuery) CallCallbacks() {
	for fn := lq.nextCallback(); fn != nil; fn = lq.nextCallback() {
		fn(lq.changes, lq.pendingErr)
	}

	if lq.pendingErr != nil {
		lq.cbMu.Lock()
		lq.observers = nil
		lq.haveObservers = false
		lq.cursor = noCursor
		lq.cbMu.Unlock()
	}
	lq.changes = nil
}
