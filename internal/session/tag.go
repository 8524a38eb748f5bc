package session

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/styxd/pkg/styx"
)

// inflight tracks one outstanding request. done closes when the handler
// is finished with the tag, whether it replied or was flushed; flushed
// tells the handler to suppress its own response.
type inflight struct {
	done    chan struct{}
	flushed atomic.Bool
}

// tagSet is the per-session registry of tags currently being serviced.
type tagSet struct {
	mu       sync.Mutex
	inflight map[styx.Tag]*inflight
}

func newTagSet() *tagSet {
	return &tagSet{inflight: make(map[styx.Tag]*inflight)}
}

// begin registers tag as in flight. Reusing a tag before the prior
// response is a protocol violation and fails with ErrTagInFlight.
func (t *tagSet) begin(tag styx.Tag) (*inflight, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[tag]; ok {
		return nil, ErrTagInFlight
	}
	op := &inflight{done: make(chan struct{})}
	t.inflight[tag] = op
	return op, nil
}

// end retires op. The tag slot is only vacated if it still belongs to
// op; a session reset may have replaced the registry contents under a
// long-running handler.
func (t *tagSet) end(tag styx.Tag, op *inflight) {
	t.mu.Lock()
	if cur, ok := t.inflight[tag]; ok && cur == op {
		delete(t.inflight, tag)
	}
	t.mu.Unlock()
	close(op.done)
}

// flush marks the request tagged old as cancelled and returns its
// inflight record so the caller can wait for it to finish. Returns nil
// when old is not in flight (already completed or never seen), which
// flush treats as trivial success.
func (t *tagSet) flush(old styx.Tag) *inflight {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.inflight[old]
	if !ok {
		return nil
	}
	op.flushed.Store(true)
	return op
}

// reset discards every registration. Outstanding handlers still close
// their own done channels; they just no longer occupy a tag slot.
func (t *tagSet) reset() {
	t.mu.Lock()
	t.inflight = make(map[styx.Tag]*inflight)
	t.mu.Unlock()
}
