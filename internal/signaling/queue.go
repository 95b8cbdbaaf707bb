package signaling

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/trickle/internal/util"
)

// DefaultCandidateCacheSize is the number of remote candidate keys from
// earlier rounds remembered for deduplication.
const DefaultCandidateCacheSize = 256

type eventKind int

const (
	eventMessage eventKind = iota
	eventLocalCandidate
	eventConnectionState
	eventRenegotiate
)

// event is one unit of work for the session loop.
type event struct {
	kind      eventKind
	msg       Message
	candidate *Candidate
	connState ConnectionState
	offerOpts OfferOptions
}

// inbox is an unbounded FIFO of events. push never blocks, so callbacks and
// read loops can hand over events while the session loop is busy inside an
// adapter call.
type inbox struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(e event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes the oldest event.
func (q *inbox) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	e := q.items[0]
	q.items[0] = event{}
	q.items = q.items[1:]
	return e, true
}

// ready fires after at least one push since the last receive.
func (q *inbox) ready() <-chan struct{} {
	return q.signal
}

// discard drops every queued event and returns how many there were.
func (q *inbox) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// candidateQueue buffers remote candidates that arrived before the remote
// description was applied.
type candidateQueue struct {
	items []*Candidate
}

func (q *candidateQueue) push(c *Candidate) { q.items = append(q.items, c) }
func (q *candidateQueue) len() int          { return len(q.items) }

// drain hands out the queued candidates in arrival order and empties the queue.
func (q *candidateQueue) drain() []*Candidate {
	items := q.items
	q.items = nil
	return items
}

// candidateFilter drops redelivered remote candidates. Keys accepted in the
// current round are kept exactly. When a round ends they move to a bounded
// LRU, so a copy of an earlier round's candidate that arrives late is
// dropped as stale instead of being applied to the new round.
type candidateFilter struct {
	round   map[uint64]struct{}
	retired *lru.Cache[uint64, struct{}]
}

func newCandidateFilter(size int) (*candidateFilter, error) {
	if size <= 0 {
		size = DefaultCandidateCacheSize
	}
	retired, err := lru.New[uint64, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &candidateFilter{round: make(map[uint64]struct{}), retired: retired}, nil
}

// duplicate records c and reports whether it was already accepted in this
// round or belongs to an earlier one. The end-of-candidates marker is per
// round.
func (f *candidateFilter) duplicate(c *Candidate) bool {
	key := candidateKey(c)
	if _, ok := f.round[key]; ok {
		return true
	}
	if c != nil && f.retired.Contains(key) {
		return true
	}
	f.round[key] = struct{}{}
	return false
}

// reset retires the keys of the current round.
func (f *candidateFilter) reset() {
	null := candidateKey(nil)
	for key := range f.round {
		if key != null {
			f.retired.Add(key, struct{}{})
		}
	}
	f.round = make(map[uint64]struct{})
}

func candidateKey(c *Candidate) uint64 {
	if c == nil {
		return util.Hash("null")
	}

	mid, index, ufrag := "-", "-", "-"
	if c.SDPMid != nil {
		mid = "mid:" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		index = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	if c.UsernameFragment != nil {
		ufrag = "ufrag:" + *c.UsernameFragment
	}
	return util.Hash("candidate", c.Candidate, mid, index, ufrag)
}
