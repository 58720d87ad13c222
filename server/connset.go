package server

import (
	"github.com/google/uuid"

	"github.com/kamaroh/pipemux"
	"github.com/kamaroh/pipemux/transport"
)

// connRecord is the pair of pipe halves for one client plus its
// lifecycle state, with a Duplex layered on top to get framing and
// codec handling for free from the root package, and a generated
// identifier used as the connection's address in the public API.
type connRecord struct {
	id     uuid.UUID
	in     transport.Pipe
	out    transport.Pipe
	duplex *pipemux.Duplex
	state  ConnState
}

// ConnState is a connRecord's lifecycle state.
type ConnState int

const (
	StateListening ConnState = iota
	StateConnected
	StateDraining
	StateClosed
)

// connActor owns the live connection set as a single goroutine, serializing
// add/remove/snapshot/count through channels in place of a lock plus a
// synchronized map.
type connActor struct {
	add      chan *connRecord
	remove   chan uuid.UUID
	get      chan getReq
	snapshot chan chan []*connRecord
	count    chan chan int
	stop     chan struct{}
}

type getReq struct {
	id    uuid.UUID
	reply chan *connRecord
}

func newConnActor() *connActor {
	a := &connActor{
		add:      make(chan *connRecord),
		remove:   make(chan uuid.UUID),
		get:      make(chan getReq),
		snapshot: make(chan chan []*connRecord),
		count:    make(chan chan int),
		stop:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *connActor) run() {
	conns := make(map[uuid.UUID]*connRecord)
	for {
		select {
		case rec := <-a.add:
			conns[rec.id] = rec
		case id := <-a.remove:
			delete(conns, id)
		case req := <-a.get:
			req.reply <- conns[req.id]
		case reply := <-a.snapshot:
			list := make([]*connRecord, 0, len(conns))
			for _, rec := range conns {
				list = append(list, rec)
			}
			reply <- list
		case reply := <-a.count:
			reply <- len(conns)
		case <-a.stop:
			return
		}
	}
}

func (a *connActor) Add(rec *connRecord) {
	select {
	case a.add <- rec:
	case <-a.stop:
	}
}

func (a *connActor) Remove(id uuid.UUID) {
	select {
	case a.remove <- id:
	case <-a.stop:
	}
}

func (a *connActor) Get(id uuid.UUID) *connRecord {
	reply := make(chan *connRecord, 1)
	select {
	case a.get <- getReq{id: id, reply: reply}:
		return <-reply
	case <-a.stop:
		return nil
	}
}

// Snapshot returns the currently-connected set at the moment of the
// call. Broadcast iterates this snapshot, not a live view: a client
// added after the snapshot is taken never sees that broadcast.
func (a *connActor) Snapshot() []*connRecord {
	reply := make(chan []*connRecord, 1)
	select {
	case a.snapshot <- reply:
		return <-reply
	case <-a.stop:
		return nil
	}
}

func (a *connActor) Count() int {
	reply := make(chan int, 1)
	select {
	case a.count <- reply:
		return <-reply
	case <-a.stop:
		return 0
	}
}

func (a *connActor) Close() {
	close(a.stop)
}
