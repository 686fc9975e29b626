package dht

import (
	"container/heap"
	"fmt"
	"net/netip"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/golang/glog"
)

const (
	// Lookup parallelism per task.
	maxConcurrentRequests = 10
	// A lookup is stable once this many responses in a row left its closest
	// set unchanged.
	stableResponses = 2
)

type taskState int

const (
	taskInitial taskState = iota
	taskQueued
	taskRunning
	taskFinished
)

func (s taskState) String() string {
	switch s {
	case taskInitial:
		return "initial"
	case taskQueued:
		return "queued"
	case taskRunning:
		return "running"
	}
	return "finished"
}

// candidate is a node a task may query. Seeds are bare addresses without a
// known ID.
type candidate struct {
	id    Key
	hasID bool
	addr  netip.AddrPort
	token string
}

func (c candidate) nodeInfo() NodeInfo {
	return NodeInfo{ID: c.id, Addr: c.addr}
}

// candidateHeap orders candidates by distance to target, seeds first.
type candidateHeap struct {
	target Key
	items  []candidate
}

func (h *candidateHeap) Len() int { return len(h.items) }

func (h *candidateHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.hasID != b.hasID {
		return !a.hasID
	}
	return a.id.CloserTo(h.target, b.id)
}

func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *candidateHeap) Push(x any) { h.items = append(h.items, x.(candidate)) }

func (h *candidateHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

func (h *candidateHeap) peek() (candidate, bool) {
	if len(h.items) == 0 {
		return candidate{}, false
	}
	return h.items[0], true
}

// closestSet is the bounded, ordered set of the nodes nearest to the target
// that answered.
type closestSet struct {
	target Key
	max    int
	nodes  []NodeInfo
}

// insert adds n and reports whether the set changed.
func (s *closestSet) insert(n NodeInfo) bool {
	for _, x := range s.nodes {
		if x.ID == n.ID {
			return false
		}
	}
	i := 0
	for i < len(s.nodes) && s.nodes[i].ID.CloserTo(s.target, n.ID) {
		i++
	}
	if i >= s.max {
		return false
	}
	s.nodes = append(s.nodes, NodeInfo{})
	copy(s.nodes[i+1:], s.nodes[i:])
	s.nodes[i] = n
	if len(s.nodes) > s.max {
		s.nodes = s.nodes[:s.max]
	}
	return true
}

func (s *closestSet) full() bool { return len(s.nodes) >= s.max }

// accepts reports whether id would make it into the set.
func (s *closestSet) accepts(id Key) bool {
	if !s.full() {
		return true
	}
	return id.CloserTo(s.target, s.nodes[len(s.nodes)-1].ID)
}

// taskStrategy is the variant specific part of a task. Methods other than
// kind run with the task locked.
type taskStrategy interface {
	kind() string
	request(t *Task, to candidate) *Message
	handleResponse(t *Task, c *rpcCall, rsp *Message)
	handleTimeout(t *Task, c *rpcCall)
	isDone(t *Task) bool
	maxInFlight(t *Task) int
}

// TaskListener is told once when a task finishes.
type TaskListener func(t *Task)

// Task is an iterative operation over a set of nodes, driven by the
// responses to its calls.
type Task struct {
	id       int
	target   Key
	srv      *rpcServer
	table    *routingTable
	sched    *scheduler
	strategy taskStrategy
	k        int
	info     string
	priority bool

	mu          sync.Mutex
	state       taskState
	seeds       []candidate
	todo        candidateHeap
	visited     map[Key]bool
	visitedAddr map[netip.AddrPort]bool
	closest     closestSet
	stable      int
	listeners   []TaskListener
	sent        int
	outstanding int
	stalled     int
	responses   int
	failed      int
	startTime   time.Time
	finishTime  time.Time
}

func newTask(target Key, srv *rpcServer, table *routingTable, s taskStrategy) *Task {
	k := kNodes
	if table != nil {
		k = table.k
	}
	return &Task{
		target:      target,
		srv:         srv,
		table:       table,
		sched:       srv.sched,
		strategy:    s,
		k:           k,
		todo:        candidateHeap{target: target},
		visited:     make(map[Key]bool),
		visitedAddr: make(map[netip.AddrPort]bool),
		closest:     closestSet{target: target, max: k},
	}
}

func (t *Task) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("%s#%d target:%v state:%v sent:%d out:%d stalled:%d recv:%d failed:%d todo:%d %s",
		t.strategy.kind(), t.id, t.target[:4], t.state, t.sent, t.outstanding, t.stalled,
		t.responses, t.failed, t.todo.Len(), t.info)
}

// ID is the task number assigned by the task manager.
func (t *Task) ID() int { return t.id }

func (t *Task) Target() Key { return t.target }

// SetInfo attaches a description shown in diagnostics.
func (t *Task) SetInfo(s string) { t.info = s }

func (t *Task) isFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == taskFinished
}

// AddListener registers l to run when the task finishes. Listeners added to a
// finished task run right away.
func (t *Task) AddListener(l TaskListener) {
	t.mu.Lock()
	if t.state != taskFinished {
		t.listeners = append(t.listeners, l)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	runTaskListener(t, l)
}

// addSeed queues an address without known ID. Seeds go out first.
func (t *Task) addSeed(addr netip.AddrPort) {
	t.mu.Lock()
	t.seeds = append(t.seeds, candidate{addr: addr})
	t.mu.Unlock()
}

// addCandidates pushes nodes into the todo queue.
func (t *Task) addCandidates(nodes []NodeInfo) {
	t.mu.Lock()
	for _, n := range nodes {
		t.addCandidateLocked(candidate{id: n.ID, hasID: true, addr: n.Addr})
	}
	t.mu.Unlock()
}

// addCandidateLocked queues c unless it was visited, is us, or can't improve
// the closest set.
func (t *Task) addCandidateLocked(c candidate) bool {
	if t.visited[c.id] || t.visitedAddr[c.addr] {
		return false
	}
	if t.table != nil && (t.table.isLocalID(c.id) || !t.table.acceptable(c.addr)) {
		return false
	}
	if !t.closest.accepts(c.id) {
		return false
	}
	for _, x := range t.todo.items {
		if x.id == c.id {
			return false
		}
	}
	heap.Push(&t.todo, c)
	return true
}

// hasCloserCandidateLocked reports whether the todo queue still holds a node
// that could enter the closest set.
func (t *Task) hasCloserCandidateLocked() bool {
	c, ok := t.todo.peek()
	return ok && t.closest.accepts(c.id)
}

// nextCandidateLocked pops the best unvisited candidate.
func (t *Task) nextCandidateLocked() (candidate, bool) {
	for len(t.seeds) > 0 {
		c := t.seeds[0]
		t.seeds = t.seeds[1:]
		if t.visitedAddr[c.addr] {
			continue
		}
		t.visitedAddr[c.addr] = true
		return c, true
	}
	for t.todo.Len() > 0 {
		c := heap.Pop(&t.todo).(candidate)
		if t.visited[c.id] || t.visitedAddr[c.addr] {
			continue
		}
		if !t.closest.accepts(c.id) {
			continue
		}
		t.visited[c.id] = true
		t.visitedAddr[c.addr] = true
		return c, true
	}
	return candidate{}, false
}

func (t *Task) canDoRequestLocked() bool {
	if t.state != taskRunning {
		return false
	}
	if t.outstanding-t.stalled >= t.strategy.maxInFlight(t) {
		return false
	}
	return t.srv.isRunning() && t.srv.isReachable() && t.srv.hasCallCapacity()
}

func (t *Task) hasWorkLocked() bool {
	return len(t.seeds) > 0 || t.todo.Len() > 0
}

// isDoneLocked is the termination check shared by all tasks: nothing left to
// ask and nothing in flight, or the variant decided it has enough.
func (t *Task) isDoneLocked() bool {
	if !t.hasWorkLocked() && t.outstanding == 0 {
		return true
	}
	return t.strategy.isDone(t)
}

func (t *Task) start() {
	t.mu.Lock()
	if t.state == taskFinished {
		t.mu.Unlock()
		return
	}
	t.state = taskRunning
	t.startTime = t.srv.clk.Now()
	t.mu.Unlock()
	log.V(2).Infof("DHT: started %v", t)
	t.update()
}

// update sends as many requests as the task may have in flight. Calls are
// issued after the task lock is released, since a failing send reports back
// synchronously.
func (t *Task) update() {
	var calls []*rpcCall
	t.mu.Lock()
	if t.state != taskRunning {
		t.mu.Unlock()
		return
	}
	for t.canDoRequestLocked() {
		c, ok := t.nextCandidateLocked()
		if !ok {
			break
		}
		req := t.strategy.request(t, c)
		if req == nil {
			continue
		}
		var expected *Key
		if c.hasID {
			id := c.id
			expected = &id
		}
		call := newRPCCall(req, expected)
		call.addListener(t)
		t.sent++
		t.outstanding++
		calls = append(calls, call)
	}
	done := t.isDoneLocked()
	t.mu.Unlock()
	for _, c := range calls {
		t.srv.doCall(c)
	}
	if done {
		t.finish()
	}
}

func (t *Task) scheduleUpdate() {
	if !t.sched.execute(t.update) {
		t.kill()
	}
}

// onStall lets another request go out in place of the stalled one.
func (t *Task) onStall(c *rpcCall) {
	t.mu.Lock()
	if t.state == taskFinished {
		t.mu.Unlock()
		return
	}
	t.stalled++
	t.mu.Unlock()
	t.scheduleUpdate()
}

func (t *Task) onResponse(c *rpcCall, rsp *Message) {
	t.mu.Lock()
	if t.state == taskFinished {
		t.mu.Unlock()
		return
	}
	t.outstanding--
	if c.stalled {
		t.stalled--
	}
	if !c.matchesExpectedID(rsp) {
		t.failed++
		t.mu.Unlock()
		t.scheduleUpdate()
		return
	}
	t.responses++
	t.visited[rsp.ID] = true
	if t.closest.insert(NodeInfo{ID: rsp.ID, Addr: c.destination()}) {
		t.stable = 0
	} else {
		t.stable++
	}
	t.strategy.handleResponse(t, c, rsp)
	t.mu.Unlock()
	t.scheduleUpdate()
}

func (t *Task) onTimeout(c *rpcCall) {
	t.mu.Lock()
	if t.state == taskFinished {
		t.mu.Unlock()
		return
	}
	t.outstanding--
	if c.stalled {
		t.stalled--
	}
	t.failed++
	t.strategy.handleTimeout(t, c)
	t.mu.Unlock()
	t.scheduleUpdate()
}

// kill stops the task. Outstanding calls complete, but their results are
// ignored.
func (t *Task) kill() {
	t.finish()
}

func (t *Task) finish() {
	t.mu.Lock()
	if t.state == taskFinished {
		t.mu.Unlock()
		return
	}
	t.state = taskFinished
	if t.srv != nil {
		t.finishTime = t.srv.clk.Now()
	}
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()
	log.V(2).Infof("DHT: finished %v", t)
	for _, l := range listeners {
		runTaskListener(t, l)
	}
}

func runTaskListener(t *Task, l TaskListener) {
	defer func() {
		if x := recover(); x != nil {
			log.Errorf("DHT: task listener for %s#%d panicked: %v\n%s", t.strategy.kind(), t.id, x, debug.Stack())
			totalRecoveredPanics.Add(1)
		}
	}()
	l(t)
}

// ClosestNodes returns the nodes nearest to the target that responded,
// closest first.
func (t *Task) ClosestNodes() []NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]NodeInfo(nil), t.closest.nodes...)
}

// lookupStable is the stop rule of the lookups: the closest set is full, a
// couple of responses in a row didn't change it, and nothing queued could.
func (t *Task) lookupStable() bool {
	return t.closest.full() && t.stable >= stableResponses && !t.hasCloserCandidateLocked()
}
