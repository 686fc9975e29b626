package dht

import (
	"expvar"
	"fmt"
	"io"
	"sync"
)

// Tasks running at the same time, per DHT. The rest wait in a queue.
const maxActiveTasks = 7

// taskManager starts tasks, at most maxActiveTasks at a time, and keeps the
// rest queued in FIFO order. Priority tasks skip the queue.
type taskManager struct {
	mu     sync.Mutex
	nextID int
	active []*Task
	queue  []*Task
}

func newTaskManager() *taskManager {
	return &taskManager{}
}

// add registers t and starts it when a slot is free.
func (m *taskManager) add(t *Task) {
	m.addTask(t, false)
}

// addPriority puts t ahead of the queued tasks.
func (m *taskManager) addPriority(t *Task) {
	m.addTask(t, true)
}

func (m *taskManager) addTask(t *Task, priority bool) {
	m.mu.Lock()
	m.nextID++
	t.id = m.nextID
	t.priority = priority
	t.mu.Lock()
	if t.state == taskFinished {
		t.mu.Unlock()
		m.mu.Unlock()
		return
	}
	t.state = taskQueued
	t.mu.Unlock()
	if priority {
		m.queue = append([]*Task{t}, m.queue...)
	} else {
		m.queue = append(m.queue, t)
	}
	m.mu.Unlock()
	t.AddListener(m.finished)
	totalTasks.Add(1)
	m.dequeue()
}

// finished is the listener every managed task gets.
func (m *taskManager) finished(t *Task) {
	m.mu.Lock()
	m.active = removeTask(m.active, t)
	m.queue = removeTask(m.queue, t)
	m.mu.Unlock()
	m.dequeue()
}

func removeTask(list []*Task, t *Task) []*Task {
	for i, x := range list {
		if x == t {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// dequeue starts queued tasks while there is room.
func (m *taskManager) dequeue() {
	for {
		m.mu.Lock()
		if len(m.active) >= maxActiveTasks || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.active = append(m.active, t)
		m.mu.Unlock()
		// A failing start can finish the task right away, which calls
		// back into finished.
		t.start()
	}
}

// updateAll pokes every running task, which unsticks tasks that were waiting
// for call capacity or reachability.
func (m *taskManager) updateAll() {
	m.mu.Lock()
	active := append([]*Task(nil), m.active...)
	m.mu.Unlock()
	for _, t := range active {
		t.update()
	}
}

// killAll finishes every active and queued task.
func (m *taskManager) killAll() {
	m.mu.Lock()
	all := append(append([]*Task(nil), m.active...), m.queue...)
	m.queue = nil
	m.mu.Unlock()
	for _, t := range all {
		t.kill()
	}
}

// killTasksOn finishes the tasks bound to srv, used when a server goes away.
func (m *taskManager) killTasksOn(srv *rpcServer) {
	m.mu.Lock()
	var doomed []*Task
	for _, t := range append(append([]*Task(nil), m.active...), m.queue...) {
		if t.srv == srv {
			doomed = append(doomed, t)
		}
	}
	m.mu.Unlock()
	for _, t := range doomed {
		t.kill()
	}
}

func (m *taskManager) numActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *taskManager) numQueued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *taskManager) printDiagnostics(w io.Writer) {
	m.mu.Lock()
	active := append([]*Task(nil), m.active...)
	queued := append([]*Task(nil), m.queue...)
	m.mu.Unlock()
	fmt.Fprintf(w, "# Tasks: %d active, %d queued\n", len(active), len(queued))
	for _, t := range active {
		fmt.Fprintf(w, "  %v\n", t)
	}
	for _, t := range queued {
		fmt.Fprintf(w, "  (queued) %v\n", t)
	}
}

var totalTasks = expvar.NewInt("totalTasks")
