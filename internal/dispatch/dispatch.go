// Package dispatch correlates tasks sent to probe sessions with the
// asynchronous replies that come back over the same WebSocket
// connection. It is the controller-side half of a simple RPC-over-
// pub/sub scheme: a one-shot waiter is registered under a generated
// task id, the task is pushed onto the probe's channel, and the
// waiter either receives a reply or times out.
//
// The waiter map and one-shot-channel-per-request shape is
// non-blocking, drop-if-unroutable publish/subscribe bookkeeping,
// applied to a single-reply-per-id request/response instead of a
// broadcast topic.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcprobe/controller/internal/applog"
	"github.com/mcprobe/controller/internal/probesession"
)

// DefaultTimeout bounds how long SendTask waits for a probe's reply.
const DefaultTimeout = 6 * time.Second

// TaskKindPing is the only task kind a probe currently recognizes.
const TaskKindPing = "ping"

// Task is the envelope sent to a probe.
type Task struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Target   string `json:"target"`
	Port     uint16 `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// Result is what a probe eventually replies with for a Task. A task
// that never reaches a probe, or whose probe never replies in time,
// is represented the same way as a genuine reply: Success=false with
// a descriptive Error, never a Go error.
type Result struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

// Dispatcher hands tasks to registered probe sessions and resolves
// their replies.
type Dispatcher struct {
	mu      sync.Mutex
	waiters map[string]chan Result

	sessions *probesession.Manager
}

// NewDispatcher builds a Dispatcher over sessions. The caller must
// still call sessions.SetReplyHandler(d.Resolve) to wire inbound
// frames back into this dispatcher.
func NewDispatcher(sessions *probesession.Manager) *Dispatcher {
	return &Dispatcher{
		waiters:  make(map[string]chan Result),
		sessions: sessions,
	}
}

// Resolve delivers a reply to whichever waiter is registered under
// taskID. A reply for an unknown or already-resolved id (a late
// reply after the waiter timed out and was removed) is silently
// dropped.
func (d *Dispatcher) Resolve(taskID string, success bool, data json.RawMessage, errMsg string) {
	d.mu.Lock()
	ch, ok := d.waiters[taskID]
	if ok {
		delete(d.waiters, taskID)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	ch <- Result{Success: success, Data: data, Error: errMsg}
}

func (d *Dispatcher) register(taskID string) chan Result {
	ch := make(chan Result, 1)
	d.mu.Lock()
	d.waiters[taskID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregister(taskID string) {
	d.mu.Lock()
	delete(d.waiters, taskID)
	d.mu.Unlock()
}

// SendTask mints a task id, sends a ping task for target/port/protocol
// to the named probe, and waits for its reply or ctx/DefaultTimeout,
// whichever is sooner. An unknown probe, a transport send failure, or
// a timeout all come back as a Result with Success=false rather than
// a Go error: the caller always gets a settled outcome to report.
func (d *Dispatcher) SendTask(ctx context.Context, probeID, protocol, target string, port uint16) Result {
	sess, ok := d.sessions.Get(probeID)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("Probe %s not found", probeID)}
	}

	taskID := uuid.NewString()
	task := Task{ID: taskID, Type: TaskKindPing, Target: target, Port: port, Protocol: protocol}

	waiter := d.register(taskID)
	defer d.unregister(taskID)

	if err := sess.Send(task); err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	select {
	case res := <-waiter:
		return res
	case <-timeoutCtx.Done():
		return Result{Success: false, Error: "Task timeout"}
	}
}

// broadcastEntry pairs a probe id with its independent outcome.
type broadcastEntry struct {
	probeID string
	result  Result
}

// BroadcastTask sends the same task to every currently connected
// probe and collects each one's outcome independently: one probe's
// failure or timeout never affects another's result. An empty probe
// set yields an empty map.
func (d *Dispatcher) BroadcastTask(ctx context.Context, protocol, target string, port uint16) map[string]Result {
	sessions := d.sessions.Snapshot()
	if len(sessions) == 0 {
		return map[string]Result{}
	}

	log := applog.For("dispatch")
	out := make(chan broadcastEntry, len(sessions))
	var wg sync.WaitGroup

	for _, sess := range sessions {
		wg.Add(1)
		go func(probeID string) {
			defer wg.Done()
			res := d.SendTask(ctx, probeID, protocol, target, port)
			if !res.Success {
				log.WithField("probe", probeID).WithField("error", res.Error).Warn("broadcast task did not succeed")
			}
			out <- broadcastEntry{probeID: probeID, result: res}
		}(sess.ID)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make(map[string]Result, len(sessions))
	for entry := range out {
		results[entry.probeID] = entry.result
	}
	return results
}
