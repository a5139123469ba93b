/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package task_client

import (
	"sync"

	"github.com/pelicanplatform/bgxfer/notify"
	"github.com/pelicanplatform/bgxfer/task"
)

type (
	// ResponseListener receives the HTTP response head of a task's request.
	ResponseListener interface {
		OnResponseReceive(resp *task.Response)
	}

	// NotifyListener receives progress style events for the kinds it was
	// registered under. Listeners are compared with ==, so register a
	// pointer or another comparable value.
	NotifyListener interface {
		OnNotifyDataReceive(nd *task.NotifyData)
		OnFaultsReceive(tid string, kind task.SubscribeType, reason task.Reason, fault task.Fault)
		OnWaitReceive(tid string, reason task.WaitingReason)
	}

	// NotifyFuncs adapts plain functions to NotifyListener. Nil fields are
	// skipped.
	NotifyFuncs struct {
		Data   func(nd *task.NotifyData)
		Faults func(tid string, kind task.SubscribeType, reason task.Reason, fault task.Fault)
		Wait   func(tid string, reason task.WaitingReason)
	}

	// ResponseFunc adapts a function to ResponseListener.
	ResponseFunc struct {
		F func(resp *task.Response)
	}
)

func (n *NotifyFuncs) OnNotifyDataReceive(nd *task.NotifyData) {
	if n.Data != nil {
		n.Data(nd)
	}
}

func (n *NotifyFuncs) OnFaultsReceive(tid string, kind task.SubscribeType, reason task.Reason, fault task.Fault) {
	if n.Faults != nil {
		n.Faults(tid, kind, reason, fault)
	}
}

func (n *NotifyFuncs) OnWaitReceive(tid string, reason task.WaitingReason) {
	if n.Wait != nil {
		n.Wait(tid, reason)
	}
}

func (r *ResponseFunc) OnResponseReceive(resp *task.Response) {
	if r.F != nil {
		r.F(resp)
	}
}

type eventKind int

const (
	eventResponse eventKind = iota
	eventNotify
	eventFaults
	eventWait
	// eventTeardown runs after every event queued before it and ends the
	// task's dispatch goroutine.
	eventTeardown
)

type event struct {
	kind     eventKind
	response *task.Response
	data     *task.NotifyData
	fault    notify.FaultEvent
	wait     notify.WaitEvent
	teardown func()
}

// dispatcher is an unbounded FIFO drained by one goroutine, so a slow
// listener never stalls the channel reader and events for one task are
// delivered in arrival order.
type dispatcher struct {
	mu      sync.Mutex
	pending []event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push queues ev. It reports false once the dispatcher has shut down.
func (d *dispatcher) push(ev event) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, ev)
	if ev.kind == eventTeardown {
		d.closed = true
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) run(deliver func(event)) {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.pending[0]
			d.pending[0] = event{}
			d.pending = d.pending[1:]
			d.mu.Unlock()

			if ev.kind == eventTeardown {
				if ev.teardown != nil {
					ev.teardown()
				}
				return
			}
			deliver(ev)
		}
	}
}

// clientTask is the client's record of one task: its listeners and the
// queue their events flow through.
type clientTask struct {
	tid uint32

	mu       sync.Mutex
	response []ResponseListener
	notify   map[task.SubscribeType][]NotifyListener
	grants   []string

	queue *dispatcher
}

func newClientTask(tid uint32) *clientTask {
	return &clientTask{
		tid:    tid,
		notify: make(map[task.SubscribeType][]NotifyListener),
		queue:  newDispatcher(),
	}
}

// subscribedKinds lists the kinds the service must push for this task.
// Remove is always included.
func (t *clientTask) subscribedKinds() []task.SubscribeType {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := []task.SubscribeType{task.SubscribeRemove}
	if len(t.response) > 0 {
		kinds = append(kinds, task.SubscribeResponse)
	}
	for kind := task.SubscribeCompleted; kind < task.SubscribeButt; kind++ {
		if kind != task.SubscribeRemove && len(t.notify[kind]) > 0 {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// addResponse reports whether l is the first response listener.
func (t *clientTask) addResponse(l ResponseListener) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.response {
		if existing == l {
			return false
		}
	}
	t.response = append(t.response, l)
	return len(t.response) == 1
}

// removeResponse reports whether l was found and whether it was the last.
func (t *clientTask) removeResponse(l ResponseListener) (found, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, existing := range t.response {
		if existing == l {
			t.response = append(t.response[:idx:idx], t.response[idx+1:]...)
			return true, len(t.response) == 0
		}
	}
	return false, false
}

func (t *clientTask) addNotify(kind task.SubscribeType, l NotifyListener) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.notify[kind] {
		if existing == l {
			return false
		}
	}
	t.notify[kind] = append(t.notify[kind], l)
	return len(t.notify[kind]) == 1
}

func (t *clientTask) removeNotify(kind task.SubscribeType, l NotifyListener) (found, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	listeners := t.notify[kind]
	for idx, existing := range listeners {
		if existing == l {
			listeners = append(listeners[:idx:idx], listeners[idx+1:]...)
			if len(listeners) == 0 {
				delete(t.notify, kind)
			} else {
				t.notify[kind] = listeners
			}
			return true, len(listeners) == 0
		}
	}
	return false, false
}

func (t *clientTask) responseSnapshot() []ResponseListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ResponseListener(nil), t.response...)
}

func (t *clientTask) notifySnapshot(kind task.SubscribeType) []NotifyListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]NotifyListener(nil), t.notify[kind]...)
}

// deliver hands ev to a snapshot of the listeners taken under the lock.
// Listeners run without the lock held and may add or remove listeners.
func (t *clientTask) deliver(ev event, sdkVersion int) {
	tid := task.FormatTid(t.tid)
	switch ev.kind {
	case eventResponse:
		for _, l := range t.responseSnapshot() {
			l.OnResponseReceive(ev.response)
		}
	case eventNotify:
		for _, l := range t.notifySnapshot(ev.data.Type) {
			l.OnNotifyDataReceive(ev.data)
		}
	case eventFaults:
		fault := task.FaultOf(ev.fault.Reason, sdkVersion)
		for _, l := range t.notifySnapshot(task.SubscribeFaultOccur) {
			l.OnFaultsReceive(tid, ev.fault.Type, ev.fault.Reason, fault)
		}
	case eventWait:
		for _, l := range t.notifySnapshot(task.SubscribeWait) {
			l.OnWaitReceive(tid, ev.wait.Reason)
		}
	}
}
