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
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/bgxfer/notify"
	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_store"
)

// channelHandler routes frames from one receiver into the per-task queues.
// It runs on the receiver's goroutine and never blocks on a listener.
type channelHandler struct {
	client   *Client
	receiver *notify.Receiver
}

// route queues ev for tid. Frames for unknown tasks are dropped.
func (h *channelHandler) route(tid uint32, ev event) *clientTask {
	t := h.client.lookup(tid)
	if t == nil {
		if h.client.removed.Has(tid) {
			log.Tracef("Dropping frame for removed task %d", tid)
		} else {
			log.Debugf("Dropping frame for unknown task %d", tid)
		}
		return nil
	}
	if !t.queue.push(ev) {
		log.Tracef("Dropping frame for task %d being torn down", tid)
		return nil
	}
	return t
}

func (h *channelHandler) OnResponse(resp *task.Response) {
	tid, err := task.ParseTid(resp.Tid)
	if err != nil {
		log.Warnf("Response frame carries bad task id %q", resp.Tid)
		return
	}
	h.route(tid, event{kind: eventResponse, response: resp})
}

func (h *channelHandler) OnNotifyData(nd *task.NotifyData) {
	if h.route(nd.TaskID, event{kind: eventNotify, data: nd}) == nil {
		return
	}
	if nd.Type == task.SubscribeRemove {
		h.client.teardown(nd.TaskID)
	}
}

func (h *channelHandler) OnFaults(ev notify.FaultEvent) {
	h.route(ev.TaskID, event{kind: eventFaults, fault: ev})
}

func (h *channelHandler) OnWait(ev notify.WaitEvent) {
	h.route(ev.TaskID, event{kind: eventWait, wait: ev})
}

// OnChannelBroken forgets the receiver; the next call that needs the
// channel opens a new one.
func (h *channelHandler) OnChannelBroken() {
	log.Info("Notification channel closed")
	h.client.resetChannel(h.receiver)
}

// stateRecorder writes the state changes carried by notifications into the
// store. It runs on the task's dispatch goroutine, ahead of the listeners,
// so it sees the task's events in order.
type stateRecorder struct {
	store *task_store.Store
	tid   uint32
	// reason of the latest fault frame, used for a failure notified after it
	reason task.Reason
}

func (r *stateRecorder) record(ev event) {
	if r.store == nil {
		return
	}
	var state task.State
	reason := task.ReasonOK
	switch ev.kind {
	case eventNotify:
		switch ev.data.Type {
		case task.SubscribeCompleted, task.SubscribeResume:
			r.reason = task.ReasonOK
			state = ev.data.Progress.State
		case task.SubscribePause:
			state = task.StatePaused
			reason = r.reason
		case task.SubscribeFailed:
			state = task.StateFailed
			reason = r.reason
			if reason == task.ReasonOK {
				reason = task.ReasonOthersError
			}
		default:
			return
		}
	case eventFaults:
		r.reason = ev.fault.Reason
		reason = ev.fault.Reason
		switch ev.fault.Type {
		case task.SubscribeFailed:
			state = task.StateFailed
		case task.SubscribePause:
			state = task.StatePaused
		default:
			return
		}
	default:
		return
	}
	err := r.store.UpdateState(r.tid, state, reason)
	if errors.Is(err, task.ErrTaskNotFound) {
		log.Debugf("Task %d has no stored record to update", r.tid)
	} else if err != nil {
		log.Warnf("Failed to record %s state of task %d: %v", state, r.tid, err)
	}
}
