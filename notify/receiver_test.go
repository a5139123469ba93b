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

package notify

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/bgxfer/task"
)

type recordingHandler struct {
	mu        sync.Mutex
	responses []*task.Response
	notifies  []*task.NotifyData
	faults    []FaultEvent
	waits     []WaitEvent
	broken    int
	events    chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 64)}
}

func (h *recordingHandler) OnResponse(resp *task.Response) {
	h.mu.Lock()
	h.responses = append(h.responses, resp)
	h.mu.Unlock()
	h.events <- "response"
}

func (h *recordingHandler) OnNotifyData(nd *task.NotifyData) {
	h.mu.Lock()
	h.notifies = append(h.notifies, nd)
	h.mu.Unlock()
	h.events <- "notify"
}

func (h *recordingHandler) OnFaults(ev FaultEvent) {
	h.mu.Lock()
	h.faults = append(h.faults, ev)
	h.mu.Unlock()
	h.events <- "faults"
}

func (h *recordingHandler) OnWait(ev WaitEvent) {
	h.mu.Lock()
	h.waits = append(h.waits, ev)
	h.mu.Unlock()
	h.events <- "wait"
}

func (h *recordingHandler) OnChannelBroken() {
	h.mu.Lock()
	h.broken++
	h.mu.Unlock()
	h.events <- "broken"
}

func (h *recordingHandler) next(t *testing.T) string {
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler event")
		return ""
	}
}

// send writes one frame and returns the acknowledged byte count.
func send(t *testing.T, peer net.Conn, frame []byte) int32 {
	_, err := peer.Write(frame)
	require.NoError(t, err)
	ack := make([]byte, 4)
	_, err = io.ReadFull(peer, ack)
	require.NoError(t, err)
	return int32(binary.NativeEndian.Uint32(ack))
}

func TestReceiverDeliversInOrder(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	handler := newRecordingHandler()
	recv := NewReceiver(local, handler)
	recv.Start()

	enc := &Encoder{}
	nd := sampleNotify()
	raw, err := enc.NotifyData(nd)
	require.NoError(t, err)
	assert.EqualValues(t, len(raw), send(t, peer, raw))
	assert.Equal(t, "notify", handler.next(t))

	raw, err = enc.Faults(FaultEvent{TaskID: 77, Type: task.SubscribeFailed, Reason: task.ReasonIOError})
	require.NoError(t, err)
	send(t, peer, raw)
	assert.Equal(t, "faults", handler.next(t))

	raw, err = enc.Wait(WaitEvent{TaskID: 77, Reason: task.WaitingTaskQueueFull})
	require.NoError(t, err)
	send(t, peer, raw)
	assert.Equal(t, "wait", handler.next(t))

	handler.mu.Lock()
	assert.Equal(t, nd, handler.notifies[0])
	assert.Equal(t, task.ReasonIOError, handler.faults[0].Reason)
	assert.Equal(t, task.WaitingTaskQueueFull, handler.waits[0].Reason)
	handler.mu.Unlock()

	recv.Stop()
	assert.Equal(t, "broken", handler.next(t))
	<-recv.Done()
}

func TestReceiverSurvivesMalformedFrames(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	handler := newRecordingHandler()
	recv := NewReceiver(local, handler)
	recv.Start()
	defer recv.Stop()

	enc := &Encoder{}
	good, err := enc.NotifyData(sampleNotify())
	require.NoError(t, err)

	// short frame, bad magic, and out-of-sequence id are all tolerated
	assert.EqualValues(t, 5, send(t, peer, good[:5]))
	badMagic := append([]byte{}, good...)
	badMagic[0] ^= 0xff
	send(t, peer, badMagic)
	assert.Equal(t, "notify", handler.next(t))

	skipped := &Encoder{nextID: 40}
	raw, err := skipped.Wait(WaitEvent{TaskID: 1})
	require.NoError(t, err)
	send(t, peer, raw)
	assert.Equal(t, "wait", handler.next(t))
	assert.EqualValues(t, 41, recv.expectedID.Load())
}

func TestReceiverPeerClose(t *testing.T) {
	local, peer := net.Pipe()
	handler := newRecordingHandler()
	recv := NewReceiver(local, handler)
	recv.Start()

	require.NoError(t, peer.Close())
	assert.Equal(t, "broken", handler.next(t))
	<-recv.Done()
	assert.False(t, recv.Stopped())

	// stopping after the fact does not report a second break
	recv.Stop()
	recv.Stop()
	handler.mu.Lock()
	assert.Equal(t, 1, handler.broken)
	handler.mu.Unlock()
}

type stoppingHandler struct {
	*recordingHandler
	recv *Receiver
}

func (h *stoppingHandler) OnWait(ev WaitEvent) {
	h.recv.Stop()
	h.recordingHandler.OnWait(ev)
}

func TestReceiverStopFromCallback(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	handler := &stoppingHandler{recordingHandler: newRecordingHandler()}
	recv := NewReceiver(local, handler)
	handler.recv = recv
	recv.Start()

	raw, err := (&Encoder{}).Wait(WaitEvent{TaskID: 3})
	require.NoError(t, err)
	send(t, peer, raw)
	assert.Equal(t, "wait", handler.next(t))
	assert.Equal(t, "broken", handler.next(t))
	<-recv.Done()
	assert.True(t, recv.Stopped())
}
