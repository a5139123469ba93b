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
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/bgxfer/metrics"
	"github.com/pelicanplatform/bgxfer/task"
)

// readBufferSize holds the largest frame the header can describe.
const readBufferSize = HeaderSize + MaxBodySize + 1

// Handler receives decoded frames. Calls are made from the receiver's
// goroutine one at a time, in the order the frames arrived.
type Handler interface {
	OnResponse(resp *task.Response)
	OnNotifyData(nd *task.NotifyData)
	OnFaults(ev FaultEvent)
	OnWait(ev WaitEvent)
	// OnChannelBroken is called once after the receiver stops, whatever
	// the cause.
	OnChannelBroken()
}

// Receiver reads frames from a message-oriented connection, acknowledges
// each one and hands it to a Handler.
type Receiver struct {
	conn    net.Conn
	handler Handler

	expectedID *atomic.Int32
	stopped    *atomic.Bool
	closeOnce  sync.Once
	brokenOnce sync.Once
	done       chan struct{}
}

// NewReceiver wraps conn; nothing is read until Start.
func NewReceiver(conn net.Conn, handler Handler) *Receiver {
	return &Receiver{
		conn:       conn,
		handler:    handler,
		expectedID: atomic.NewInt32(0),
		stopped:    atomic.NewBool(false),
		done:       make(chan struct{}),
	}
}

// Start launches the reader goroutine.
func (r *Receiver) Start() {
	go r.run()
}

// Stop closes the connection. It may be called any number of times, from
// any goroutine, including from inside a Handler callback.
func (r *Receiver) Stop() {
	r.stopped.Store(true)
	r.close()
}

// Done is closed once the reader goroutine has exited.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Stopped reports whether Stop was called.
func (r *Receiver) Stopped() bool {
	return r.stopped.Load()
}

func (r *Receiver) close() {
	r.closeOnce.Do(func() {
		if err := r.conn.Close(); err != nil {
			log.Debugf("Closing notification channel: %v", err)
		}
	})
}

func (r *Receiver) run() {
	defer close(r.done)
	defer r.brokenOnce.Do(r.handler.OnChannelBroken)
	defer r.close()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			if !r.stopped.Load() {
				log.Warnf("Notification channel read failed: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		if err := r.ack(n); err != nil {
			if !r.stopped.Load() {
				log.Warnf("Notification channel ack failed: %v", err)
			}
			return
		}
		r.handle(buf[:n])
	}
}

// ack tells the peer how many bytes of the frame were consumed.
func (r *Receiver) ack(n int) error {
	reply := order.AppendUint32(make([]byte, 0, 4), uint32(int32(n)))
	_, err := r.conn.Write(reply)
	return err
}

func (r *Receiver) handle(raw []byte) {
	frame, err := Decode(raw)
	if err != nil {
		metrics.FramesMalformed.Inc()
		log.Warnf("Dropping malformed notification frame (%d bytes): %v", len(raw), err)
		if header, headerErr := DecodeHeader(raw); headerErr == nil {
			r.checkSequence(header)
		}
		return
	}
	r.checkSequence(frame.Header)
	metrics.FramesReceived.WithLabelValues(frame.Header.Type.String()).Inc()

	switch {
	case frame.Response != nil:
		r.handler.OnResponse(frame.Response)
	case frame.Notify != nil:
		r.handler.OnNotifyData(frame.Notify)
	case frame.Faults != nil:
		r.handler.OnFaults(*frame.Faults)
	case frame.Wait != nil:
		r.handler.OnWait(*frame.Wait)
	}
}

// checkSequence logs frames with a bad magic or an unexpected message id.
// Neither is fatal; the next expected id follows the id just seen.
func (r *Receiver) checkSequence(h Header) {
	if h.Magic != Magic {
		log.Warnf("Notification frame %d has bad magic 0x%08x", h.MsgID, h.Magic)
	}
	expected := r.expectedID.Swap(h.MsgID + 1)
	if h.MsgID != expected {
		metrics.FrameSequenceGaps.Inc()
		log.Warnf("Notification frame id %d out of sequence, expected %d", h.MsgID, expected)
	}
}
