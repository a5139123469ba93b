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

// Package notify decodes the binary frames the transfer service pushes over
// the notification channel and delivers them to a Handler.
//
// A frame is a fixed header followed by a body whose layout depends on the
// message type:
//
//	u32 magic | i32 message id | i16 message type | i16 body size | body
//
// Integers use the host byte order and strings are NUL terminated.
package notify

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/bgxfer/task"
)

const (
	// Magic starts every frame.
	Magic uint32 = 0x43434646
	// HeaderSize is the encoded size of the frame header.
	HeaderSize = 12
	// MaxBodySize is the largest body the i16 size field can describe.
	MaxBodySize = math.MaxInt16
)

// MessageType selects the body layout of a frame.
type MessageType int16

const (
	MsgHTTPResponse MessageType = 0
	MsgNotifyData   MessageType = 1
	MsgFaults       MessageType = 2
	MsgWait         MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MsgHTTPResponse:
		return "response"
	case MsgNotifyData:
		return "notify"
	case MsgFaults:
		return "faults"
	case MsgWait:
		return "wait"
	}
	return "unknown"
}

var (
	ErrShortFrame  = errors.New("frame is truncated")
	ErrUnknownType = errors.New("unknown message type")
)

type (
	// Header is the fixed prefix of every frame.
	Header struct {
		Magic    uint32
		MsgID    int32
		Type     MessageType
		BodySize int16
	}

	// FaultEvent reports the reason a task failed or stopped.
	FaultEvent struct {
		TaskID uint32
		Type   task.SubscribeType
		Reason task.Reason
	}

	// WaitEvent reports why a task went to the waiting state.
	WaitEvent struct {
		TaskID uint32
		Reason task.WaitingReason
	}

	// Frame is one decoded message. Exactly one of the body pointers is set,
	// matching Header.Type.
	Frame struct {
		Header   Header
		Response *task.Response
		Notify   *task.NotifyData
		Faults   *FaultEvent
		Wait     *WaitEvent
	}
)

var order = binary.NativeEndian

// cursor reads scalars from a frame, checking the remaining length before
// every read.
type cursor struct {
	buf []byte
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || len(c.buf) < n {
		return nil, ErrShortFrame
	}
	out := c.buf[:n]
	c.buf = c.buf[n:]
	return out, nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(b), nil
}

func (c *cursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(b), nil
}

func (c *cursor) str() (string, error) {
	end := bytes.IndexByte(c.buf, 0)
	if end < 0 {
		return "", errors.Wrap(ErrShortFrame, "string is not terminated")
	}
	s := string(c.buf[:end])
	c.buf = c.buf[end+1:]
	return s, nil
}

// count reads a vector length and rejects lengths that cannot fit in the
// remaining bytes given the smallest encoded element size.
func (c *cursor) count(minElem int) (int, error) {
	n, err := c.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minElem) > uint64(len(c.buf)) {
		return 0, errors.Wrapf(ErrShortFrame, "vector of %d elements does not fit", n)
	}
	return int(n), nil
}

// DecodeHeader reads the fixed frame header.
func DecodeHeader(frame []byte) (Header, error) {
	c := &cursor{buf: frame}
	var h Header
	var err error
	if h.Magic, err = c.u32(); err != nil {
		return h, err
	}
	if h.MsgID, err = c.i32(); err != nil {
		return h, err
	}
	typ, err := c.u16()
	if err != nil {
		return h, err
	}
	h.Type = MessageType(typ)
	size, err := c.u16()
	if err != nil {
		return h, err
	}
	h.BodySize = int16(size)
	return h, nil
}

// Decode parses a whole frame. The magic and message id are returned as
// found; checking them is left to the caller.
func Decode(frame []byte) (*Frame, error) {
	header, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if header.BodySize < 0 || len(frame)-HeaderSize < int(header.BodySize) {
		return nil, errors.Wrapf(ErrShortFrame, "body size %d exceeds %d available bytes",
			header.BodySize, len(frame)-HeaderSize)
	}
	c := &cursor{buf: frame[HeaderSize : HeaderSize+int(header.BodySize)]}

	f := &Frame{Header: header}
	switch header.Type {
	case MsgHTTPResponse:
		f.Response, err = decodeResponse(c)
	case MsgNotifyData:
		f.Notify, err = decodeNotifyData(c)
	case MsgFaults:
		f.Faults, err = decodeFaults(c)
	case MsgWait:
		f.Wait, err = decodeWait(c)
	default:
		return nil, errors.Wrapf(ErrUnknownType, "type %d", header.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "malformed %s body", header.Type)
	}
	return f, nil
}

func decodeResponse(c *cursor) (*task.Response, error) {
	tid, err := c.i32()
	if err != nil {
		return nil, err
	}
	resp := &task.Response{Tid: task.FormatTid(uint32(tid))}
	if resp.Version, err = c.str(); err != nil {
		return nil, err
	}
	if resp.StatusCode, err = c.i32(); err != nil {
		return nil, err
	}
	if resp.Reason, err = c.str(); err != nil {
		return nil, err
	}
	block, err := c.str()
	if err != nil {
		return nil, err
	}
	resp.Headers = parseHeaderBlock(block)
	return resp, nil
}

// parseHeaderBlock splits "key: v1,v2" lines. Lines without a colon are
// skipped.
func parseHeaderBlock(block string) map[string][]string {
	headers := make(map[string][]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		for _, v := range strings.Split(value, ",") {
			headers[key] = append(headers[key], strings.TrimSpace(v))
		}
	}
	return headers
}

func decodeNotifyData(c *cursor) (*task.NotifyData, error) {
	var (
		nd  task.NotifyData
		v   uint32
		err error
	)
	if v, err = c.u32(); err != nil {
		return nil, err
	}
	nd.Type = task.SubscribeType(v)
	if nd.TaskID, err = c.u32(); err != nil {
		return nil, err
	}
	if v, err = c.u32(); err != nil {
		return nil, err
	}
	nd.Progress.State = task.State(v)
	if nd.Progress.Index, err = c.u32(); err != nil {
		return nil, err
	}
	if nd.Progress.Processed, err = c.u64(); err != nil {
		return nil, err
	}
	if nd.Progress.TotalProcessed, err = c.u64(); err != nil {
		return nil, err
	}

	n, err := c.count(8)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		nd.Progress.Sizes = make([]int64, 0, n)
	}
	for i := 0; i < n; i++ {
		size, err := c.u64()
		if err != nil {
			return nil, err
		}
		nd.Progress.Sizes = append(nd.Progress.Sizes, int64(size))
	}

	if n, err = c.count(2); err != nil {
		return nil, err
	}
	if n > 0 {
		nd.Progress.Extras = make(map[string]string, n)
	}
	for i := 0; i < n; i++ {
		key, err := c.str()
		if err != nil {
			return nil, err
		}
		value, err := c.str()
		if err != nil {
			return nil, err
		}
		nd.Progress.Extras[key] = value
	}

	if v, err = c.u32(); err != nil {
		return nil, err
	}
	nd.Action = task.Action(v)
	if v, err = c.u32(); err != nil {
		return nil, err
	}
	nd.Version = task.Version(v)

	if n, err = c.count(6); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		var fs task.FileState
		if fs.Path, err = c.str(); err != nil {
			return nil, err
		}
		if fs.ResponseCode, err = c.u32(); err != nil {
			return nil, err
		}
		if fs.Message, err = c.str(); err != nil {
			return nil, err
		}
		nd.TaskStates = append(nd.TaskStates, fs)
	}
	return &nd, nil
}

func decodeFaults(c *cursor) (*FaultEvent, error) {
	var ev FaultEvent
	var v uint32
	var err error
	if ev.TaskID, err = c.u32(); err != nil {
		return nil, err
	}
	if v, err = c.u32(); err != nil {
		return nil, err
	}
	ev.Type = task.SubscribeType(v)
	if v, err = c.u32(); err != nil {
		return nil, err
	}
	ev.Reason = task.Reason(v)
	return &ev, nil
}

func decodeWait(c *cursor) (*WaitEvent, error) {
	var ev WaitEvent
	var v uint32
	var err error
	if ev.TaskID, err = c.u32(); err != nil {
		return nil, err
	}
	if v, err = c.u32(); err != nil {
		return nil, err
	}
	ev.Reason = task.WaitingReason(v)
	return &ev, nil
}

// Encoder produces frames in the service's format with consecutive message
// ids. It is used by tools that stand in for the service.
type Encoder struct {
	nextID int32
}

type writer struct {
	buf []byte
}

func (w *writer) u32(v uint32) { w.buf = order.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = order.AppendUint64(w.buf, v) }
func (w *writer) str(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (e *Encoder) frame(typ MessageType, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, errors.Errorf("%s body of %d bytes exceeds %d", typ, len(body), MaxBodySize)
	}
	out := make([]byte, 0, HeaderSize+len(body))
	out = order.AppendUint32(out, Magic)
	out = order.AppendUint32(out, uint32(e.nextID))
	out = order.AppendUint16(out, uint16(typ))
	out = order.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)
	e.nextID++
	return out, nil
}

// Response encodes an HTTP response frame. Header values are joined with
// commas, one header per line.
func (e *Encoder) Response(resp *task.Response) ([]byte, error) {
	tid, err := task.ParseTid(resp.Tid)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var block strings.Builder
	for _, k := range keys {
		block.WriteString(k)
		block.WriteString(": ")
		block.WriteString(strings.Join(resp.Headers[k], ","))
		block.WriteByte('\n')
	}

	w := &writer{}
	w.u32(tid)
	w.str(resp.Version)
	w.u32(uint32(resp.StatusCode))
	w.str(resp.Reason)
	w.str(block.String())
	return e.frame(MsgHTTPResponse, w.buf)
}

// NotifyData encodes a progress style frame.
func (e *Encoder) NotifyData(nd *task.NotifyData) ([]byte, error) {
	w := &writer{}
	w.u32(uint32(nd.Type))
	w.u32(nd.TaskID)
	w.u32(uint32(nd.Progress.State))
	w.u32(nd.Progress.Index)
	w.u64(nd.Progress.Processed)
	w.u64(nd.Progress.TotalProcessed)
	w.u32(uint32(len(nd.Progress.Sizes)))
	for _, size := range nd.Progress.Sizes {
		w.u64(uint64(size))
	}
	keys := make([]string, 0, len(nd.Progress.Extras))
	for k := range nd.Progress.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(nd.Progress.Extras[k])
	}
	w.u32(uint32(nd.Action))
	w.u32(uint32(nd.Version))
	w.u32(uint32(len(nd.TaskStates)))
	for _, fs := range nd.TaskStates {
		w.str(fs.Path)
		w.u32(fs.ResponseCode)
		w.str(fs.Message)
	}
	return e.frame(MsgNotifyData, w.buf)
}

// Faults encodes a fault frame.
func (e *Encoder) Faults(ev FaultEvent) ([]byte, error) {
	w := &writer{}
	w.u32(ev.TaskID)
	w.u32(uint32(ev.Type))
	w.u32(uint32(ev.Reason))
	return e.frame(MsgFaults, w.buf)
}

// Wait encodes a wait frame.
func (e *Encoder) Wait(ev WaitEvent) ([]byte, error) {
	w := &writer{}
	w.u32(ev.TaskID)
	w.u32(uint32(ev.Reason))
	return e.frame(MsgWait, w.buf)
}
