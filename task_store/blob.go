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

package task_store

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/bgxfer/task"
)

// Vector columns are stored as little-endian, length-prefixed blobs so the
// file stays readable on any host.

var errShortBlob = errors.New("blob column is truncated")

type blobWriter struct {
	buf []byte
}

func (w *blobWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *blobWriter) i32(v int32) {
	w.u32(uint32(v))
}

func (w *blobWriter) i64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *blobWriter) boolean(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *blobWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *blobWriter) fileSpec(spec task.FileSpec) {
	w.str(spec.Name)
	w.str(spec.URI)
	w.str(spec.Filename)
	w.str(spec.MimeType)
	w.i32(spec.Fd)
	w.boolean(spec.IsUserFile)
}

type blobReader struct {
	buf []byte
}

func (r *blobReader) u32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, errShortBlob
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, nil
}

func (r *blobReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *blobReader) i64() (int64, error) {
	if len(r.buf) < 8 {
		return 0, errShortBlob
	}
	v := binary.LittleEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return int64(v), nil
}

func (r *blobReader) boolean() (bool, error) {
	if len(r.buf) < 1 {
		return false, errShortBlob
	}
	v := r.buf[0] != 0
	r.buf = r.buf[1:]
	return v, nil
}

func (r *blobReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint64(len(r.buf)) < uint64(n) {
		return "", errShortBlob
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s, nil
}

// count reads a vector length and rejects lengths that cannot possibly fit
// in what is left of the blob.
func (r *blobReader) count(minElem int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minElem) > uint64(len(r.buf)) {
		return 0, errShortBlob
	}
	return int(n), nil
}

func (r *blobReader) fileSpec() (spec task.FileSpec, err error) {
	if spec.Name, err = r.str(); err != nil {
		return
	}
	if spec.URI, err = r.str(); err != nil {
		return
	}
	if spec.Filename, err = r.str(); err != nil {
		return
	}
	if spec.MimeType, err = r.str(); err != nil {
		return
	}
	if spec.Fd, err = r.i32(); err != nil {
		return
	}
	spec.IsUserFile, err = r.boolean()
	return
}

func encodeStrings(values []string) []byte {
	w := &blobWriter{}
	w.u32(uint32(len(values)))
	for _, v := range values {
		w.str(v)
	}
	return w.buf
}

func decodeStrings(blob []byte) ([]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := &blobReader{buf: blob}
	n, err := r.count(4)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	values := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.str()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func encodeInt64s(values []int64) []byte {
	w := &blobWriter{}
	w.u32(uint32(len(values)))
	for _, v := range values {
		w.i64(v)
	}
	return w.buf
}

func decodeInt64s(blob []byte) ([]int64, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := &blobReader{buf: blob}
	n, err := r.count(8)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	values := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.i64()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// encodeStringMap writes keys in sorted order so identical maps produce
// identical blobs.
func encodeStringMap(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := &blobWriter{}
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(values[k])
	}
	return w.buf
}

func decodeStringMap(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := &blobReader{buf: blob}
	n, err := r.count(8)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	values := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.str()
		if err != nil {
			return nil, err
		}
		values[k] = v
	}
	return values, nil
}

func encodeFileSpecs(specs []task.FileSpec) []byte {
	w := &blobWriter{}
	w.u32(uint32(len(specs)))
	for _, spec := range specs {
		w.fileSpec(spec)
	}
	return w.buf
}

func decodeFileSpecs(blob []byte) ([]task.FileSpec, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := &blobReader{buf: blob}
	n, err := r.count(21)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	specs := make([]task.FileSpec, 0, n)
	for i := 0; i < n; i++ {
		spec, err := r.fileSpec()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func encodeFormItems(items []task.FormItem) []byte {
	w := &blobWriter{}
	w.u32(uint32(len(items)))
	for _, item := range items {
		w.str(item.Name)
		w.str(item.Value)
		w.boolean(item.File != nil)
		if item.File != nil {
			w.fileSpec(*item.File)
		}
	}
	return w.buf
}

func decodeFormItems(blob []byte) ([]task.FormItem, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := &blobReader{buf: blob}
	n, err := r.count(9)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	items := make([]task.FormItem, 0, n)
	for i := 0; i < n; i++ {
		var item task.FormItem
		if item.Name, err = r.str(); err != nil {
			return nil, err
		}
		if item.Value, err = r.str(); err != nil {
			return nil, err
		}
		hasFile, err := r.boolean()
		if err != nil {
			return nil, err
		}
		if hasFile {
			spec, err := r.fileSpec()
			if err != nil {
				return nil, err
			}
			item.File = &spec
		}
		items = append(items, item)
	}
	return items, nil
}

func encodeFileStates(states []task.FileState) []byte {
	w := &blobWriter{}
	w.u32(uint32(len(states)))
	for _, state := range states {
		w.str(state.Path)
		w.u32(state.ResponseCode)
		w.str(state.Message)
	}
	return w.buf
}

func decodeFileStates(blob []byte) ([]task.FileState, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := &blobReader{buf: blob}
	n, err := r.count(12)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	states := make([]task.FileState, 0, n)
	for i := 0; i < n; i++ {
		var state task.FileState
		if state.Path, err = r.str(); err != nil {
			return nil, err
		}
		if state.ResponseCode, err = r.u32(); err != nil {
			return nil, err
		}
		if state.Message, err = r.str(); err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}
