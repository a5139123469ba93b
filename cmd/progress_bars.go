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

package main

import (
	"context"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/pelicanplatform/bgxfer/task"
)

type (
	progressStatus struct {
		label string
		xfer  int64 // Bytes transferred so far
		size  int64 // Total size, -1 while unknown
		state task.State
	}

	progressBar struct {
		progressStatus
		bar *mpb.Bar
	}

	// progressBars tracks the tasks being watched. It is fed from listener
	// callbacks and redrawn on a ticker.
	progressBars struct {
		lock    sync.RWMutex
		status  map[string]progressStatus
		pending int
		allDone chan struct{}
	}
)

func newProgressBars() *progressBars {
	return &progressBars{
		status:  make(map[string]progressStatus),
		allDone: make(chan struct{}),
	}
}

// track adds a task to the set; tasks already terminal count as done.
func (pb *progressBars) track(tid, label string, progress task.Progress) {
	pb.lock.Lock()
	if _, ok := pb.status[tid]; !ok {
		pb.pending++
	}
	pb.status[tid] = progressStatus{label: label, size: -1}
	pb.lock.Unlock()
	pb.update(tid, progress)
}

// update records new progress for tid. Closing allDone happens once, when
// the last tracked task reaches a terminal state.
func (pb *progressBars) update(tid string, progress task.Progress) {
	pb.lock.Lock()
	defer pb.lock.Unlock()
	stat, ok := pb.status[tid]
	if !ok {
		return
	}
	wasTerminal := stat.state.IsTerminal()
	stat.state = progress.State
	stat.xfer = int64(progress.TotalProcessed)
	if size := totalSize(progress); size >= 0 {
		stat.size = size
	}
	pb.status[tid] = stat
	if !wasTerminal && stat.state.IsTerminal() {
		pb.pending--
		if pb.pending == 0 {
			close(pb.allDone)
		}
	}
}

func (pb *progressBars) snapshot() map[string]progressStatus {
	pb.lock.RLock()
	defer pb.lock.RUnlock()
	copied := make(map[string]progressStatus, len(pb.status))
	for tid, stat := range pb.status {
		copied[tid] = stat
	}
	return copied
}

func (pb *progressBars) state(tid string) task.State {
	pb.lock.RLock()
	defer pb.lock.RUnlock()
	return pb.status[tid].state
}

func (pb *progressBars) unfinished() []string {
	pb.lock.RLock()
	defer pb.lock.RUnlock()
	var tids []string
	for tid, stat := range pb.status {
		if !stat.state.IsTerminal() {
			tids = append(tids, tid)
		}
	}
	return tids
}

// display draws the bars until ctx is cancelled. Log output is routed
// through the progress container while it runs.
func (pb *progressBars) display(ctx context.Context) error {
	progressCtr := mpb.NewWithContext(ctx)
	log.SetOutput(progressCtr)
	defer func() {
		log.SetOutput(os.Stderr)
		progressCtr.Wait()
	}()

	tickDuration := 200 * time.Millisecond
	ticker := time.NewTicker(tickDuration)
	defer ticker.Stop()
	pbMap := make(map[string]*progressBar)
	for {
		select {
		case <-ctx.Done():
			for _, bar := range pbMap {
				if !bar.bar.Completed() {
					bar.bar.Abort(false)
				}
			}
			return nil
		case <-ticker.C:
			for tid, newStatus := range pb.snapshot() {
				current := pbMap[tid]
				if current == nil {
					current = &progressBar{
						progressStatus: progressStatus{size: -1},
						bar: progressCtr.AddBar(0,
							mpb.PrependDecorators(
								decor.Name(tid+" "+newStatus.label, decor.WCSyncSpaceR),
								decor.CountersKibiByte("% .2f / % .2f"),
							),
							mpb.AppendDecorators(
								decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 15), ""),
								decor.OnComplete(decor.Name(" ] "), ""),
								decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 15, decor.WCSyncSpace),
								decor.Any(func(decor.Statistics) string {
									return pb.state(tid).String()
								}, decor.WCSyncSpace),
							),
						),
					}
					pbMap[tid] = current
				}
				if current.size < 0 && newStatus.size >= 0 {
					current.bar.SetTotal(newStatus.size, false)
				}
				current.bar.EwmaSetCurrent(newStatus.xfer, tickDuration)
				if newStatus.state.IsTerminal() && !current.state.IsTerminal() {
					if newStatus.state == task.StateCompleted {
						current.bar.SetTotal(-1, true)
					} else {
						current.bar.Abort(false)
					}
				}
				current.progressStatus = newStatus
			}
		}
	}
}
