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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bgxfer_channel_frames_total",
		Help: "Frames read from the notification channel, by message type",
	}, []string{"type"})

	FramesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgxfer_channel_frames_malformed_total",
		Help: "Frames dropped because their body could not be decoded",
	})

	FrameSequenceGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgxfer_channel_sequence_gaps_total",
		Help: "Frames whose message id was not the expected next id",
	})

	ChannelOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgxfer_channel_opens_total",
		Help: "Times the notification channel was opened or reopened",
	})

	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bgxfer_remote_calls_total",
		Help: "Control calls issued to the task service, by operation and result code",
	}, []string{"op", "code"})

	RemoteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgxfer_remote_retries_total",
		Help: "Control calls retried after the service handle died",
	})

	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bgxfer_tasks_tracked",
		Help: "Task records currently held by the client",
	})

	PathGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bgxfer_path_grants_total",
		Help: "Path permission grant attempts, by result",
	}, []string{"result"})

	TrackedPaths = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bgxfer_paths_tracked",
		Help: "Paths holding a reference-counted ACL entry",
	})

	StoreRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgxfer_store_rebuilds_total",
		Help: "Times the task database was deleted and recreated after corruption",
	})

	StoreRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgxfer_store_interrupted_tasks_total",
		Help: "Task records moved to failed because they claimed to be running at startup",
	})
)
