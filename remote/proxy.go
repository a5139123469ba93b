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

// Package remote defines how the client reaches the transfer service and
// provides an implementation that talks JSON over the service's unix socket.
package remote

import (
	"context"
	"net"

	"github.com/pelicanplatform/bgxfer/task"
)

// ServiceID is the well-known id the transfer service registers under.
const ServiceID = 3706

// Proxy is a handle to a loaded service. Every method fails with a
// task.EUnloadingSA error once the service behind the handle has died; the
// handle must then be dropped and a new one loaded.
type Proxy interface {
	Create(ctx context.Context, cfg *task.Config) (uint32, error)
	Start(ctx context.Context, tid uint32) error
	Pause(ctx context.Context, tid uint32) error
	Resume(ctx context.Context, tid uint32) error
	Stop(ctx context.Context, tid uint32) error
	Remove(ctx context.Context, tid uint32) error
	Show(ctx context.Context, tid uint32) (*task.Info, error)
	Touch(ctx context.Context, tid uint32, token string) (*task.Info, error)
	Query(ctx context.Context, tid uint32) (*task.Info, error)
	Search(ctx context.Context, filter task.Filter) ([]string, error)

	// Subscribe asks the service to push events of one kind for tid over
	// the notification channel.
	Subscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error
	Unsubscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error

	// OpenChannel connects a new notification channel for this client.
	OpenChannel(ctx context.Context) (net.Conn, error)
}

// Locator loads the service, starting it if necessary, and returns a handle
// to it. Load must give up with an error rather than wait forever.
type Locator interface {
	Load(ctx context.Context) (Proxy, error)
}
