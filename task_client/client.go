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

// Package task_client is the application-facing side of the transfer
// service. It creates and controls tasks through a remote.Proxy, keeps the
// notification channel open, and fans the events read from it out to the
// listeners registered for each task.
//
// Every control call is retried when the service dies underneath it; the
// cached proxy is dropped and the service reloaded before the next attempt.
package task_client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/pelicanplatform/bgxfer/metrics"
	"github.com/pelicanplatform/bgxfer/notify"
	"github.com/pelicanplatform/bgxfer/path_perm"
	"github.com/pelicanplatform/bgxfer/remote"
	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_store"
)

const (
	// DefaultMaxAttempts bounds how often a call is tried while the
	// service keeps dying.
	DefaultMaxAttempts = 5
	// DefaultTombstoneTTL is how long frames for a removed task are dropped
	// without a warning.
	DefaultTombstoneTTL = time.Minute
)

type (
	// Options configures a Client. Store and Permissions are optional.
	Options struct {
		Locator     remote.Locator
		Store       *task_store.Store
		Permissions *path_perm.Manager
		// SDKVersion of the calling application; it gates the fault codes
		// reported to listeners.
		SDKVersion int
		UID        uint64
		Bundle     string

		MaxAttempts  int
		TombstoneTTL time.Duration
	}

	// Client is safe for concurrent use. The task map, the proxy handle and
	// the channel each have their own lock and no two are held together.
	Client struct {
		opts Options

		mu    sync.Mutex
		tasks map[uint32]*clientTask

		proxyMu   sync.Mutex
		proxy     remote.Proxy
		loadGroup singleflight.Group

		chanMu   sync.Mutex
		receiver *notify.Receiver

		removed *ttlcache.Cache[uint32, struct{}]
		closed  *atomic.Bool
	}
)

// New returns a client. Nothing is loaded until the first call.
func New(opts Options) (*Client, error) {
	if opts.Locator == nil {
		return nil, errors.New("task client needs a service locator")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	c := &Client{
		opts:    opts,
		tasks:   make(map[uint32]*clientTask),
		removed: ttlcache.New(ttlcache.WithTTL[uint32, struct{}](opts.TombstoneTTL)),
		closed:  atomic.NewBool(false),
	}
	go c.removed.Start()
	return c, nil
}

// Close stops the notification channel and every dispatch goroutine. The
// store and permission manager belong to the caller and stay open. Close
// waits for queued events to drain and must not be called from a listener.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.chanMu.Lock()
	receiver := c.receiver
	c.receiver = nil
	c.chanMu.Unlock()
	if receiver != nil {
		receiver.Stop()
	}

	c.mu.Lock()
	tasks := c.tasks
	c.tasks = make(map[uint32]*clientTask)
	c.mu.Unlock()
	for _, t := range tasks {
		t.queue.push(event{kind: eventTeardown})
		<-t.queue.done
	}
	metrics.ActiveTasks.Set(0)
	c.removed.Stop()
	return nil
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return task.NewError(task.EServiceError, "task client is closed")
	}
	return nil
}

// loadProxy returns the cached proxy or loads one. Concurrent loads share
// a single call to the locator.
func (c *Client) loadProxy(ctx context.Context) (remote.Proxy, error) {
	c.proxyMu.Lock()
	proxy := c.proxy
	c.proxyMu.Unlock()
	if proxy != nil {
		return proxy, nil
	}

	result, err, _ := c.loadGroup.Do("load", func() (interface{}, error) {
		loaded, err := c.opts.Locator.Load(ctx)
		if err != nil {
			return nil, err
		}
		c.proxyMu.Lock()
		c.proxy = loaded
		c.proxyMu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(remote.Proxy), nil
}

// dropProxy forgets proxy unless another caller already replaced it.
func (c *Client) dropProxy(proxy remote.Proxy) {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	if c.proxy == proxy {
		c.proxy = nil
	}
}

// invoke runs fn against the service, retrying while the service reports
// that it died. Any other error is returned as is.
func (c *Client) invoke(ctx context.Context, op string, fn func(remote.Proxy) error) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	attempts := newAttemptLog()
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		proxy, err := c.loadProxy(ctx)
		if err != nil {
			return err
		}
		err = fn(proxy)
		if task.CodeOf(err) != task.EUnloadingSA {
			return err
		}
		attempts.add(err)
		c.dropProxy(proxy)
		if attempt < c.opts.MaxAttempts {
			metrics.RemoteRetries.Inc()
			log.Debugf("Transfer service died during %s, reloading (attempt %d/%d)", op, attempt, c.opts.MaxAttempts)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "%s abandoned after %d attempts", op, attempt)
		}
	}
	log.Warnf("Giving up on %s: %s", op, attempts)
	return task.NewError(task.EServiceError, fmt.Sprintf("%s failed after %d attempts: %s", op, attempts.len(), attempts))
}

// call is invoke plus recovery from a closed notification channel: the
// channel is reopened, every task is subscribed again and the call is made
// once more.
func (c *Client) call(ctx context.Context, op string, fn func(remote.Proxy) error) error {
	err := c.invoke(ctx, op, fn)
	if task.CodeOf(err) != task.EChannelNotOpen {
		return err
	}
	log.Infof("Service reports the notification channel closed during %s; reopening", op)
	c.resetChannel(nil)
	if err := c.ensureChannel(ctx); err != nil {
		return err
	}
	return c.invoke(ctx, op, fn)
}

// ensureChannel opens the notification channel unless it is already open.
// A freshly opened channel carries no subscriptions, so every known task is
// subscribed again.
func (c *Client) ensureChannel(ctx context.Context) error {
	opened := false
	err := c.invoke(ctx, "open channel", func(proxy remote.Proxy) error {
		c.chanMu.Lock()
		defer c.chanMu.Unlock()
		if receiverAlive(c.receiver) {
			return nil
		}
		conn, err := proxy.OpenChannel(ctx)
		if err != nil {
			return err
		}
		h := &channelHandler{client: c}
		receiver := notify.NewReceiver(conn, h)
		h.receiver = receiver
		c.receiver = receiver
		receiver.Start()
		opened = true
		log.Debug("Notification channel opened")
		return nil
	})
	if err != nil {
		return err
	}
	if opened {
		c.resubscribeAll(ctx)
	}
	return nil
}

func receiverAlive(r *notify.Receiver) bool {
	if r == nil || r.Stopped() {
		return false
	}
	select {
	case <-r.Done():
		return false
	default:
		return true
	}
}

// resetChannel stops and forgets the current receiver. When only is set,
// nothing happens unless it is still the current receiver.
func (c *Client) resetChannel(only *notify.Receiver) {
	c.chanMu.Lock()
	receiver := c.receiver
	if receiver == nil || (only != nil && receiver != only) {
		c.chanMu.Unlock()
		return
	}
	c.receiver = nil
	c.chanMu.Unlock()
	receiver.Stop()
}

// resubscribeAll replays the subscriptions of every known task after the
// channel was reopened. Failures are logged; the task stays registered.
func (c *Client) resubscribeAll(ctx context.Context) {
	for _, t := range c.snapshotTasks() {
		for _, kind := range t.subscribedKinds() {
			err := c.invoke(ctx, "subscribe", func(proxy remote.Proxy) error {
				return proxy.Subscribe(ctx, t.tid, kind)
			})
			if err != nil {
				log.Warnf("Failed to resubscribe task %d to %s events: %v", t.tid, kind, err)
			}
		}
	}
}

func (c *Client) snapshotTasks() []*clientTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := make([]*clientTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// lookup returns the record for tid without creating one.
func (c *Client) lookup(tid uint32) *clientTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[tid]
}

// register returns the record for tid, creating it and its dispatch
// goroutine on first use. created is false when it already existed.
func (c *Client) register(tid uint32) (t *clientTask, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tasks[tid]; ok {
		return existing, false
	}
	t = newClientTask(tid)
	c.tasks[tid] = t
	metrics.ActiveTasks.Set(float64(len(c.tasks)))
	c.removed.Delete(tid)
	recorder := &stateRecorder{store: c.opts.Store, tid: tid}
	go t.queue.run(func(ev event) {
		recorder.record(ev)
		t.deliver(ev, c.opts.SDKVersion)
	})
	return t, true
}

// unregister drops tid from the map and remembers it as removed so that
// late frames for it are ignored quietly.
func (c *Client) unregister(tid uint32) *clientTask {
	c.mu.Lock()
	t := c.tasks[tid]
	delete(c.tasks, tid)
	metrics.ActiveTasks.Set(float64(len(c.tasks)))
	c.mu.Unlock()
	c.removed.Set(tid, struct{}{}, ttlcache.DefaultTTL)
	return t
}

// teardown queues the local cleanup of a removed task behind the events
// already waiting for it.
func (c *Client) teardown(tid uint32) {
	t := c.unregister(tid)
	if t == nil {
		return
	}
	t.queue.push(event{kind: eventTeardown, teardown: func() { c.releaseTask(t) }})
}

// releaseTask revokes the task's path grants and deletes its record.
func (c *Client) releaseTask(t *clientTask) {
	t.mu.Lock()
	grants := t.grants
	t.grants = nil
	t.mu.Unlock()

	if c.opts.Permissions != nil && len(grants) > 0 {
		if err := c.opts.Permissions.RevokeAll(grants); err != nil {
			log.Warnf("Failed to revoke paths of task %d: %v", t.tid, err)
		}
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.Delete(t.tid); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
			log.Warnf("Failed to delete record of task %d: %v", t.tid, err)
		}
	}
	log.Debugf("Released task %d", t.tid)
}
