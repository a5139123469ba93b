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
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/bgxfer/path_perm"
	"github.com/pelicanplatform/bgxfer/remote"
	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_store"
)

// grantsFor lists the paths the service must reach for cfg and the access
// it needs on each.
func grantsFor(cfg *task.Config) []path_perm.Grant {
	fileRole := path_perm.RoleRead
	if cfg.Writable() {
		fileRole = path_perm.RoleReadWrite
	}
	var grants []path_perm.Grant
	for _, file := range cfg.Files {
		if file.URI != "" {
			grants = append(grants, path_perm.Grant{Path: file.URI, Role: fileRole})
		}
	}
	for _, form := range cfg.Forms {
		if form.File != nil && form.File.URI != "" {
			grants = append(grants, path_perm.Grant{Path: form.File.URI, Role: path_perm.RoleRead})
		}
	}
	for _, cert := range cfg.CertsPaths {
		grants = append(grants, path_perm.Grant{Path: cert, Role: path_perm.RoleRead})
	}
	for _, body := range cfg.BodyFileNames {
		grants = append(grants, path_perm.Grant{Path: body, Role: path_perm.RoleReadWrite})
	}
	return grants
}

// grant applies every grant of cfg and returns the granted paths for a
// later RevokeAll. Partial grants are undone on failure.
func (c *Client) grant(cfg *task.Config) ([]string, error) {
	grants := grantsFor(cfg)
	if c.opts.Permissions == nil || len(grants) == 0 {
		return nil, nil
	}
	if err := c.opts.Permissions.GrantAll(grants); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(grants))
	for _, g := range grants {
		paths = append(paths, g.Path)
	}
	return paths, nil
}

func (c *Client) revoke(paths []string) {
	if c.opts.Permissions == nil || len(paths) == 0 {
		return
	}
	if err := c.opts.Permissions.RevokeAll(paths); err != nil {
		log.Warnf("Failed to revoke task paths: %v", err)
	}
}

func (c *Client) subscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error {
	return c.call(ctx, "subscribe", func(proxy remote.Proxy) error {
		return proxy.Subscribe(ctx, tid, kind)
	})
}

func (c *Client) unsubscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error {
	return c.call(ctx, "unsubscribe", func(proxy remote.Proxy) error {
		return proxy.Unsubscribe(ctx, tid, kind)
	})
}

// Create validates cfg, grants the service access to the task's files and
// asks the service to create the task. It returns the new task id.
func (c *Client) Create(ctx context.Context, cfg *task.Config) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	if cfg == nil {
		return "", task.NewError(task.EParameterCheck, "task config is missing")
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	paths, err := c.grant(cfg)
	if err != nil {
		return "", err
	}
	if err := c.ensureChannel(ctx); err != nil {
		c.revoke(paths)
		return "", err
	}

	var tid uint32
	err = c.call(ctx, "create", func(proxy remote.Proxy) error {
		var createErr error
		tid, createErr = proxy.Create(ctx, cfg)
		return createErr
	})
	if err != nil {
		c.revoke(paths)
		return "", err
	}

	t, _ := c.register(tid)
	t.mu.Lock()
	t.grants = append(t.grants, paths...)
	t.mu.Unlock()

	if err := c.subscribe(ctx, tid, task.SubscribeRemove); err != nil {
		log.Warnf("Task %d created but not subscribed to removal: %v", tid, err)
	}
	if c.opts.Store != nil {
		rec := &task_store.TaskRecord{
			TaskID:   tid,
			UID:      c.opts.UID,
			Bundle:   c.opts.Bundle,
			Config:   *cfg,
			Progress: task.Progress{State: task.StateInitialized},
		}
		if err := c.opts.Store.Insert(rec); err != nil {
			log.Warnf("Failed to store task %d: %v", tid, err)
		}
	}
	log.Debugf("Created task %d for %s", tid, cfg.URL)
	return task.FormatTid(tid), nil
}

// GetTask attaches to an existing task, for example one created before the
// application restarted. A non-empty token is checked by the service.
func (c *Client) GetTask(ctx context.Context, tid string, token string) (*task.Info, error) {
	id, err := task.ParseTid(tid)
	if err != nil {
		return nil, err
	}
	var info *task.Info
	if token != "" {
		info, err = c.Touch(ctx, tid, token)
	} else {
		info, err = c.Show(ctx, tid)
	}
	if err != nil {
		return nil, err
	}
	if err := c.ensureChannel(ctx); err != nil {
		return nil, err
	}
	if _, created := c.register(id); created {
		if err := c.subscribe(ctx, id, task.SubscribeRemove); err != nil {
			log.Warnf("Task %d attached but not subscribed to removal: %v", id, err)
		}
	}
	return info, nil
}

func (c *Client) control(ctx context.Context, op, tid string, fn func(remote.Proxy, uint32) error) error {
	id, err := task.ParseTid(tid)
	if err != nil {
		return err
	}
	return c.call(ctx, op, func(proxy remote.Proxy) error {
		return fn(proxy, id)
	})
}

// Start begins transferring a created task.
func (c *Client) Start(ctx context.Context, tid string) error {
	return c.control(ctx, "start", tid, func(proxy remote.Proxy, id uint32) error {
		return proxy.Start(ctx, id)
	})
}

// Pause suspends a running or waiting task.
func (c *Client) Pause(ctx context.Context, tid string) error {
	return c.control(ctx, "pause", tid, func(proxy remote.Proxy, id uint32) error {
		return proxy.Pause(ctx, id)
	})
}

// Resume continues a paused task. Access to the task's files is granted
// again first if this client does not hold it yet.
func (c *Client) Resume(ctx context.Context, tid string) error {
	id, err := task.ParseTid(tid)
	if err != nil {
		return err
	}
	if err := c.regrant(id); err != nil {
		return err
	}
	return c.control(ctx, "resume", tid, func(proxy remote.Proxy, id uint32) error {
		return proxy.Resume(ctx, id)
	})
}

// regrant restores the path grants of a task known only from the store.
func (c *Client) regrant(tid uint32) error {
	if c.opts.Permissions == nil || c.opts.Store == nil {
		return nil
	}
	t := c.lookup(tid)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	held := len(t.grants) > 0
	t.mu.Unlock()
	if held {
		return nil
	}
	rec, err := c.opts.Store.Get(tid)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	paths, err := c.grant(&rec.Config)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.grants = append(t.grants, paths...)
	t.mu.Unlock()
	return nil
}

// Stop ends a task without removing it.
func (c *Client) Stop(ctx context.Context, tid string) error {
	return c.control(ctx, "stop", tid, func(proxy remote.Proxy, id uint32) error {
		return proxy.Stop(ctx, id)
	})
}

// Remove deletes a task at the service. Remove listeners are told once and
// the task's grants and stored record are released after that.
func (c *Client) Remove(ctx context.Context, tid string) error {
	err := c.control(ctx, "remove", tid, func(proxy remote.Proxy, id uint32) error {
		return proxy.Remove(ctx, id)
	})
	if err != nil {
		return err
	}
	id, _ := task.ParseTid(tid)
	if t := c.lookup(id); t != nil {
		t.queue.push(event{kind: eventNotify, data: &task.NotifyData{
			Type:     task.SubscribeRemove,
			TaskID:   id,
			Progress: task.Progress{State: task.StateRemoved},
		}})
		c.teardown(id)
		return nil
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.Delete(id); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
			log.Warnf("Failed to delete record of task %d: %v", id, err)
		}
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, op, tid string, fn func(remote.Proxy, uint32) (*task.Info, error)) (*task.Info, error) {
	var info *task.Info
	err := c.control(ctx, op, tid, func(proxy remote.Proxy, id uint32) error {
		var fetchErr error
		info, fetchErr = fn(proxy, id)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	info.Faults = task.FaultOf(info.Reason, c.opts.SDKVersion)
	c.reconcile(info)
	return info, nil
}

// Show returns the service's snapshot of one of the caller's tasks.
func (c *Client) Show(ctx context.Context, tid string) (*task.Info, error) {
	return c.fetch(ctx, "show", tid, func(proxy remote.Proxy, id uint32) (*task.Info, error) {
		return proxy.Show(ctx, id)
	})
}

// Touch is Show for a task protected by a token.
func (c *Client) Touch(ctx context.Context, tid string, token string) (*task.Info, error) {
	return c.fetch(ctx, "touch", tid, func(proxy remote.Proxy, id uint32) (*task.Info, error) {
		return proxy.Touch(ctx, id, token)
	})
}

// Query returns the snapshot of any task; the service restricts it to
// privileged callers.
func (c *Client) Query(ctx context.Context, tid string) (*task.Info, error) {
	return c.fetch(ctx, "query", tid, func(proxy remote.Proxy, id uint32) (*task.Info, error) {
		return proxy.Query(ctx, id)
	})
}

// Search lists the ids of the caller's tasks matching filter.
func (c *Client) Search(ctx context.Context, filter task.Filter) ([]string, error) {
	if err := filter.Normalize(time.Now().UnixMilli()); err != nil {
		return nil, err
	}
	var tids []string
	err := c.call(ctx, "search", func(proxy remote.Proxy) error {
		var searchErr error
		tids, searchErr = proxy.Search(ctx, filter)
		return searchErr
	})
	return tids, err
}

// reconcile copies the service's view of a task into the store. A task
// missing from the store is added.
func (c *Client) reconcile(info *task.Info) {
	if c.opts.Store == nil {
		return
	}
	id, err := task.ParseTid(info.Tid)
	if err != nil {
		return
	}
	rec, err := c.opts.Store.Get(id)
	if errors.Is(err, task.ErrTaskNotFound) {
		rec = &task_store.TaskRecord{
			TaskID:     id,
			UID:        info.UID,
			Bundle:     info.Bundle,
			Ctime:      info.Ctime,
			Mtime:      info.Mtime,
			Reason:     info.Reason,
			Tries:      info.Tries,
			MimeType:   info.MimeType,
			FileStates: info.TaskStates,
			Config:     info.Config,
			Progress:   info.Progress,
		}
		if err := c.opts.Store.Insert(rec); err != nil {
			log.Warnf("Failed to store task %d: %v", id, err)
		}
		return
	}
	if err != nil {
		log.Warnf("Failed to load record of task %d: %v", id, err)
		return
	}
	rec.Mtime = info.Mtime
	rec.Reason = info.Reason
	rec.Tries = info.Tries
	rec.MimeType = info.MimeType
	rec.FileStates = info.TaskStates
	rec.Progress = info.Progress
	if err := c.opts.Store.Update(rec); err != nil {
		log.Warnf("Failed to update record of task %d: %v", id, err)
	}
}

func (c *Client) knownTask(tid string) (*clientTask, error) {
	id, err := task.ParseTid(tid)
	if err != nil {
		return nil, err
	}
	t := c.lookup(id)
	if t == nil {
		return nil, task.NewError(task.ETaskNotFound, "task "+tid+" is not attached to this client")
	}
	return t, nil
}

// AddResponseListener registers l for the HTTP response of tid. The first
// listener subscribes the task to response events.
func (c *Client) AddResponseListener(ctx context.Context, tid string, l ResponseListener) error {
	if l == nil {
		return task.NewError(task.EParameterCheck, "listener is nil")
	}
	t, err := c.knownTask(tid)
	if err != nil {
		return err
	}
	if err := c.ensureChannel(ctx); err != nil {
		return err
	}
	if !t.addResponse(l) {
		return nil
	}
	if err := c.subscribe(ctx, t.tid, task.SubscribeResponse); err != nil {
		t.removeResponse(l)
		return err
	}
	return nil
}

// RemoveResponseListener unregisters l. Removing the last listener
// unsubscribes the task from response events.
func (c *Client) RemoveResponseListener(ctx context.Context, tid string, l ResponseListener) error {
	t, err := c.knownTask(tid)
	if err != nil {
		return err
	}
	if found, last := t.removeResponse(l); found && last {
		return c.unsubscribe(ctx, t.tid, task.SubscribeResponse)
	}
	return nil
}

func checkNotifyKind(kind task.SubscribeType) error {
	if !kind.Valid() || kind == task.SubscribeResponse {
		return task.NewError(task.EParameterCheck, "unsupported event type "+kind.String())
	}
	return nil
}

// AddNotifyListener registers l for events of kind on tid. The first
// listener of a kind subscribes the task to that kind; removal events are
// subscribed when the task is created.
func (c *Client) AddNotifyListener(ctx context.Context, tid string, kind task.SubscribeType, l NotifyListener) error {
	if err := checkNotifyKind(kind); err != nil {
		return err
	}
	if l == nil {
		return task.NewError(task.EParameterCheck, "listener is nil")
	}
	t, err := c.knownTask(tid)
	if err != nil {
		return err
	}
	if err := c.ensureChannel(ctx); err != nil {
		return err
	}
	if !t.addNotify(kind, l) || kind == task.SubscribeRemove {
		return nil
	}
	if err := c.subscribe(ctx, t.tid, kind); err != nil {
		t.removeNotify(kind, l)
		return err
	}
	return nil
}

// RemoveNotifyListener unregisters l from kind. Removing the last listener
// of a kind other than removal unsubscribes it.
func (c *Client) RemoveNotifyListener(ctx context.Context, tid string, kind task.SubscribeType, l NotifyListener) error {
	if err := checkNotifyKind(kind); err != nil {
		return err
	}
	t, err := c.knownTask(tid)
	if err != nil {
		return err
	}
	if found, last := t.removeNotify(kind, l); found && last && kind != task.SubscribeRemove {
		return c.unsubscribe(ctx, t.tid, kind)
	}
	return nil
}
