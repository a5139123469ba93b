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
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/bgxfer/notify"
	"github.com/pelicanplatform/bgxfer/path_perm"
	"github.com/pelicanplatform/bgxfer/remote"
	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_store"
)

// fakeProxy counts every call and answers from per-operation error queues.
type fakeProxy struct {
	mu      sync.Mutex
	calls   map[string]int
	subs    map[task.SubscribeType]int
	unsubs  map[task.SubscribeType]int
	queued  map[string][]error
	always  map[string]error
	nextTid uint32
	peers   []net.Conn
	info    task.Info
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{
		calls:   make(map[string]int),
		subs:    make(map[task.SubscribeType]int),
		unsubs:  make(map[task.SubscribeType]int),
		queued:  make(map[string][]error),
		always:  make(map[string]error),
		nextTid: 100,
	}
}

func (f *fakeProxy) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.always[op]; ok {
		return err
	}
	if q := f.queued[op]; len(q) > 0 {
		f.queued[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeProxy) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProxy) subCount(kind task.SubscribeType) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[kind], f.unsubs[kind]
}

func (f *fakeProxy) peer() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

func (f *fakeProxy) Create(ctx context.Context, cfg *task.Config) (uint32, error) {
	if err := f.record("create"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTid++
	return f.nextTid, nil
}

func (f *fakeProxy) Start(ctx context.Context, tid uint32) error  { return f.record("start") }
func (f *fakeProxy) Pause(ctx context.Context, tid uint32) error  { return f.record("pause") }
func (f *fakeProxy) Resume(ctx context.Context, tid uint32) error { return f.record("resume") }
func (f *fakeProxy) Stop(ctx context.Context, tid uint32) error   { return f.record("stop") }
func (f *fakeProxy) Remove(ctx context.Context, tid uint32) error { return f.record("remove") }

func (f *fakeProxy) snapshot(op string, tid uint32) (*task.Info, error) {
	if err := f.record(op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.info
	info.Tid = task.FormatTid(tid)
	return &info, nil
}

func (f *fakeProxy) Show(ctx context.Context, tid uint32) (*task.Info, error) {
	return f.snapshot("show", tid)
}

func (f *fakeProxy) Touch(ctx context.Context, tid uint32, token string) (*task.Info, error) {
	return f.snapshot("touch", tid)
}

func (f *fakeProxy) Query(ctx context.Context, tid uint32) (*task.Info, error) {
	return f.snapshot("query", tid)
}

func (f *fakeProxy) Search(ctx context.Context, filter task.Filter) ([]string, error) {
	if err := f.record("search"); err != nil {
		return nil, err
	}
	return []string{"101"}, nil
}

func (f *fakeProxy) Subscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error {
	if err := f.record("subscribe"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[kind]++
	return nil
}

func (f *fakeProxy) Unsubscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error {
	if err := f.record("unsubscribe"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs[kind]++
	return nil
}

func (f *fakeProxy) OpenChannel(ctx context.Context) (net.Conn, error) {
	if err := f.record("open"); err != nil {
		return nil, err
	}
	local, peer := net.Pipe()
	f.mu.Lock()
	f.peers = append(f.peers, peer)
	f.mu.Unlock()
	return local, nil
}

type fakeLocator struct {
	mu    sync.Mutex
	proxy *fakeProxy
	loads int
	err   error
}

func (l *fakeLocator) Load(ctx context.Context) (remote.Proxy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return l.proxy, nil
}

type memoryACL struct {
	mu      sync.Mutex
	applied map[string]path_perm.Perm
	failOn  string
}

func (m *memoryACL) Set(path string, perm path_perm.Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == m.failOn {
		return task.NewError(task.EFileIO, "injected")
	}
	m.applied[path] = perm
	return nil
}

func (m *memoryACL) Clear(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.applied, path)
	return nil
}

func (m *memoryACL) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

type harness struct {
	client  *Client
	proxy   *fakeProxy
	locator *fakeLocator
	store   *task_store.Store
	perms   *path_perm.Manager
	acl     *memoryACL
}

const sandbox = "/sandbox/app"

func setupClient(t *testing.T) *harness {
	proxy := newFakeProxy()
	locator := &fakeLocator{proxy: proxy}
	store, err := task_store.Open(task_store.Options{Path: filepath.Join(t.TempDir(), "request.db")})
	require.NoError(t, err)
	acl := &memoryACL{applied: make(map[string]path_perm.Perm)}
	perms := path_perm.NewManager(sandbox, acl)

	client, err := New(Options{
		Locator:     locator,
		Store:       store,
		Permissions: perms,
		SDKVersion:  12,
		UID:         20010001,
		Bundle:      "com.example.app",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		store.Close()
	})
	return &harness{client: client, proxy: proxy, locator: locator, store: store, perms: perms, acl: acl}
}

func downloadConfig() *task.Config {
	return &task.Config{
		Action: task.ActionDownload,
		Mode:   task.ModeBackground,
		URL:    "https://example.com/file.bin",
		Files:  []task.FileSpec{{URI: sandbox + "/files/file.bin"}},
	}
}

// pushFrame writes one frame to the channel and consumes its ack.
func pushFrame(t *testing.T, peer net.Conn, frame []byte) {
	_, err := peer.Write(frame)
	require.NoError(t, err)
	ack := make([]byte, 4)
	_, err = io.ReadFull(peer, ack)
	require.NoError(t, err)
}

func TestRetryCeilingOnServiceDeath(t *testing.T) {
	h := setupClient(t)
	h.proxy.always["start"] = task.NewError(task.EUnloadingSA, "")

	err := h.client.Start(context.Background(), "7")
	require.Error(t, err)
	assert.Equal(t, task.EServiceError, task.CodeOf(err))
	assert.Contains(t, err.Error(), "Attempt #5")
	assert.Equal(t, 5, h.proxy.count("start"))
	assert.Equal(t, 5, h.locator.loads)
}

func TestBusinessErrorNotRetried(t *testing.T) {
	h := setupClient(t)
	h.proxy.always["pause"] = task.NewError(task.ETaskNotFound, "")

	err := h.client.Pause(context.Background(), "7")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.Equal(t, 1, h.proxy.count("pause"))
	assert.Equal(t, 1, h.locator.loads)
}

func TestServiceRecoversWithinRetries(t *testing.T) {
	h := setupClient(t)
	died := task.NewError(task.EUnloadingSA, "")
	h.proxy.queued["create"] = []error{died, died}

	tid, err := h.client.Create(context.Background(), downloadConfig())
	require.NoError(t, err)
	assert.Equal(t, "101", tid)
	assert.Equal(t, 3, h.proxy.count("create"))
}

func TestLoadFailureIsDefinite(t *testing.T) {
	h := setupClient(t)
	h.locator.err = task.NewError(task.EServiceError, "service did not load")

	err := h.client.Resume(context.Background(), "1")
	assert.Equal(t, task.EServiceError, task.CodeOf(err))
	assert.Equal(t, 1, h.locator.loads)
}

func TestValidationHappensBeforeRemoteCalls(t *testing.T) {
	h := setupClient(t)

	_, err := h.client.Create(context.Background(), &task.Config{URL: "ftp://nope"})
	assert.ErrorIs(t, err, task.ErrParameterCheck)
	_, err = h.client.Create(context.Background(), nil)
	assert.ErrorIs(t, err, task.ErrParameterCheck)
	assert.ErrorIs(t, h.client.Start(context.Background(), "abc"), task.ErrParameterCheck)

	bad := task.NewFilter()
	bad.After, bad.Before = 10, 5
	_, err = h.client.Search(context.Background(), bad)
	assert.ErrorIs(t, err, task.ErrParameterCheck)
	assert.Equal(t, 0, h.locator.loads)
}

func TestCreateGrantsAndStores(t *testing.T) {
	h := setupClient(t)
	cfg := downloadConfig()
	cfg.CertsPaths = []string{sandbox + "/certs/ca.pem"}

	tid, err := h.client.Create(context.Background(), cfg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.perms.RefCount(sandbox+"/files/file.bin"))
	assert.EqualValues(t, 1, h.perms.RefCount(sandbox+"/certs/ca.pem"))

	id, err := task.ParseTid(tid)
	require.NoError(t, err)
	rec, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, cfg.URL, rec.Config.URL)
	assert.Equal(t, "com.example.app", rec.Bundle)

	subs, _ := h.proxy.subCount(task.SubscribeRemove)
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, h.proxy.count("open"))
}

func TestCreateRollsBackGrantsOnFailure(t *testing.T) {
	h := setupClient(t)
	h.proxy.always["create"] = task.NewError(task.ETaskQueue, "")

	_, err := h.client.Create(context.Background(), downloadConfig())
	assert.Equal(t, task.ETaskQueue, task.CodeOf(err))
	assert.Empty(t, h.perms.Tracked())
	assert.Equal(t, 0, h.acl.size())
}

func TestCreateStopsOnGrantFailure(t *testing.T) {
	h := setupClient(t)
	h.acl.failOn = sandbox + "/files"

	_, err := h.client.Create(context.Background(), downloadConfig())
	assert.Equal(t, task.EPermission, task.CodeOf(err))
	assert.Equal(t, 0, h.proxy.count("create"))
	assert.Empty(t, h.perms.Tracked())
}

func TestChannelNotOpenReopensAndRetriesOnce(t *testing.T) {
	h := setupClient(t)
	h.proxy.queued["create"] = []error{task.NewError(task.EChannelNotOpen, "")}

	_, err := h.client.Create(context.Background(), downloadConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, h.proxy.count("create"))
	assert.Equal(t, 2, h.proxy.count("open"))

	// the same policy covers every other call
	h.proxy.queued["pause"] = []error{task.NewError(task.EChannelNotOpen, "")}
	require.NoError(t, h.client.Pause(context.Background(), "101"))
	assert.Equal(t, 2, h.proxy.count("pause"))
	assert.Equal(t, 3, h.proxy.count("open"))
	// reopening replays the removal subscription of the known task
	subs, _ := h.proxy.subCount(task.SubscribeRemove)
	assert.Equal(t, 2, subs)

	h.proxy.always["stop"] = task.NewError(task.EChannelNotOpen, "")
	assert.Equal(t, task.EChannelNotOpen, task.CodeOf(h.client.Stop(context.Background(), "101")))
	assert.Equal(t, 2, h.proxy.count("stop"))
}

func TestListenerSubscriptionCoupling(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)

	first := &NotifyFuncs{}
	second := &NotifyFuncs{}
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeProgress, first))
	subs, unsubs := h.proxy.subCount(task.SubscribeProgress)
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)

	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeProgress, second))
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeProgress, second))
	require.NoError(t, h.client.RemoveNotifyListener(ctx, tid, task.SubscribeProgress, first))
	subs, unsubs = h.proxy.subCount(task.SubscribeProgress)
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)

	require.NoError(t, h.client.RemoveNotifyListener(ctx, tid, task.SubscribeProgress, second))
	subs, unsubs = h.proxy.subCount(task.SubscribeProgress)
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)

	// removing a listener that is not registered changes nothing
	require.NoError(t, h.client.RemoveNotifyListener(ctx, tid, task.SubscribeProgress, second))
	_, unsubs = h.proxy.subCount(task.SubscribeProgress)
	assert.Equal(t, 1, unsubs)

	// removal listeners ride on the subscription made at creation
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeRemove, first))
	require.NoError(t, h.client.RemoveNotifyListener(ctx, tid, task.SubscribeRemove, first))
	subs, unsubs = h.proxy.subCount(task.SubscribeRemove)
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)

	resp := &ResponseFunc{}
	require.NoError(t, h.client.AddResponseListener(ctx, tid, resp))
	require.NoError(t, h.client.RemoveResponseListener(ctx, tid, resp))
	subs, unsubs = h.proxy.subCount(task.SubscribeResponse)
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)
}

func TestListenerArgumentChecks(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeButt, &NotifyFuncs{}), task.ErrParameterCheck)
	assert.ErrorIs(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeResponse, &NotifyFuncs{}), task.ErrParameterCheck)
	assert.ErrorIs(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeProgress, nil), task.ErrParameterCheck)
	assert.ErrorIs(t, h.client.AddNotifyListener(ctx, "999", task.SubscribeProgress, &NotifyFuncs{}), task.ErrTaskNotFound)
}

func TestSubscribeFailureRollsBackListener(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)

	h.proxy.queued["subscribe"] = []error{task.NewError(task.EPermission, "")}
	l := &NotifyFuncs{}
	assert.ErrorIs(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeCompleted, l), task.ErrPermission)
	// the retry after the failure is again the first listener
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeCompleted, l))
	subs, _ := h.proxy.subCount(task.SubscribeCompleted)
	assert.Equal(t, 1, subs)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	id, _ := task.ParseTid(tid)

	got := make(chan uint64, 100)
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeProgress, &NotifyFuncs{
		Data: func(nd *task.NotifyData) { got <- nd.Progress.Processed },
	}))

	enc := &notify.Encoder{}
	peer := h.proxy.peer()
	for i := 0; i < 50; i++ {
		raw, err := enc.NotifyData(&task.NotifyData{
			Type:     task.SubscribeProgress,
			TaskID:   id,
			Progress: task.Progress{State: task.StateRunning, Processed: uint64(i)},
		})
		require.NoError(t, err)
		pushFrame(t, peer, raw)
	}
	for i := 0; i < 50; i++ {
		select {
		case processed := <-got:
			assert.EqualValues(t, i, processed)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for progress")
		}
	}
}

func TestFaultsAndWaitDelivery(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	id, _ := task.ParseTid(tid)

	faults := make(chan task.Fault, 1)
	waits := make(chan task.WaitingReason, 1)
	l := &NotifyFuncs{
		Faults: func(tid string, kind task.SubscribeType, reason task.Reason, fault task.Fault) { faults <- fault },
		Wait:   func(tid string, reason task.WaitingReason) { waits <- reason },
	}
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeFaultOccur, l))
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeWait, l))

	enc := &notify.Encoder{}
	raw, err := enc.Faults(notify.FaultEvent{TaskID: id, Type: task.SubscribeFailed, Reason: task.ReasonDNS})
	require.NoError(t, err)
	pushFrame(t, h.proxy.peer(), raw)
	raw, err = enc.Wait(notify.WaitEvent{TaskID: id, Reason: task.WaitingNetworkNotMatch})
	require.NoError(t, err)
	pushFrame(t, h.proxy.peer(), raw)

	assert.Equal(t, task.FaultDNS, <-faults)
	assert.Equal(t, task.WaitingNetworkNotMatch, <-waits)
}

func TestNotifiedStateIsStored(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	id, _ := task.ParseTid(tid)

	notified := make(chan task.SubscribeType, 2)
	l := &NotifyFuncs{
		Data:   func(nd *task.NotifyData) { notified <- nd.Type },
		Faults: func(string, task.SubscribeType, task.Reason, task.Fault) { notified <- task.SubscribeFaultOccur },
	}
	for _, kind := range []task.SubscribeType{task.SubscribeFaultOccur, task.SubscribeFailed, task.SubscribeResume} {
		require.NoError(t, h.client.AddNotifyListener(ctx, tid, kind, l))
	}

	enc := &notify.Encoder{}
	push := func(raw []byte, err error) task.SubscribeType {
		require.NoError(t, err)
		pushFrame(t, h.proxy.peer(), raw)
		select {
		case kind := <-notified:
			return kind
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
			return task.SubscribeButt
		}
	}

	// a failure notified after its fault keeps the fault's reason
	assert.Equal(t, task.SubscribeFaultOccur, push(enc.Faults(notify.FaultEvent{TaskID: id, Type: task.SubscribeFailed, Reason: task.ReasonDNS})))
	assert.Equal(t, task.SubscribeFailed, push(enc.NotifyData(&task.NotifyData{
		Type: task.SubscribeFailed, TaskID: id, Progress: task.Progress{State: task.StateFailed},
	})))
	rec, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, rec.Progress.State)
	assert.Equal(t, task.ReasonDNS, rec.Reason)

	assert.Equal(t, task.SubscribeResume, push(enc.NotifyData(&task.NotifyData{
		Type: task.SubscribeResume, TaskID: id, Progress: task.Progress{State: task.StateRunning},
	})))
	rec, err = h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRunning, rec.Progress.State)
	assert.Equal(t, task.ReasonOK, rec.Reason)
}

func TestRemoveNotificationReleasesTask(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	id, _ := task.ParseTid(tid)

	removed := make(chan struct{}, 1)
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeRemove, &NotifyFuncs{
		Data: func(nd *task.NotifyData) { removed <- struct{}{} },
	}))

	raw, err := (&notify.Encoder{}).NotifyData(&task.NotifyData{
		Type: task.SubscribeRemove, TaskID: id, Progress: task.Progress{State: task.StateRemoved},
	})
	require.NoError(t, err)
	pushFrame(t, h.proxy.peer(), raw)

	select {
	case <-removed:
	case <-time.After(5 * time.Second):
		t.Fatal("removal was not delivered")
	}
	require.Eventually(t, func() bool { return len(h.perms.Tracked()) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := h.store.Get(id)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeProgress, &NotifyFuncs{}), task.ErrTaskNotFound)
	assert.True(t, h.client.removed.Has(id))
}

func TestExplicitRemove(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	id, _ := task.ParseTid(tid)

	removed := make(chan task.State, 2)
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeRemove, &NotifyFuncs{
		Data: func(nd *task.NotifyData) { removed <- nd.Progress.State },
	}))
	require.NoError(t, h.client.Remove(ctx, tid))
	assert.Equal(t, task.StateRemoved, <-removed)

	// the service's own removal frame arrives late and is dropped
	raw, err := (&notify.Encoder{}).NotifyData(&task.NotifyData{Type: task.SubscribeRemove, TaskID: id})
	require.NoError(t, err)
	pushFrame(t, h.proxy.peer(), raw)

	require.Eventually(t, func() bool { return len(h.perms.Tracked()) == 0 }, 5*time.Second, 10*time.Millisecond)
	select {
	case <-removed:
		t.Fatal("removal delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerMayUnregisterItself(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	id, _ := task.ParseTid(tid)

	calls := make(chan struct{}, 4)
	var self *NotifyFuncs
	self = &NotifyFuncs{Data: func(nd *task.NotifyData) {
		calls <- struct{}{}
		assert.NoError(t, h.client.RemoveNotifyListener(ctx, tid, task.SubscribeCompleted, self))
	}}
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeCompleted, self))

	enc := &notify.Encoder{}
	for i := 0; i < 2; i++ {
		raw, err := enc.NotifyData(&task.NotifyData{Type: task.SubscribeCompleted, TaskID: id})
		require.NoError(t, err)
		pushFrame(t, h.proxy.peer(), raw)
	}
	<-calls
	require.Eventually(t, func() bool {
		_, unsubs := h.proxy.subCount(task.SubscribeCompleted)
		return unsubs == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, calls, 0)
}

func TestChannelBrokenReopensOnNextUse(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeProgress, &NotifyFuncs{}))

	require.NoError(t, h.proxy.peer().Close())
	require.Eventually(t, func() bool {
		h.client.chanMu.Lock()
		defer h.client.chanMu.Unlock()
		return h.client.receiver == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.client.AddNotifyListener(ctx, tid, task.SubscribeCompleted, &NotifyFuncs{}))
	assert.Equal(t, 2, h.proxy.count("open"))
	removeSubs, _ := h.proxy.subCount(task.SubscribeRemove)
	progressSubs, _ := h.proxy.subCount(task.SubscribeProgress)
	completedSubs, _ := h.proxy.subCount(task.SubscribeCompleted)
	assert.Equal(t, 2, removeSubs)
	assert.Equal(t, 2, progressSubs)
	assert.Equal(t, 1, completedSubs)
}

func TestShowReconcilesStore(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	tid, err := h.client.Create(ctx, downloadConfig())
	require.NoError(t, err)
	id, _ := task.ParseTid(tid)

	h.proxy.info = task.Info{
		Mtime:    5000,
		Reason:   task.ReasonDNS,
		Progress: task.Progress{State: task.StateFailed, Processed: 10, Sizes: []int64{100}},
	}
	info, err := h.client.Show(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, task.FaultDNS, info.Faults)

	rec, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, rec.Progress.State)
	assert.Equal(t, task.ReasonDNS, rec.Reason)
	assert.EqualValues(t, 5000, rec.Mtime)

	// a task unknown to the store is added from the snapshot
	_, err = h.client.Query(ctx, "555")
	require.NoError(t, err)
	_, err = h.store.Get(555)
	assert.NoError(t, err)
}

func TestGetTaskAttaches(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()

	_, err := h.client.GetTask(ctx, "321", "token")
	require.NoError(t, err)
	assert.Equal(t, 1, h.proxy.count("touch"))
	subs, _ := h.proxy.subCount(task.SubscribeRemove)
	assert.Equal(t, 1, subs)

	_, err = h.client.GetTask(ctx, "321", "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.proxy.count("show"))
	subs, _ = h.proxy.subCount(task.SubscribeRemove)
	assert.Equal(t, 1, subs)

	require.NoError(t, h.client.AddNotifyListener(ctx, "321", task.SubscribeProgress, &NotifyFuncs{}))
}

func TestResumeRegrantsStoredPaths(t *testing.T) {
	h := setupClient(t)
	ctx := context.Background()
	cfg := downloadConfig()
	require.NoError(t, cfg.Validate())
	require.NoError(t, h.store.Insert(&task_store.TaskRecord{TaskID: 400, Config: *cfg}))

	_, err := h.client.GetTask(ctx, "400", "")
	require.NoError(t, err)
	assert.Empty(t, h.perms.Tracked())

	require.NoError(t, h.client.Resume(ctx, "400"))
	assert.EqualValues(t, 1, h.perms.RefCount(sandbox+"/files/file.bin"))
	require.NoError(t, h.client.Resume(ctx, "400"))
	assert.EqualValues(t, 1, h.perms.RefCount(sandbox+"/files/file.bin"))
}

func TestSearch(t *testing.T) {
	h := setupClient(t)
	tids, err := h.client.Search(context.Background(), task.NewFilter())
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, tids)
}

func TestCloseIsFinal(t *testing.T) {
	h := setupClient(t)
	_, err := h.client.Create(context.Background(), downloadConfig())
	require.NoError(t, err)

	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())
	assert.Equal(t, task.EServiceError, task.CodeOf(h.client.Start(context.Background(), "101")))
}

func TestAttemptLog(t *testing.T) {
	attempts := newAttemptLog()
	attempts.add(task.NewError(task.EUnloadingSA, "first"))
	attempts.add(task.NewError(task.EUnloadingSA, "second"))
	out := attempts.String()
	assert.Regexp(t, `^Attempt #2: second .*elapsed.*; Attempt #1: first .*since start\)$`, out)
}
