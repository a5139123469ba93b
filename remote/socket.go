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

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/bgxfer/metrics"
	"github.com/pelicanplatform/bgxfer/task"
)

const (
	// APIPrefix is the path prefix of every control route.
	APIPrefix = "/api/v1"
	// HealthPath answers once the service is ready to take calls.
	HealthPath = "/health"

	baseURL = "http://localhost"
)

type (
	// Reply is the body of every response from the service. Code is
	// task.EOK on success; the remaining fields depend on the route.
	Reply struct {
		Code      task.ExceptionCode `json:"code"`
		Message   string             `json:"message,omitempty"`
		Tid       string             `json:"tid,omitempty"`
		Info      *task.Info         `json:"info,omitempty"`
		Tids      []string           `json:"tids,omitempty"`
		ServiceID int                `json:"serviceId,omitempty"`
	}

	// SubscribeRequest is the body of the subscribe and unsubscribe routes.
	SubscribeRequest struct {
		Type task.SubscribeType `json:"type"`
	}

	// TouchRequest is the body of the touch route.
	TouchRequest struct {
		Token string `json:"token"`
	}

	// SocketProxy calls the service over HTTP on a unix socket.
	SocketProxy struct {
		socketPath  string
		channelPath string
		httpClient  *http.Client
	}

	// SocketLocator waits for the service socket to answer its health check.
	SocketLocator struct {
		SocketPath  string
		ChannelPath string
		// LoadTimeout bounds how long Load waits for the service to appear.
		LoadTimeout    time.Duration
		PollInterval   time.Duration
		RequestTimeout time.Duration
	}
)

// NewSocketProxy returns a proxy for the service listening on socketPath
// whose notification channel is accepted on channelPath.
func NewSocketProxy(socketPath, channelPath string, timeout time.Duration) *SocketProxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SocketProxy{
		socketPath:  socketPath,
		channelPath: channelPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: timeout,
		},
	}
}

func taskPath(tid uint32, suffix string) string {
	return APIPrefix + "/tasks/" + task.FormatTid(tid) + suffix
}

// call issues one request. Failures to reach the service at all are
// reported as task.EUnloadingSA so the caller can reload and retry.
func (p *SocketProxy) call(ctx context.Context, op, method, path string, body interface{}) (*Reply, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, errors.Wrapf(err, "failed to marshal %s request", op)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "%s call abandoned", op)
		}
		metrics.RemoteCalls.WithLabelValues(op, strconv.Itoa(int(task.EUnloadingSA))).Inc()
		return nil, task.NewError(task.EUnloadingSA, fmt.Sprintf("%s: %v", op, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		metrics.RemoteCalls.WithLabelValues(op, strconv.Itoa(int(task.EUnloadingSA))).Inc()
		return nil, task.NewError(task.EUnloadingSA, op+": service is unloading")
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		metrics.RemoteCalls.WithLabelValues(op, strconv.Itoa(int(task.EServiceError))).Inc()
		return nil, task.NewError(task.EServiceError,
			fmt.Sprintf("%s: undecodable reply (status %d): %v", op, resp.StatusCode, err))
	}
	metrics.RemoteCalls.WithLabelValues(op, strconv.Itoa(int(reply.Code))).Inc()
	if reply.Code != task.EOK {
		return nil, task.NewError(reply.Code, reply.Message)
	}
	return &reply, nil
}

func (p *SocketProxy) Create(ctx context.Context, cfg *task.Config) (uint32, error) {
	reply, err := p.call(ctx, "create", http.MethodPost, APIPrefix+"/tasks", cfg)
	if err != nil {
		return 0, err
	}
	tid, err := task.ParseTid(reply.Tid)
	if err != nil {
		return 0, task.NewError(task.EServiceError, "service returned bad task id "+strconv.Quote(reply.Tid))
	}
	return tid, nil
}

func (p *SocketProxy) Start(ctx context.Context, tid uint32) error {
	_, err := p.call(ctx, "start", http.MethodPost, taskPath(tid, "/start"), nil)
	return err
}

func (p *SocketProxy) Pause(ctx context.Context, tid uint32) error {
	_, err := p.call(ctx, "pause", http.MethodPost, taskPath(tid, "/pause"), nil)
	return err
}

func (p *SocketProxy) Resume(ctx context.Context, tid uint32) error {
	_, err := p.call(ctx, "resume", http.MethodPost, taskPath(tid, "/resume"), nil)
	return err
}

func (p *SocketProxy) Stop(ctx context.Context, tid uint32) error {
	_, err := p.call(ctx, "stop", http.MethodPost, taskPath(tid, "/stop"), nil)
	return err
}

func (p *SocketProxy) Remove(ctx context.Context, tid uint32) error {
	_, err := p.call(ctx, "remove", http.MethodDelete, taskPath(tid, ""), nil)
	return err
}

func (p *SocketProxy) info(ctx context.Context, op, method, path string, body interface{}) (*task.Info, error) {
	reply, err := p.call(ctx, op, method, path, body)
	if err != nil {
		return nil, err
	}
	if reply.Info == nil {
		return nil, task.NewError(task.EServiceError, op+": reply carries no task info")
	}
	return reply.Info, nil
}

func (p *SocketProxy) Show(ctx context.Context, tid uint32) (*task.Info, error) {
	return p.info(ctx, "show", http.MethodGet, taskPath(tid, ""), nil)
}

func (p *SocketProxy) Touch(ctx context.Context, tid uint32, token string) (*task.Info, error) {
	return p.info(ctx, "touch", http.MethodPost, taskPath(tid, "/touch"), TouchRequest{Token: token})
}

func (p *SocketProxy) Query(ctx context.Context, tid uint32) (*task.Info, error) {
	return p.info(ctx, "query", http.MethodGet, taskPath(tid, "/query"), nil)
}

func (p *SocketProxy) Search(ctx context.Context, filter task.Filter) ([]string, error) {
	reply, err := p.call(ctx, "search", http.MethodPost, APIPrefix+"/search", filter)
	if err != nil {
		return nil, err
	}
	return reply.Tids, nil
}

func (p *SocketProxy) Subscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error {
	_, err := p.call(ctx, "subscribe", http.MethodPost, taskPath(tid, "/subscribe"), SubscribeRequest{Type: kind})
	return err
}

func (p *SocketProxy) Unsubscribe(ctx context.Context, tid uint32, kind task.SubscribeType) error {
	_, err := p.call(ctx, "unsubscribe", http.MethodPost, taskPath(tid, "/unsubscribe"), SubscribeRequest{Type: kind})
	return err
}

// OpenChannel dials the service's seqpacket channel socket.
func (p *SocketProxy) OpenChannel(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unixpacket", p.channelPath)
	if err != nil {
		return nil, task.NewError(task.EUnloadingSA, "failed to open notification channel: "+err.Error())
	}
	metrics.ChannelOpens.Inc()
	return conn, nil
}

// healthy reports whether the service answers its health check as ServiceID.
func (p *SocketProxy) healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check returned status %d", resp.StatusCode)
	}
	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return errors.Wrap(err, "failed to decode health reply")
	}
	if reply.ServiceID != ServiceID {
		return errors.Errorf("socket %s belongs to service %d, not %d", p.socketPath, reply.ServiceID, ServiceID)
	}
	return nil
}

// Load polls the service socket until the health check passes or
// LoadTimeout expires.
func (l *SocketLocator) Load(ctx context.Context) (Proxy, error) {
	timeout := l.LoadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	proxy := NewSocketProxy(l.SocketPath, l.ChannelPath, l.RequestTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := proxy.healthy(ctx)
		if err == nil {
			log.Debugf("Transfer service %d loaded on %s", ServiceID, l.SocketPath)
			return proxy, nil
		}
		log.Tracef("Transfer service not ready: %v", err)
		select {
		case <-ctx.Done():
			return nil, task.NewError(task.EServiceError,
				fmt.Sprintf("transfer service %d did not load within %s: %v", ServiceID, timeout, err))
		case <-ticker.C:
		}
	}
}
