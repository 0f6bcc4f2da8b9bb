// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/executor"
	"github.com/overseerhq/overseer/internal/logbuffer"
	"github.com/overseerhq/overseer/internal/sandbox"
	"github.com/overseerhq/overseer/internal/store"
	"github.com/overseerhq/overseer/internal/workflow"
	"github.com/overseerhq/overseer/internal/workorder"
)

type serverFixture struct {
	srv    *Server
	ts     *httptest.Server
	repo   *store.MemoryRepository
	buffer *logbuffer.Buffer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	repo := store.NewMemoryRepository()
	buffer := logbuffer.New()
	tempBase := t.TempDir()
	gitCfg := &config.GitConfig{TempBase: tempBase, BaseBranch: "main"}

	exec := executor.New(config.CLIConfig{Path: "claude", Timeout: 5 * time.Second}, nil)
	orchestrator := workflow.NewOrchestrator(repo, sandbox.NewFactory(gitCfg), &workflow.StepRunner{
		Executor: exec,
		Loader:   &workflow.CommandLoader{Dir: t.TempDir()},
	}, "main")

	srv := New(
		&config.ServerConfig{Host: "127.0.0.1", Port: 0},
		repo,
		workflow.NewRegistry(orchestrator, repo),
		buffer,
		&workflow.Reconciler{Repo: repo, TempBase: tempBase},
	)
	srv.ssePollInterval = 20 * time.Millisecond

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{srv: srv, ts: ts, repo: repo, buffer: buffer}
}

func (f *serverFixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestCreateWorkOrder(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/agent-work-orders", `{"repository_url":"https://github.com/acme/widgets","sandbox_type":"clone","user_request":"add a widget"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "pending", body["status"])

	id, _ := body["work_order_id"].(string)
	assert.True(t, workorder.ValidID(id), "got id %q", id)

	rec, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://github.com/acme/widgets", rec.State.RepositoryURL)
}

func TestCreateWorkOrder_Validation(t *testing.T) {
	f := newServerFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing fields", `{"repository_url":""}`},
		{"bad url", `{"repository_url":"https://gitlab.com/a/b","user_request":"x"}`},
		{"bad sandbox type", `{"repository_url":"acme/widgets","user_request":"x","sandbox_type":"vm"}`},
		{"unknown command", `{"repository_url":"acme/widgets","user_request":"x","selected_commands":["deploy"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.post(t, "/agent-work-orders", tc.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetAndList(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.repo.Create(ctx,
		workorder.State{WorkOrderID: "wo-0000aaaa", RepositoryURL: "https://github.com/acme/widgets", SandboxIdentifier: "sandbox-wo-0000aaaa"},
		workorder.Metadata{SandboxType: workorder.SandboxClone, Status: workorder.StatusCompleted, CreatedAt: now, UpdatedAt: now}))

	resp, err := http.Get(f.ts.URL + "/agent-work-orders/wo-0000aaaa")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "wo-0000aaaa", body["work_order_id"])
	assert.Equal(t, "completed", body["status"])

	resp, err = http.Get(f.ts.URL + "/agent-work-orders/wo-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/agent-work-orders")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.EqualValues(t, 1, body["count"])

	resp, err = http.Get(f.ts.URL + "/agent-work-orders?status=running")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.EqualValues(t, 0, body["count"])

	resp, err = http.Get(f.ts.URL + "/agent-work-orders?status=bogus")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStepsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.repo.Create(ctx,
		workorder.State{WorkOrderID: "wo-0000bbbb", RepositoryURL: "acme/widgets", SandboxIdentifier: "sandbox-wo-0000bbbb"},
		workorder.Metadata{SandboxType: workorder.SandboxClone, Status: workorder.StatusRunning, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, f.repo.SaveStepHistory(ctx, "wo-0000bbbb", workorder.StepHistory{
		WorkOrderID: "wo-0000bbbb",
		Steps:       []workorder.StepExecutionResult{{Step: workorder.StepPlanning, AgentName: "planner", Success: true}},
	}))

	resp, err := http.Get(f.ts.URL + "/agent-work-orders/wo-0000bbbb/steps")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var history workorder.StepHistory
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history.Steps, 1)
	assert.Equal(t, workorder.StepPlanning, history.Steps[0].Step)
}

func TestRunningEndpoint(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.ts.URL + "/agent-work-orders/running")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Empty(t, body["work_order_ids"])
}

func TestReconcileEndpoint(t *testing.T) {
	f := newServerFixture(t)
	resp := f.post(t, "/agent-work-orders/reconcile", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["fixed"])
}

func TestVerifyRepository_InvalidURL(t *testing.T) {
	f := newServerFixture(t)
	resp := f.post(t, "/github/verify-repository", `{"repository_url":"https://gitlab.com/a/b"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["is_accessible"])
	assert.Contains(t, body["error_message"], "invalid GitHub repository URL")
}

func TestVerifyRepository_StubGH(t *testing.T) {
	f := newServerFixture(t)

	stub := filepath.Join(t.TempDir(), "gh")
	script := `#!/bin/sh
printf '{"name":"widgets","owner":{"login":"acme"},"defaultBranchRef":{"name":"main"}}\n'
`
	require.NoError(t, os.WriteFile(stub, []byte(script), 0755))
	f.srv.github = &GitHubClient{ghPath: stub, timeout: 5 * time.Second}

	resp := f.post(t, "/github/verify-repository", `{"repository_url":"https://github.com/acme/widgets"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["is_accessible"])
	assert.Equal(t, "widgets", body["repository_name"])
	assert.Equal(t, "acme", body["repository_owner"])
	assert.Equal(t, "main", body["default_branch"])
}

func TestLogStream_ReplayAndTail(t *testing.T) {
	f := newServerFixture(t)
	id := "wo-0000cccc"

	f.buffer.Add(id, "info", "workflow_started", time.Time{}, map[string]any{"step": "planning"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/agent-work-orders/"+id+"/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() map[string]any {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var entry map[string]any
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &entry))
				return entry
			}
		}
	}

	replayed := readEvent()
	assert.Equal(t, "workflow_started", replayed["event"])
	assert.Equal(t, id, replayed["work_order_id"])

	// A new entry arrives while the stream is open; the tail loop picks it up.
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.buffer.Add(id, "error", "step_failed", time.Time{}, nil)
	}()
	tailed := readEvent()
	assert.Equal(t, "step_failed", tailed["event"])
	assert.Equal(t, "error", tailed["level"])
}

func TestLogStream_LevelFilter(t *testing.T) {
	f := newServerFixture(t)
	id := "wo-0000dddd"
	base := time.Now().UTC()
	f.buffer.Add(id, "info", "noise", base, nil)
	f.buffer.Add(id, "error", "signal", base.Add(time.Millisecond), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/agent-work-orders/"+id+"/logs/stream?level=error", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line := ""
	for !strings.HasPrefix(line, "data: ") {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	assert.Contains(t, line, "signal")
	assert.NotContains(t, line, "noise")
}

func TestLogStream_KeepAlive(t *testing.T) {
	f := newServerFixture(t)
	f.srv.ssePollInterval = 2 * time.Millisecond
	id := "wo-0000eeee"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/agent-work-orders/"+id+"/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// No entries arrive; the idle stream must still emit comment frames.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": keep-alive", strings.TrimSpace(line))
}

func TestLogWebsocket_Mirror(t *testing.T) {
	f := newServerFixture(t)
	id := "wo-0000ffff"
	f.buffer.Add(id, "info", "workflow_started", time.Time{}, nil)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/agent-work-orders/" + id + "/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var replayed map[string]any
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, "workflow_started", replayed["event"])
	assert.Equal(t, id, replayed["work_order_id"])

	// The tail loop mirrors entries added while the socket is open.
	f.buffer.Add(id, "error", "step_failed", time.Time{}, nil)
	var tailed map[string]any
	require.NoError(t, conn.ReadJSON(&tailed))
	assert.Equal(t, "step_failed", tailed["event"])
}

func TestRequestIDHeader(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "fixed-id", resp.Header.Get("X-Request-ID"))
}

func TestMaxBodySize(t *testing.T) {
	f := newServerFixture(t)
	huge := fmt.Sprintf(`{"repository_url":"acme/widgets","user_request":%q}`, strings.Repeat("x", 2<<20))
	resp := f.post(t, "/agent-work-orders", huge)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
