package deploy_test

import (
	"context"
	"errors"
	"os"
	"regexp"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/sftpdeploy/internal/deploy"
	"github.com/hwuu/sftpdeploy/internal/deployerr"
	"github.com/hwuu/sftpdeploy/internal/status"
)

var logLinePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} - .+$`)

func assertNonDecreasing(t *testing.T, values []int) {
	t.Helper()
	assert.True(t, sort.IntsAreSorted(values), "not non-decreasing: %v", values)
}

func assertPackagesRemoved(t *testing.T, p *fakePackager) {
	t.Helper()
	for _, path := range p.made {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "package %s left behind", path)
	}
}

func TestOrchestrator_EmptyRemote(t *testing.T) {
	h := newHarness(t)

	id, err := h.orch.StartSync(context.Background(), testSettings(t))
	require.NoError(t, err)
	assert.Regexp(t, `^deploy_[0-9a-f]{32}$`, id)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusComplete, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, deploy.MsgComplete, rec.Message)
	assert.Equal(t, "sftp", rec.Backend)
	assert.Equal(t, string(deploy.PhaseComplete), rec.Phase)

	assert.Equal(t, []int{10, 25, 40, 50, 70, 85, 100}, h.store.Progress(id))
	assertNonDecreasing(t, h.store.LogLens(id))
	for _, line := range rec.Log {
		assert.Regexp(t, logLinePattern, line)
	}
	assert.Contains(t, rec.Log[0], deploy.MsgStarting)

	assert.Equal(t, 1, h.packager.Calls())
	for _, op := range []string{"Connect", "CheckRemoteDir", "UploadFile", "ExtractArchive", "DeleteFile"} {
		assert.Equal(t, 1, h.remote.Calls(op), op)
	}
	assert.GreaterOrEqual(t, h.remote.Calls("Disconnect"), 1)
	assertPackagesRemoved(t, h.packager)
}

func TestOrchestrator_NonEmptyRemoteNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	h.remote.nonEmpty = true
	ctx := context.Background()

	id, err := h.orch.StartSync(ctx, testSettings(t))
	require.NoError(t, err)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusNeedsConfirmation, rec.Status)
	assert.Equal(t, 45, rec.Progress)
	assert.Equal(t, deploy.MsgNeedsConfirmation, rec.Message)
	assert.Equal(t, []int{10, 25, 40, 45}, h.store.Progress(id))
	assert.Equal(t, 0, h.remote.Calls("UploadFile"))

	// 等待确认期间不持有连接和本地包
	assert.Equal(t, 1, h.remote.Calls("Disconnect"))
	assertPackagesRemoved(t, h.packager)

	require.NoError(t, h.orch.ConfirmSync(ctx, id))

	rec = h.get(t, id)
	assert.Equal(t, status.StatusComplete, rec.Status)
	assert.Equal(t, []int{10, 25, 40, 45, 50, 70, 85, 100}, h.store.Progress(id))
	assertNonDecreasing(t, h.store.LogLens(id))
	assert.Equal(t, 2, h.packager.Calls())
	assert.Equal(t, 2, h.remote.Calls("Connect"))
	assert.Equal(t, 1, h.remote.Calls("CheckRemoteDir"))
	assert.Equal(t, 1, h.remote.Calls("UploadFile"))
	assertPackagesRemoved(t, h.packager)

	var confirmed bool
	for _, line := range rec.Log {
		if regexp.MustCompile(deploy.MsgConfirmed + `$`).MatchString(line) {
			confirmed = true
		}
	}
	assert.True(t, confirmed)
}

func TestOrchestrator_ConfirmAsync(t *testing.T) {
	h := newHarness(t)
	h.remote.nonEmpty = true
	ctx := context.Background()

	id, err := h.orch.Start(ctx, testSettings(t))
	require.NoError(t, err)
	h.orch.Wait(id)
	assert.Equal(t, status.StatusNeedsConfirmation, h.get(t, id).Status)

	require.NoError(t, h.orch.Confirm(ctx, id))
	h.orch.Wait(id)
	assert.Equal(t, status.StatusComplete, h.get(t, id).Status)
}

func TestOrchestrator_ConfirmAsSoonAsSuspended(t *testing.T) {
	h := newHarness(t)
	h.remote.nonEmpty = true
	ctx := context.Background()

	release := make(chan struct{})
	h.remote.SetHook("Disconnect", func() { <-release })

	id, err := h.orch.Start(ctx, testSettings(t))
	require.NoError(t, err)

	// 断开连接完成前不对外暴露 needs_confirmation
	require.Eventually(t, func() bool { return h.remote.Calls("Disconnect") == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, status.StatusInProgress, h.get(t, id).Status)
	err = h.orch.Confirm(ctx, id)
	assert.Equal(t, deployerr.CodeState, deployerr.CodeOf(err))

	close(release)
	require.Eventually(t, func() bool { return h.get(t, id).Status == status.StatusNeedsConfirmation },
		time.Second, time.Millisecond)
	require.NoError(t, h.orch.Confirm(ctx, id))
	h.orch.Wait(id)
	assert.Equal(t, status.StatusComplete, h.get(t, id).Status)
}

func TestOrchestrator_ConfirmRacesSuspend(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.remote.nonEmpty = true
		ctx := context.Background()

		id, err := h.orch.Start(ctx, testSettings(t))
		require.NoError(t, err)
		for h.get(t, id).Status != status.StatusNeedsConfirmation {
			runtime.Gosched()
		}
		require.NoError(t, h.orch.Confirm(ctx, id), "iteration %d", i)
		h.orch.Wait(id)
		assert.Equal(t, status.StatusComplete, h.get(t, id).Status)
	}
}

func TestOrchestrator_ConfirmInWrongStateDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.StartSync(ctx, testSettings(t))
	require.NoError(t, err)
	before := h.get(t, id)

	err = h.orch.Confirm(ctx, id)
	require.Error(t, err)
	assert.Equal(t, deployerr.CodeState, deployerr.CodeOf(err))
	assert.Contains(t, err.Error(), "invalid deployment status")
	assert.Equal(t, before, h.get(t, id))

	err = h.orch.Confirm(ctx, "deploy_missing")
	assert.Equal(t, deployerr.CodeNotFound, deployerr.CodeOf(err))
}

func TestOrchestrator_ConfirmWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	h.remote.SetHook("UploadFile", func() {
		close(entered)
		<-release
	})

	id, err := h.orch.Start(ctx, testSettings(t))
	require.NoError(t, err)
	<-entered

	// 上传阻塞期间查询不等待
	rec := h.get(t, id)
	assert.Equal(t, status.StatusInProgress, rec.Status)
	assert.Equal(t, 50, rec.Progress)

	err = h.orch.Confirm(ctx, id)
	assert.Equal(t, deployerr.CodeState, deployerr.CodeOf(err))
	assert.Equal(t, rec, h.get(t, id))

	close(release)
	h.orch.Wait(id)
	assert.Equal(t, status.StatusComplete, h.get(t, id).Status)
}

func TestOrchestrator_ErrorFreezesProgress(t *testing.T) {
	h := newHarness(t)
	h.remote.SetErr("ExtractArchive", deployerr.New(deployerr.CodeRemoteCommand, "unzip", errors.New("unzip: command not found")))

	id, err := h.orch.StartSync(context.Background(), testSettings(t))
	require.NoError(t, err)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusError, rec.Status)
	assert.Equal(t, 70, rec.Progress)
	assert.Equal(t, "Deployment failed: unzip: unzip: command not found", rec.Message)
	assert.Equal(t, string(deploy.PhaseError), rec.Phase)
	assert.Equal(t, []int{10, 25, 40, 50, 70}, h.store.Progress(id))
	assert.Equal(t, 0, h.remote.Calls("DeleteFile"))
	assert.GreaterOrEqual(t, h.remote.Calls("Disconnect"), 1)
	assertPackagesRemoved(t, h.packager)

	_, err = h.store.Update(context.Background(), id, status.Patch{Progress: status.Int(100)})
	assert.ErrorIs(t, err, status.ErrTerminal)
}

func TestOrchestrator_PackagerError(t *testing.T) {
	h := newHarness(t)
	h.packager.Err = deployerr.Newf(deployerr.CodeNotFound, "source directory does not exist: /nope")

	id, err := h.orch.StartSync(context.Background(), testSettings(t))
	require.NoError(t, err)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusError, rec.Status)
	assert.Equal(t, 10, rec.Progress)
	assert.Equal(t, "Deployment failed: source directory does not exist: /nope", rec.Message)
	assert.Equal(t, 0, h.remote.TotalCalls())
}

func TestOrchestrator_ConnectError(t *testing.T) {
	h := newHarness(t)
	h.remote.SetErr("Connect", deployerr.Newf(deployerr.CodeAuth, "unable to authenticate"))

	id, err := h.orch.StartSync(context.Background(), testSettings(t))
	require.NoError(t, err)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusError, rec.Status)
	assert.Equal(t, 25, rec.Progress)
	assert.Equal(t, 0, h.remote.Calls("CheckRemoteDir"))
	assert.Equal(t, 1, h.remote.Calls("Disconnect"))
	assertPackagesRemoved(t, h.packager)
}

func TestOrchestrator_TestModeSkipsEverything(t *testing.T) {
	h := newHarness(t)
	s := testSettings(t)
	s.TestMode = true
	s.SFTP.Host = ""

	id, err := h.orch.StartSync(context.Background(), s)
	require.NoError(t, err)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusComplete, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, deploy.MsgTestMode, rec.Message)
	assert.Equal(t, 0, h.packager.Calls())
	assert.Equal(t, 0, h.remote.TotalCalls())
}

func TestOrchestrator_InvalidSettings(t *testing.T) {
	h := newHarness(t)
	s := testSettings(t)
	s.SFTP.Host = ""

	id, err := h.orch.StartSync(context.Background(), s)
	require.NoError(t, err)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusError, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Contains(t, rec.Message, "invalid setting sftp.host")
	assert.Equal(t, 0, h.packager.Calls())
}

func TestOrchestrator_SettingsSnapshot(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	h.remote.SetHook("Connect", func() {
		close(entered)
		<-release
	})

	s := testSettings(t)
	id, err := h.orch.Start(context.Background(), s)
	require.NoError(t, err)
	<-entered
	s.SFTP.Host = ""
	s.TestMode = true
	close(release)
	h.orch.Wait(id)

	assert.Equal(t, status.StatusComplete, h.get(t, id).Status)
	assert.Equal(t, 1, h.remote.Calls("UploadFile"))
}

func TestOrchestrator_CancelRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var id string
	var once sync.Once
	started := make(chan struct{})
	h.remote.SetHook("UploadFile", func() {
		once.Do(func() {
			<-started
			assert.NoError(t, h.orch.Cancel(ctx, id))
		})
	})

	id, err := h.orch.Start(ctx, testSettings(t))
	require.NoError(t, err)
	close(started)
	h.orch.Wait(id)

	rec := h.get(t, id)
	assert.Equal(t, status.StatusError, rec.Status)
	assert.Equal(t, deploy.MsgCancelled, rec.Message)
	assert.Equal(t, string(deploy.PhaseCancelled), rec.Phase)
	assert.Equal(t, 50, rec.Progress, "upload in flight is not aborted; stops at next checkpoint")
	assert.Equal(t, 1, h.remote.Calls("UploadFile"))
	assert.Equal(t, 0, h.remote.Calls("ExtractArchive"))
	assertPackagesRemoved(t, h.packager)
}

func TestOrchestrator_CancelSuspended(t *testing.T) {
	h := newHarness(t)
	h.remote.nonEmpty = true
	ctx := context.Background()

	id, err := h.orch.StartSync(ctx, testSettings(t))
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(ctx, id))
	rec := h.get(t, id)
	assert.Equal(t, status.StatusError, rec.Status)
	assert.Equal(t, deploy.MsgCancelled, rec.Message)
	assert.Equal(t, 45, rec.Progress)

	err = h.orch.Confirm(ctx, id)
	assert.Equal(t, deployerr.CodeState, deployerr.CodeOf(err))

	err = h.orch.Cancel(ctx, id)
	assert.Equal(t, deployerr.CodeState, deployerr.CodeOf(err))

	err = h.orch.Cancel(ctx, "deploy_missing")
	assert.Equal(t, deployerr.CodeNotFound, deployerr.CodeOf(err))
}

func TestOrchestrator_StatusNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Status(context.Background(), "deploy_missing")
	assert.Equal(t, deployerr.CodeNotFound, deployerr.CodeOf(err))
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.Contains(t, err.Error(), "deployment not found or expired")
}

func TestOrchestrator_ConcurrentDeployments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := make(map[string]bool)
	for i := 0; i < 8; i++ {
		id, err := h.orch.Start(ctx, testSettings(t))
		require.NoError(t, err)
		ids[id] = true
	}
	assert.Len(t, ids, 8)

	for id := range ids {
		h.orch.Wait(id)
		rec := h.get(t, id)
		assert.Equal(t, status.StatusComplete, rec.Status)
		assert.Equal(t, []int{10, 25, 40, 50, 70, 85, 100}, h.store.Progress(id))
	}
	assert.Equal(t, 8, h.remote.Calls("UploadFile"))
}
