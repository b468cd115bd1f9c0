package deploy_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/deploy"
	"github.com/hwuu/sftpdeploy/internal/packager"
	"github.com/hwuu/sftpdeploy/internal/status"
	"github.com/hwuu/sftpdeploy/internal/transport"
)

// fakePackager 在临时目录写一个假的 zip 包并记录调用次数
type fakePackager struct {
	mu    sync.Mutex
	dir   string
	calls int
	Err   error
	made  []string
}

func (p *fakePackager) CreatePackage(ctx context.Context, sourceDir string) (*packager.Package, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return nil, p.Err
	}
	path := filepath.Join(p.dir, fmt.Sprintf("deploy_%d.zip", p.calls))
	if err := os.WriteFile(path, []byte("zip"), 0600); err != nil {
		return nil, err
	}
	p.made = append(p.made, path)
	return &packager.Package{Path: path, Files: 3, Size: 3}, nil
}

func (p *fakePackager) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeRemote 记录所有 Transport 调用，可为每种操作注入错误或钩子
type fakeRemote struct {
	mu       sync.Mutex
	backend  transport.Backend
	nonEmpty bool
	calls    map[string]int
	errs     map[string]error
	hooks    map[string]func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		backend: transport.BackendSFTP,
		calls:   make(map[string]int),
		errs:    make(map[string]error),
		hooks:   make(map[string]func()),
	}
}

func (f *fakeRemote) op(name string) error {
	f.mu.Lock()
	f.calls[name]++
	hook := f.hooks[name]
	err := f.errs[name]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeRemote) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) SetErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
}

func (f *fakeRemote) SetHook(name string, hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[name] = hook
}

func (f *fakeRemote) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRemote) For(ctx context.Context, cfg transport.Config) (transport.Transport, error) {
	if err := f.op("For"); err != nil {
		return nil, err
	}
	return &fakeTransport{remote: f}, nil
}

func (f *fakeRemote) TestConnection(ctx context.Context, cfg transport.Config) (*transport.TestResult, error) {
	if err := f.op("TestConnection"); err != nil {
		return nil, err
	}
	return &transport.TestResult{Backend: f.backend, Latency: time.Millisecond}, nil
}

type fakeTransport struct {
	remote *fakeRemote
}

func (t *fakeTransport) Connect(ctx context.Context, cfg transport.Config) error {
	return t.remote.op("Connect")
}

func (t *fakeTransport) CheckRemoteDir(ctx context.Context, path string) (bool, error) {
	if err := t.remote.op("CheckRemoteDir"); err != nil {
		return false, err
	}
	t.remote.mu.Lock()
	defer t.remote.mu.Unlock()
	return t.remote.nonEmpty, nil
}

func (t *fakeTransport) UploadFile(ctx context.Context, localPath, remoteDir string) (string, error) {
	if err := t.remote.op("UploadFile"); err != nil {
		return "", err
	}
	return transport.JoinRemote(remoteDir, filepath.Base(localPath)), nil
}

func (t *fakeTransport) ExtractArchive(ctx context.Context, remoteArchive, extractTo string) error {
	return t.remote.op("ExtractArchive")
}

func (t *fakeTransport) DeleteFile(ctx context.Context, remotePath string) error {
	return t.remote.op("DeleteFile")
}

func (t *fakeTransport) Disconnect() error {
	return t.remote.op("Disconnect")
}

func (t *fakeTransport) Backend() transport.Backend {
	return t.remote.backend
}

// recordingStore 记录每次成功写入的进度值
type recordingStore struct {
	status.Store
	mu       sync.Mutex
	progress map[string][]int
	logLens  map[string][]int
}

func newRecordingStore(t *testing.T) *recordingStore {
	mem := status.NewMemoryStore(time.Hour)
	t.Cleanup(func() { mem.Close() })
	return &recordingStore{
		Store:    mem,
		progress: make(map[string][]int),
		logLens:  make(map[string][]int),
	}
}

func (s *recordingStore) Update(ctx context.Context, id string, p status.Patch) (*status.Record, error) {
	rec, err := s.Store.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Progress != nil {
		s.progress[id] = append(s.progress[id], *p.Progress)
	}
	s.logLens[id] = append(s.logLens[id], len(rec.Log))
	return rec, nil
}

func (s *recordingStore) Progress(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress[id]...)
}

func (s *recordingStore) LogLens(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.logLens[id]...)
}

type harness struct {
	store    *recordingStore
	packager *fakePackager
	remote   *fakeRemote
	orch     *deploy.Orchestrator
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		store:    newRecordingStore(t),
		packager: &fakePackager{dir: t.TempDir()},
		remote:   newFakeRemote(),
	}
	h.orch = deploy.NewOrchestrator(h.store, h.packager, h.remote, nil)
	return h
}

func testSettings(t *testing.T) *config.Settings {
	s := config.DefaultSettings()
	s.SFTP.Host = "deploy.example.com"
	s.SFTP.Username = "deployer"
	s.SFTP.Password = "hunter2"
	s.SFTP.RemotePath = "/var/www/site/"
	s.Local.SourcePath = t.TempDir()
	return s
}

func (h *harness) get(t *testing.T, id string) *status.Record {
	t.Helper()
	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	return rec
}
