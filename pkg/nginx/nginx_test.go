package nginx

import (
	"errors"
	"testing"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		ListenPort:        5000,
		WorkerProcesses:   "auto",
		WorkerConnections: 1024,
		Upstream:          "http://127.0.0.1:29326/",
		AccessLog:         "/dev/stdout",
	}
}

func TestRenderContainsProxyAndNullLocation(t *testing.T) {
	// when
	conf := Render(testSettings())

	// then
	assert.Contains(t, conf, "worker_processes auto;")
	assert.Contains(t, conf, "worker_connections 1024;")
	assert.Contains(t, conf, "listen 5000;")
	assert.Contains(t, conf, "proxy_pass http://127.0.0.1:29326;")
	assert.Contains(t, conf, "access_log /dev/stdout timed;")
	assert.Contains(t, conf, "location = /null {")
	assert.Contains(t, conf, `return 200 "null";`)
}

func TestRenderWithoutAccessLog(t *testing.T) {
	// given
	settings := testSettings()
	settings.AccessLog = ""

	// when
	conf := Render(settings)

	// then
	assert.Contains(t, conf, "access_log off;")
}

type countingReloader struct {
	calls int
	err   error
}

func (r *countingReloader) Reload() error {
	r.calls++
	return r.err
}

func TestWriterWritesAndReloadsOnlyOnChange(t *testing.T) {
	// given
	fs := afero.NewMemMapFs()
	reloader := &countingReloader{}
	writer := NewWriter(fs, "/etc/nginx/nginx.conf", reloader)

	// when
	firstWritten, firstErr := writer.Write(testSettings())
	secondWritten, secondErr := writer.Write(testSettings())
	changed := testSettings()
	changed.ListenPort = 6000
	thirdWritten, thirdErr := writer.Write(changed)

	// then
	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	require.NoError(t, thirdErr)
	assert.True(t, firstWritten)
	assert.False(t, secondWritten)
	assert.True(t, thirdWritten)
	assert.Equal(t, 2, reloader.calls)
	content, readErr := afero.ReadFile(fs, "/etc/nginx/nginx.conf")
	require.NoError(t, readErr)
	assert.Contains(t, string(content), "listen 6000;")
}

func TestWriterIgnoresReloadFailures(t *testing.T) {
	// given
	reloader := &countingReloader{err: ErrNoProcess}
	writer := NewWriter(afero.NewMemMapFs(), "/nginx.conf", reloader)

	// when
	written, err := writer.Write(testSettings())

	// then
	assert.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, 1, reloader.calls)
}

func TestWriterFailsOnReadOnlyFs(t *testing.T) {
	// given
	writer := NewWriter(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/etc/nginx/nginx.conf", nil)

	// when
	_, err := writer.Write(testSettings())

	// then
	assert.Error(t, err)
}

type fakeProcess struct {
	pid        int
	executable string
}

func (p fakeProcess) Pid() int           { return p.pid }
func (p fakeProcess) PPid() int          { return 1 }
func (p fakeProcess) Executable() string { return p.executable }

func TestPidReloaderSignalsLowestNginxPid(t *testing.T) {
	tests := []struct {
		name        string
		processes   []ps.Process
		expectedPid int
		expectedErr error
	}{
		{
			name: "master and workers",
			processes: []ps.Process{
				fakeProcess{pid: 12, executable: "nginx"},
				fakeProcess{pid: 3, executable: "asmux"},
				fakeProcess{pid: 10, executable: "nginx"},
				fakeProcess{pid: 11, executable: "nginx"},
			},
			expectedPid: 10,
		},
		{
			name: "no nginx",
			processes: []ps.Process{
				fakeProcess{pid: 3, executable: "asmux"},
			},
			expectedPid: -1,
			expectedErr: ErrNoProcess,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// given
			signalled := -1
			reloader := &lowestMatchingProcessIDReloader{
				executable: "nginx",
				processes:  func() ([]ps.Process, error) { return tt.processes, nil },
				signal: func(pid int) error {
					signalled = pid
					return nil
				},
			}

			// when
			err := reloader.Reload()

			// then
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.expectedPid, signalled)
		})
	}
}

func TestRetryingReloaderRetriesUntilSuccess(t *testing.T) {
	// given
	child := &flakyReloader{failures: 2}
	reloader := NewRetryingReloader(child, 5, time.Millisecond)

	// when
	err := reloader.Reload()

	// then
	assert.NoError(t, err)
	assert.Equal(t, 3, child.calls)
}

func TestRetryingReloaderGivesUp(t *testing.T) {
	// given
	child := &flakyReloader{failures: 10}
	reloader := NewRetryingReloader(child, 3, time.Millisecond)

	// when
	err := reloader.Reload()

	// then
	assert.Error(t, err)
	assert.Equal(t, 3, child.calls)
}

type flakyReloader struct {
	failures int
	calls    int
}

func (r *flakyReloader) Reload() error {
	r.calls++
	if r.calls <= r.failures {
		return errors.New("nginx is not running yet")
	}
	return nil
}
