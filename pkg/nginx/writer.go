package nginx

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Writer keeps nginx.conf up to date
type Writer struct {
	path     string
	fs       afero.Fs
	reloader Reloader
}

// Write renders the settings into the config file and reloads nginx. Nothing happens when the
// file already has the same content. Returns true if the file was written.
func (w *Writer) Write(settings Settings) (bool, error) {
	content := []byte(Render(settings))
	existing, readErr := afero.ReadFile(w.fs, w.path)
	if readErr == nil && bytes.Equal(existing, content) {
		logrus.Debugf("NGINX config file %s is up to date", w.path)
		return false, nil
	} else if readErr != nil && !os.IsNotExist(readErr) {
		return false, fmt.Errorf("could not read NGINX config file: %w", readErr)
	}
	if err := w.fs.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return false, fmt.Errorf("could not create NGINX config directory: %w", err)
	}
	if err := afero.WriteFile(w.fs, w.path, content, 0o644); err != nil {
		return false, fmt.Errorf("could not write NGINX config file: %w", err)
	}
	logrus.Infof("Wrote NGINX config file %s", w.path)
	if w.reloader != nil {
		if err := w.reloader.Reload(); err != nil {
			logrus.Errorf("Could not reload NGINX: %v", err)
		}
	}
	return true, nil
}

// NewWriter creates Writer instances. reloader may be nil when nginx is started after the
// config is written.
func NewWriter(fs afero.Fs, path string, reloader Reloader) *Writer {
	return &Writer{path: path, fs: fs, reloader: reloader}
}
