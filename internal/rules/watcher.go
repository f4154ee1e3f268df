// Copyright 2025 The Acteon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/pkg/errors"
)

// Watcher reloads the engine's rule set whenever files in the rules
// directory change. Events are debounced so editors that write in several
// steps trigger one reload.
type Watcher struct {
	engine   *Engine
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher starts watching dir. Call Close to stop.
func NewWatcher(engine *Engine, dir string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create rules watcher")
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, errors.Wrapf(err, "watch rules directory %s", dir)
	}

	w := &Watcher{
		engine:   engine,
		dir:      dir,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func relevant(event fsnotify.Event) bool {
	ext := strings.ToLower(filepath.Ext(event.Name))
	if ext != ".yaml" && ext != ".yml" {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", log.Error(err))
		case <-fire:
			timer = nil
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("rules reload failed, keeping previous set",
			"directory", w.dir, log.Error(err))
		return
	}
	w.engine.Replace(rules)
	w.logger.Info("rules reloaded", "directory", w.dir, "rules", len(rules))
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fsw.Close()
	<-w.doneCh
	return err
}
