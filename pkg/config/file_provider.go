package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-pii/pkg/pii"
)

const defaultDebounce = 100 * time.Millisecond

// PolicyUpdate is published whenever the watched policy file yields valid options.
type PolicyUpdate struct {
	Name    string
	Options pii.Options
}

// PolicyWatcher reloads a policy file on change and fans validated updates out to
// subscribers. Invalid edits are logged and the previous policy stays current.
type PolicyWatcher struct {
	path        string
	salt        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	current     PolicyUpdate
	subscribers []chan PolicyUpdate
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPolicyWatcher loads the policy at path and starts watching its directory.
// The initial load must succeed. saltOverride is applied to every reload.
func NewPolicyWatcher(path, saltOverride string, logger *slog.Logger) (*PolicyWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &PolicyWatcher{
		path:     absPath,
		salt:     saltOverride,
		logger:   logger,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}

	update, err := p.read()
	if err != nil {
		return nil, err
	}
	p.current = update

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files via rename, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the most recent valid policy.
func (p *PolicyWatcher) Current() PolicyUpdate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives policy updates. Slow consumers only
// ever see the newest pending update.
func (p *PolicyWatcher) Subscribe() <-chan PolicyUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan PolicyUpdate, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *PolicyWatcher) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

func (p *PolicyWatcher) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			}
		case <-reload:
			if err := p.reload(); err != nil {
				p.logger.Warn("policy reload rejected", "path", p.path, "error", err)
			} else {
				p.logger.Info("policy reloaded", "path", p.path, "policy", p.Current().Name)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("policy watcher error", "error", err)
		}
	}
}

func (p *PolicyWatcher) read() (PolicyUpdate, error) {
	policy, err := LoadPolicy(p.path)
	if err != nil {
		return PolicyUpdate{}, err
	}
	opts, err := policy.PIIOptions(p.salt)
	if err != nil {
		return PolicyUpdate{}, err
	}
	// Reject policies that parse but do not build, so subscribers never see them.
	if _, err := pii.Build(opts); err != nil {
		return PolicyUpdate{}, fmt.Errorf("policy %q: %w", policy.Name, err)
	}
	return PolicyUpdate{Name: policy.Name, Options: opts}, nil
}

func (p *PolicyWatcher) reload() error {
	update, err := p.read()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = update
	subscribers := make([]chan PolicyUpdate, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Drop a stale pending update so the newest one always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- update:
		default:
		}
	}

	return nil
}
