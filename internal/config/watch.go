package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "speedtest-exporter/pkg/logx"
)

// Watcher reports edits to the config file. Settings are read once at startup,
// so a change only produces a "restart required" warning.
type Watcher struct {
	path     string
	log      logx.Logger
	debounce time.Duration

	mu       sync.Mutex
	last     *File
	lastHash uint64
	onChange func(changed []string)
}

func NewWatcher(path string, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{path: path, log: log, debounce: 250 * time.Millisecond}
	if f, err := ParseFile(path); err == nil {
		w.last = f
		w.lastHash = hashFile(f)
	}
	return w
}

// OnChange registers fn to be called with the changed keys after each
// effective change.
func (w *Watcher) OnChange(fn func(changed []string)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Watch blocks until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	// fsnotify can get into a bad state (common on Windows + certain editors) and
	// stop delivering events or close its channels. Recreate it with backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		w.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					schedule()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.log.Warn("config watch overflow; rechecking", logx.String("dir", dir))
					schedule()
					continue
				}
				w.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}

		_ = fw.Close()
		wait := nextWait()
		w.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}

func (w *Watcher) reload() {
	f, err := ParseFile(w.path)
	if err != nil {
		w.log.Warn("config file changed but cannot be parsed", logx.String("path", w.path), logx.Err(err))
		return
	}
	h := hashFile(f)

	w.mu.Lock()
	if h != 0 && h == w.lastHash {
		w.mu.Unlock()
		w.log.Debug("config unchanged", logx.String("path", w.path))
		return
	}
	changed := ChangedKeys(w.last, f)
	w.last = f
	w.lastHash = h
	fn := w.onChange
	w.mu.Unlock()

	w.log.Warn("config file changed; restart required to apply",
		logx.String("path", w.path),
		logx.String("changed", strings.Join(changed, ",")),
	)
	if fn != nil {
		fn(changed)
	}
}

// ChangedKeys lists the file keys whose values differ between a and b, sorted.
func ChangedKeys(a, b *File) []string {
	av, bv := a.values(), b.values()
	changed := make([]string, 0, 4)
	for k, v := range bv {
		if old, ok := av[k]; !ok || !reflect.DeepEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range av {
		if _, ok := bv[k]; !ok {
			changed = append(changed, k)
		}
	}
	var al, bl *LibraryFile
	if a != nil {
		al = a.Library
	}
	if b != nil {
		bl = b.Library
	}
	if !reflect.DeepEqual(al, bl) {
		changed = append(changed, "library")
	}
	sort.Strings(changed)
	return changed
}

func hashFile(f *File) uint64 {
	if f == nil {
		return 0
	}
	b, err := json.Marshal(f)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
