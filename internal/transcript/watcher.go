// Package transcript tails provider transcript JSONL files and feeds
// token usage into the analytics store in near real time. Per-file
// byte offsets make re-reads cheap; the analytics dedup index makes
// them harmless.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"overseer/internal/analytics"
	"overseer/internal/logging"
)

// Recorder is the slice of the analytics store the watcher writes to.
type Recorder interface {
	RecordTokenUsage(missionID, stage string, usage analytics.Usage, model, requestID string) (bool, error)
	RecordedRequestIDs(missionID string) (map[string]struct{}, error)
}

// Stats tracks watcher activity for the dashboard and tests.
type Stats struct {
	FilesSeen      int
	LinesParsed    int
	LinesSkipped   int
	EventsRecorded int
	Duplicates     int
	Errors         int
	LastEventTime  time.Time
	LastEventFile  string
}

// transcriptLine is the subset of a provider transcript line the
// watcher consumes. Everything else on the line is ignored.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	RequestID string `json:"requestId"`
}

// Watcher tails every .jsonl file in one mission's transcript
// directory. File events come from inotify when available; a polling
// sweep covers filesystems where they do not.
type Watcher struct {
	dir          string
	missionID    string
	recorder     Recorder
	stageFn      func() string
	pollInterval time.Duration
	pushInterval time.Duration
	onUpdate     func(Stats)

	mu       sync.RWMutex
	offsets  map[string]int64
	partials map[string]string
	seen     map[string]struct{}
	watcher  *fsnotify.Watcher
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastPush time.Time
	stats    Stats
}

// NewWatcher builds a watcher over dir for one mission. stageFn
// resolves the stage a token event is attributed to at arrival time;
// a nil stageFn records events with an empty stage.
func NewWatcher(dir, missionID string, recorder Recorder, stageFn func() string) *Watcher {
	if stageFn == nil {
		stageFn = func() string { return "" }
	}
	return &Watcher{
		dir:          dir,
		missionID:    missionID,
		recorder:     recorder,
		stageFn:      stageFn,
		pollInterval: 2 * time.Second,
		pushInterval: time.Second,
		offsets:      make(map[string]int64),
		partials:     make(map[string]string),
		seen:         make(map[string]struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetPollInterval overrides the polling fallback cadence.
func (w *Watcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetUpdateFunc registers a rate-limited stats callback for dashboard
// pushes. The callback runs on the watcher goroutine and must not block.
func (w *Watcher) SetUpdateFunc(fn func(Stats)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUpdate = fn
}

// Start begins watching. Non-blocking; the loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		logging.TranscriptWarn("could not create transcript dir %s: %v", w.dir, err)
	}

	// Restart safety: request ids already in the store never re-record.
	if ids, err := w.recorder.RecordedRequestIDs(w.missionID); err != nil {
		logging.TranscriptWarn("request id preload failed: %v", err)
	} else {
		w.mu.Lock()
		w.seen = ids
		w.mu.Unlock()
		logging.Transcript("preloaded %d recorded request ids for mission %s", len(ids), w.missionID)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logging.TranscriptWarn("inotify unavailable, polling only: %v", err)
	} else {
		w.mu.Lock()
		w.watcher = fsw
		w.mu.Unlock()
		if err := fsw.Add(w.dir); err != nil {
			logging.TranscriptWarn("initial watch failed (dir may appear later): %v", err)
		} else {
			logging.Transcript("watching transcript dir: %s", w.dir)
		}
	}

	// Catch up on content written before the watcher existed.
	w.sweep()

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the loop to exit. The watcher
// flushes nothing: every event is already in the store when recorded.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if fsw != nil {
		if err := fsw.Close(); err != nil {
			logging.TranscriptError("error closing fs watcher: %v", err)
		}
	}
	logging.Transcript("transcript watcher stopped")
}

// IsRunning reports whether the loop is live.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns a copy of the activity counters.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errors chan error
	w.mu.RLock()
	if w.watcher != nil {
		events = w.watcher.Events
		errors = w.watcher.Errors
	}
	w.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEvent(event)
		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			logging.TranscriptError("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			// Polling fallback doubles as the sweep for events inotify
			// missed (renames into the directory, network mounts).
			w.sweep()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	w.processFile(event.Name)
}

// sweep processes every transcript file currently in the directory.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.TranscriptDebug("sweep read dir: %v", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		w.processFile(filepath.Join(w.dir, entry.Name()))
	}
}

// processFile reads forward from the file's recorded offset and
// ingests complete lines. A trailing partial line stays buffered until
// the writer finishes it; a truncated file resets the offset so a
// rotated transcript is re-read from its beginning.
func (w *Watcher) processFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.TranscriptDebug("open %s: %v", path, err)
		}
		return
	}
	defer f.Close()

	w.mu.Lock()
	offset, known := w.offsets[path]
	partial := w.partials[path]
	if !known {
		w.stats.FilesSeen++
	}
	w.mu.Unlock()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		logging.TranscriptDebug("%s truncated (%d < %d), re-reading", path, info.Size(), offset)
		offset = 0
		partial = ""
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		logging.TranscriptDebug("seek %s: %v", path, err)
		return
	}

	reader := bufio.NewReader(f)
	for {
		chunk, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			logging.TranscriptDebug("read %s: %v", path, err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			break
		}
		offset += int64(len(chunk))
		if err == io.EOF {
			// Incomplete tail: hold it until the writer completes the line.
			partial += chunk
			break
		}
		line := partial + strings.TrimRight(chunk, "\r\n")
		partial = ""
		if strings.TrimSpace(line) != "" {
			w.ingestLine(path, line)
		}
	}

	w.mu.Lock()
	w.offsets[path] = offset
	if partial == "" {
		delete(w.partials, path)
	} else {
		w.partials[path] = partial
	}
	w.mu.Unlock()
}

// ingestLine parses one transcript line and records assistant usage.
// Malformed lines (bad JSON, mangled UTF-8) are counted and skipped;
// the stream keeps flowing.
func (w *Watcher) ingestLine(path, line string) {
	var rec transcriptLine
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		w.mu.Lock()
		w.stats.LinesSkipped++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.stats.LinesParsed++
	w.mu.Unlock()

	if rec.Type != "assistant" {
		return
	}

	usage := analytics.Usage{
		InputTokens:      rec.Message.Usage.InputTokens,
		OutputTokens:     rec.Message.Usage.OutputTokens,
		CacheReadTokens:  rec.Message.Usage.CacheReadInputTokens,
		CacheWriteTokens: rec.Message.Usage.CacheCreationInputTokens,
	}
	if usage.Total() == 0 {
		return
	}

	if rec.RequestID != "" {
		w.mu.RLock()
		_, dup := w.seen[rec.RequestID]
		w.mu.RUnlock()
		if dup {
			w.mu.Lock()
			w.stats.Duplicates++
			w.mu.Unlock()
			return
		}
	}

	inserted, err := w.recorder.RecordTokenUsage(w.missionID, w.stageFn(), usage, rec.Message.Model, rec.RequestID)
	if err != nil {
		logging.TranscriptWarn("record token usage: %v", err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if rec.RequestID != "" {
		w.seen[rec.RequestID] = struct{}{}
	}
	if inserted {
		w.stats.EventsRecorded++
		w.stats.LastEventTime = time.Now()
		w.stats.LastEventFile = filepath.Base(path)
	} else {
		w.stats.Duplicates++
	}
	push := w.onUpdate
	stats := w.stats
	throttled := push != nil && time.Since(w.lastPush) >= w.pushInterval
	if throttled {
		w.lastPush = time.Now()
	}
	w.mu.Unlock()

	if throttled {
		push(stats)
	}
}
