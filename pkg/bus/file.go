package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const tempPrefix = ".alpaca-tmp-"

// FileBus is a Bus backed by a directory of JSON records.
//
// Layout:
//
//	{root}/inbox/{agent}/{seq:020d}-{id}.json    unacknowledged
//	{root}/archive/{agent}/{seq:020d}-{id}.json  acknowledged
//	{root}/counter.json                          last seq and timestamp
//	{root}/.lock                                 cross-process publish lock
//
// Several processes may share one root; publishes are serialized by an flock.
type FileBus struct {
	root string
	mu   sync.Mutex
	lock *fileLock
	now  func() time.Time
}

type counterState struct {
	Seq       int64 `json:"seq"`
	Timestamp int64 `json:"timestamp"`
}

// NewFileBus creates (or reopens) a file-backed bus rooted at dir.
func NewFileBus(dir string) (*FileBus, error) {
	if dir == "" {
		return nil, fmt.Errorf("bus directory cannot be empty")
	}

	for _, agent := range Agents {
		for _, sub := range []string{"inbox", "archive"} {
			if err := os.MkdirAll(filepath.Join(dir, sub, agent), 0755); err != nil {
				return nil, fmt.Errorf("failed to create bus directory: %w", err)
			}
		}
	}

	return &FileBus{
		root: dir,
		lock: newFileLock(filepath.Join(dir, ".lock")),
		now:  time.Now,
	}, nil
}

// Close implements Bus. FileBus holds no open handles between calls.
func (b *FileBus) Close() error {
	return nil
}

// Publish implements Bus.
func (b *FileBus) Publish(ctx context.Context, msg *Message) (Ack, error) {
	if err := msg.Validate(); err != nil {
		return Ack{}, fmt.Errorf("invalid message: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.lock.Lock(); err != nil {
		return Ack{}, err
	}
	defer func() {
		if err := b.lock.Unlock(); err != nil {
			log.Printf("[WARN] Failed to release bus lock: %v", err)
		}
	}()

	counter, err := b.readCounter()
	if err != nil {
		return Ack{}, err
	}

	counter.Seq++
	counter.Timestamp = clampTimestamp(b.now().UnixMilli(), counter.Timestamp)

	// The counter is committed first so a crash between the two writes leaves
	// a gap in the sequence rather than a reused number.
	if err := b.writeCounter(counter); err != nil {
		return Ack{}, err
	}

	record := *msg
	record.Seq = counter.Seq
	record.Timestamp = counter.Timestamp
	data, err := json.Marshal(&record)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	path := filepath.Join(b.root, "inbox", msg.To, recordName(record.Seq, record.ID))
	if err := atomicWrite(path, data); err != nil {
		return Ack{}, fmt.Errorf("failed to write message: %w", err)
	}

	msg.Seq = record.Seq
	msg.Timestamp = record.Timestamp
	return Ack{ID: msg.ID, Seq: msg.Seq, Timestamp: msg.Timestamp}, nil
}

// Consume implements Bus.
func (b *FileBus) Consume(ctx context.Context, agent string, since int64) ([]*Message, error) {
	if !IsAgent(agent) {
		return nil, fmt.Errorf("unknown agent: %q", agent)
	}

	dir := filepath.Join(b.root, "inbox", agent)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox for %s: %w", agent, err)
	}

	var messages []*Message
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seq, _, ok := parseRecordName(entry.Name())
		if !ok || seq <= since {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			// Acknowledged by another consumer since ReadDir.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message %s: %w", entry.Name(), err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", entry.Name(), err)
		}
		messages = append(messages, &msg)
	}

	sortMessages(messages)
	return messages, nil
}

// Acknowledge implements Bus. The record is moved into the archive directory.
func (b *FileBus) Acknowledge(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pattern := "*-" + messageID + ".json"
	matches, err := filepath.Glob(filepath.Join(b.root, "inbox", "*", pattern))
	if err != nil {
		return fmt.Errorf("failed to locate message %s: %w", messageID, err)
	}

	if len(matches) == 0 {
		archived, err := filepath.Glob(filepath.Join(b.root, "archive", "*", pattern))
		if err != nil {
			return fmt.Errorf("failed to locate message %s: %w", messageID, err)
		}
		if len(archived) > 0 {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}

	src := matches[0]
	agent := filepath.Base(filepath.Dir(src))
	dst := filepath.Join(b.root, "archive", agent, filepath.Base(src))
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to archive message %s: %w", messageID, err)
	}

	now := b.now()
	if err := os.Chtimes(dst, now, now); err != nil {
		log.Printf("[WARN] Failed to stamp archived message %s: %v", messageID, err)
	}
	return nil
}

// Pending implements Bus.
func (b *FileBus) Pending(ctx context.Context, agent string) (int64, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "inbox", agent))
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox for %s: %w", agent, err)
	}

	var n int64
	for _, entry := range entries {
		if _, _, ok := parseRecordName(entry.Name()); ok {
			n++
		}
	}
	return n, nil
}

// Prune implements Bus by deleting archived records acknowledged before cutoff.
func (b *FileBus) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, agent := range Agents {
		dir := filepath.Join(b.root, "archive", agent)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("failed to read archive for %s: %w", agent, err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Notify implements Notifier by watching the agent's inbox directory.
func (b *FileBus) Notify(ctx context.Context, agent string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	if err := watcher.Add(filepath.Join(b.root, "inbox", agent)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch inbox for %s: %w", agent, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if strings.HasPrefix(filepath.Base(event.Name), tempPrefix) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] Inbox watcher error for %s: %v", agent, err)
			}
		}
	}()

	return wake, nil
}

func (b *FileBus) readCounter() (counterState, error) {
	var c counterState
	data, err := os.ReadFile(filepath.Join(b.root, "counter.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("failed to read bus counter: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to decode bus counter: %w", err)
	}
	return c, nil
}

func (b *FileBus) writeCounter(c counterState) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal bus counter: %w", err)
	}
	if err := atomicWrite(filepath.Join(b.root, "counter.json"), data); err != nil {
		return fmt.Errorf("failed to write bus counter: %w", err)
	}
	return nil
}

func recordName(seq int64, id string) string {
	return fmt.Sprintf("%020d-%s.json", seq, id)
}

// parseRecordName extracts seq and message ID from a record file name.
func parseRecordName(name string) (int64, string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return 0, "", false
	}
	seqPart, idPart, ok := strings.Cut(strings.TrimSuffix(name, ".json"), "-")
	if !ok {
		return 0, "", false
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return seq, idPart, true
}

// atomicWrite writes content to path via a synced temp file and rename.
func atomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
