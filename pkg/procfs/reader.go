// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package procfs reads and parses per-task files from the proc virtual
// filesystem with a small TTL cache per reader.
package procfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrParse indicates a proc file did not have the expected shape.
var ErrParse = errors.New("malformed proc file")

// TTL is the cache policy for one proc file.
type TTL struct {
	refresh time.Duration
	expires bool
}

// Static never expires. Suitable for data fixed for the task's lifetime:
// status, cmdline, owner UID.
var Static = TTL{}

// Refresh expires the cached content once it is older than d.
func Refresh(d time.Duration) TTL {
	return TTL{refresh: d, expires: true}
}

// niceRefresh bounds how stale a cached stat line may get; the nice value
// can drift while a task runs.
const niceRefresh = 2 * time.Second

type cacheEntry struct {
	content string
	stamp   time.Time
	ttl     TTL
}

func (e *cacheEntry) valid(now time.Time) bool {
	if !e.ttl.expires {
		return true
	}
	return now.Sub(e.stamp) < e.ttl.refresh
}

// Reader reads the files of a single task. Each reader owns its cache,
// so invalidation never crosses tasks; repeated status reads during
// metadata extraction hit the cache.
//
// Reader is not safe for concurrent use.
type Reader struct {
	procPath string
	tid      int32
	dir      string
	cache    map[string]cacheEntry
	now      func() time.Time
}

// NewReader creates a reader for the task tid, rooted at /proc/<tid>.
func NewReader(procPath string, tid int32) *Reader {
	return &Reader{
		procPath: procPath,
		tid:      tid,
		dir:      filepath.Join(procPath, strconv.Itoa(int(tid))),
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// NewThreadReader creates a reader for a non-leader thread, rooted at
// /proc/<tgid>/task/<tid>.
func NewThreadReader(procPath string, tgid, tid int32) *Reader {
	r := NewReader(procPath, tid)
	r.dir = filepath.Join(procPath, strconv.Itoa(int(tgid)), "task", strconv.Itoa(int(tid)))
	return r
}

// TID returns the task this reader is bound to.
func (r *Reader) TID() int32 {
	return r.tid
}

func (r *Reader) read(path string, ttl TTL) (string, error) {
	now := r.now()
	if entry, ok := r.cache[path]; ok && entry.valid(now) {
		return entry.content, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	content := string(data)
	r.cache[path] = cacheEntry{content: content, stamp: now, ttl: ttl}
	return content, nil
}

// Status reads and parses /proc/<tid>/status.
func (r *Reader) Status() (Status, error) {
	content, err := r.read(filepath.Join(r.dir, "status"), Static)
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(content)
}

// Nice extracts the nice value from /proc/<tid>/stat.
func (r *Reader) Nice() (int, error) {
	content, err := r.read(filepath.Join(r.dir, "stat"), Refresh(niceRefresh))
	if err != nil {
		return 0, err
	}
	return ParseStatNice(content)
}

// Cmdline reads /proc/<pid>/cmdline and splits it into its NUL-separated
// tokens. An empty result means a kernel thread.
func (r *Reader) Cmdline(pid int32) ([]string, error) {
	content, err := r.read(filepath.Join(r.procPath, strconv.Itoa(int(pid)), "cmdline"), Static)
	if err != nil {
		return nil, err
	}
	return SplitCmdline(content), nil
}

// Status is the subset of /proc/<pid>/status the monitor needs.
type Status struct {
	Name string
	Tgid int32
	Pid  int32
}

// ParseStatus extracts Name, Tgid and Pid from status content. All three
// must be present.
func ParseStatus(content string) (Status, error) {
	var s Status
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			s.Name = value
		case "Tgid":
			if fields := strings.Fields(value); len(fields) > 0 {
				n, err := strconv.ParseInt(fields[0], 10, 32)
				if err != nil {
					return Status{}, fmt.Errorf("%w: bad Tgid %q", ErrParse, fields[0])
				}
				s.Tgid = int32(n)
			}
		case "Pid":
			if fields := strings.Fields(value); len(fields) > 0 {
				n, err := strconv.ParseInt(fields[0], 10, 32)
				if err != nil {
					return Status{}, fmt.Errorf("%w: bad Pid %q", ErrParse, fields[0])
				}
				s.Pid = int32(n)
			}
		}
	}

	if s.Name == "" || s.Tgid == 0 || s.Pid == 0 {
		return Status{}, fmt.Errorf("%w: status missing Name, Tgid or Pid", ErrParse)
	}
	return s, nil
}

// ParseStatNice extracts the nice value from stat content: field index 16
// of the fields after the closing parenthesis of comm. The comm field may
// itself contain parentheses, so the split point is the last ')' in the
// line.
func ParseStatNice(content string) (int, error) {
	end := strings.LastIndexByte(content, ')')
	if end < 0 || strings.IndexByte(content, '(') < 0 {
		return 0, fmt.Errorf("%w: stat has no comm field", ErrParse)
	}

	fields := strings.Fields(content[end+1:])
	if len(fields) < 17 {
		return 0, fmt.Errorf("%w: stat too short (%d fields after comm)", ErrParse, len(fields))
	}

	nice, err := strconv.Atoi(fields[16])
	if err != nil {
		return 0, fmt.Errorf("%w: bad nice value %q", ErrParse, fields[16])
	}
	return nice, nil
}

// SplitCmdline splits NUL-separated cmdline content, dropping empty
// tokens.
func SplitCmdline(content string) []string {
	var args []string
	for _, tok := range strings.Split(content, "\x00") {
		if tok != "" {
			args = append(args, tok)
		}
	}
	return args
}

// CommandLine renders a task's command the way iotop displays it.
//
// The first token keeps only its basename, unless a ':' appears before
// the first '/' (presentations like "sshd-session: user@pts/6" are not
// paths). Kernel threads (no cmdline) render as "[Name]". A thread whose
// name differs from its group leader's gets a " [ThreadName]" suffix.
func CommandLine(args []string, threadName, leaderName string, isThread bool) string {
	if len(args) == 0 {
		return "[" + threadName + "]"
	}

	first := args[0]
	if slash := strings.LastIndexByte(first, '/'); slash >= 0 {
		colon := strings.IndexByte(first, ':')
		if colon < 0 || colon > strings.IndexByte(first, '/') {
			first = first[slash+1:]
		}
	}

	cmd := first
	if len(args) > 1 {
		cmd = first + " " + strings.Join(args[1:], " ")
	}

	if isThread && threadName != leaderName {
		cmd += " [" + threadName + "]"
	}
	return cmd
}
