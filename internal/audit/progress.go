package audit

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Progress is the resume log: one processed company name per line,
// append-only. A crashed run picks up where it left off by skipping
// every name already in the file.
type Progress struct {
	mu   sync.Mutex
	path string
	done map[string]bool
	f    *os.File
}

func OpenProgress(path string) (*Progress, error) {
	done := map[string]bool{}
	if blob, err := os.ReadFile(path); err == nil {
		sc := bufio.NewScanner(strings.NewReader(string(blob)))
		for sc.Scan() {
			if name := strings.TrimSpace(sc.Text()); name != "" {
				done[name] = true
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read progress log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open progress log: %w", err)
	}
	return &Progress{path: path, done: done, f: f}, nil
}

func (p *Progress) Done(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[strings.TrimSpace(name)]
}

// Mark records a company as processed and flushes immediately so a
// crash right after never repeats the work.
func (p *Progress) Mark(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[name] {
		return nil
	}
	if _, err := fmt.Fprintln(p.f, name); err != nil {
		return fmt.Errorf("append progress log: %w", err)
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("sync progress log: %w", err)
	}
	p.done[name] = true
	return nil
}

func (p *Progress) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.done)
}

func (p *Progress) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}
