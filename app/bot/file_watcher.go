package bot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchPatternsFile watches an extra-patterns file and calls onDataChange
// with the parsed lines on every write. Blocks until ctx is cancelled.
func WatchPatternsFile(ctx context.Context, path string, onDataChange func(patterns []string) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	done := make(chan bool)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] stopping watcher for %s, %v", path, ctx.Err())
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					patterns, e := ReadPatternsFile(path)
					if e != nil {
						log.Printf("[WARN] failed to read updated file %s: %v", path, e)
						continue
					}
					if e = onDataChange(patterns); e != nil {
						log.Printf("[WARN] failed to load updated file %s: %v", path, e)
						continue
					}
				}
			case e, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] watcher error: %v", e)
			}
		}
	}()

	err = watcher.Add(path)
	if err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", path, err)
	}
	<-done
	return nil
}

// ReadPatternsFile loads patterns from a file, one per line. Blank lines
// and lines starting with # are skipped.
func ReadPatternsFile(path string) ([]string, error) {
	file, err := os.Open(path) //nolint gosec // path is controlled by the app
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()
	return parsePatterns(file)
}

func parsePatterns(r io.Reader) ([]string, error) {
	var res []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		res = append(res, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read patterns: %w", err)
	}
	return res, nil
}
