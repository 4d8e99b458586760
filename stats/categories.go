package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onnwee/clip-scout/transcript"
)

// CategorySet is a hot-swappable category list shared between the HTTP
// handlers and the file watcher.
type CategorySet struct {
	mu   sync.RWMutex
	cats []transcript.Category
}

// NewCategorySet returns a set seeded with cats.
func NewCategorySet(cats []transcript.Category) *CategorySet {
	return &CategorySet{cats: cats}
}

// Get returns the current categories. Callers must not mutate the slice.
func (cs *CategorySet) Get() []transcript.Category {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cats
}

// Set replaces the current categories.
func (cs *CategorySet) Set(cats []transcript.Category) {
	cs.mu.Lock()
	cs.cats = cats
	cs.mu.Unlock()
}

// DefaultCategories returns the built-in category set. ALL is the wildcard;
// the rest match common Twitch emote vocabulary.
func DefaultCategories() []transcript.Category {
	return []transcript.Category{
		{Name: "ALL", Keywords: []string{""}},
		{Name: "HYPE", Keywords: []string{"Pog", "POGGERS", "PogChamp", "LETSGO", "POGCRAZY"}},
		{Name: "LAUGH", Keywords: []string{"LUL", "ICANT", "KEKW"}},
		{Name: "SCARY", Keywords: []string{"monkaS"}},
		{Name: "SHOCK", Keywords: []string{"Cereal"}},
		{Name: "HUH", Keywords: []string{"HUHH"}},
		{Name: "MUSIC", Keywords: []string{"Jupijej", "VIBE", "DinoDance", "ratJAM"}},
		{Name: "CINEMA", Keywords: []string{"Cinema", "BINEMA", "CINEMA"}},
		{Name: "GOOD_BIT", Keywords: []string{"+2"}},
		{Name: "BAD_BIT", Keywords: []string{"-2"}},
	}
}

// LoadCategories reads a category set from a JSON file: an array of
// {"name": ..., "keywords": [...]} objects.
func LoadCategories(path string) ([]transcript.Category, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cats []transcript.Category
	if err := json.Unmarshal(b, &cats); err != nil {
		return nil, fmt.Errorf("parse categories %s: %w", path, err)
	}
	if len(cats) == 0 {
		return nil, fmt.Errorf("categories file %s is empty", path)
	}
	for _, c := range cats {
		if c.Name == "" {
			return nil, fmt.Errorf("categories file %s: category with empty name", path)
		}
	}
	return cats, nil
}

// WatchCategories reloads the category file on change and delivers each new
// set to apply. Returns after installing the watcher; the watch goroutine
// exits when ctx is done.
func WatchCategories(ctx context.Context, path string, apply func([]transcript.Category)) error {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Editors often replace the file; re-add the watch.
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(path); err != nil {
						slog.Error("categories watch re-add", slog.String("path", path), slog.Any("err", err))
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				cats, err := LoadCategories(path)
				if err != nil {
					slog.Error("categories reload failed", slog.String("path", path), slog.Any("err", err))
					continue
				}
				apply(cats)
				slog.Info("categories reloaded", slog.String("path", path), slog.Int("count", len(cats)))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("categories watch error", slog.Any("err", err))
			}
		}
	}()
	return nil
}
