package reinforce

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/fsnotify/fsnotify"
)

// Route is one entry in the static routing file.
type Route struct {
	ID       string   `json:"id"`
	Keywords []string `json:"keywords"`
	Context  string   `json:"context"`
	Tier     string   `json:"tier,omitempty"`
	Source   string   `json:"source,omitempty"`
	Scope    []string `json:"scope,omitempty"`
}

// RouteFile is the routing file's on-disk shape. Regenerated atomically by
// an external job; consumers tolerate it missing or stale.
type RouteFile struct {
	Generated  string  `json:"generated"`
	Version    int     `json:"version"`
	RouteCount int     `json:"routeCount"`
	Routes     []Route `json:"routes"`
}

// Router scores tool input against the routing file by Jaccard similarity
// of keyword sets. The file is regenerated externally; a watcher reloads it
// on change.
type Router struct {
	path string

	mu     sync.RWMutex
	routes []Route
	sets   []map[string]bool

	watcher *fsnotify.Watcher
}

// NewRouter loads the routing file. A missing file yields an empty router
// that may fill in on reload.
func NewRouter(path string) (*Router, error) {
	r := &Router{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts reloading the routing file on filesystem changes. Call Close
// to stop.
func (r *Router) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create routing watcher: %w", err)
	}
	// Watch the directory: regeneration replaces the file via rename, which
	// would drop a watch on the file itself.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch routing directory: %w", err)
	}
	r.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != r.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					slog.Warn("reinforce: routing reload failed", "err", err)
				} else {
					slog.Debug("reinforce: routing file reloaded", "path", r.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("reinforce: routing watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Router) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Routes returns the current route list.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes
}

func (r *Router) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.routes, r.sets = nil, nil
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read routing file: %w", err)
	}
	var rf RouteFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parse routing file: %w", err)
	}
	routes := rf.Routes

	sets := make([]map[string]bool, len(routes))
	for i, route := range routes {
		set := map[string]bool{}
		for _, kw := range route.Keywords {
			for token := range tokenize(kw) {
				set[token] = true
			}
		}
		sets[i] = set
	}

	r.mu.Lock()
	r.routes, r.sets = routes, sets
	r.mu.Unlock()
	return nil
}

// Match returns the best-scoring route and its Jaccard score. The caller
// applies the threshold and debounce.
func (r *Router) Match(tokens map[string]bool) (*Route, float64) {
	if len(tokens) == 0 {
		return nil, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Route
	bestScore := 0.0
	for i := range r.routes {
		score := jaccard(tokens, r.sets[i])
		if score > bestScore {
			best = &r.routes[i]
			bestScore = score
		}
	}
	return best, bestScore
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// stopwords excluded from keyword sets.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "are": true, "was": true,
	"will": true, "can": true, "has": true, "have": true, "not": true,
	"but": true, "all": true, "its": true, "per": true, "use": true,
	"get": true, "set": true, "new": true, "you": true, "your": true,
}

// tokenize lowercases, splits on non-alphanumerics, and keeps tokens longer
// than two characters that are not stopwords.
func tokenize(input string) map[string]bool {
	out := map[string]bool{}
	var current strings.Builder
	flush := func() {
		if current.Len() > 2 {
			token := current.String()
			if !stopwords[token] {
				out[token] = true
			}
		}
		current.Reset()
	}
	for _, r := range strings.ToLower(input) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}
