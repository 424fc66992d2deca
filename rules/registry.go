package rules

import (
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the current forest snapshot of every subreddit, keyed by lowercased name.
// Readers get whichever snapshot was stored last; forests are never mutated in place.
type Registry struct {
	forests *xsync.MapOf[string, *Forest]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		forests: xsync.NewMapOf[string, *Forest](),
	}
}

// Get returns the snapshot for a subreddit
func (r *Registry) Get(subreddit string) (*Forest, bool) {
	return r.forests.Load(strings.ToLower(subreddit))
}

// Swap installs a new snapshot and returns the one it replaced, if any
func (r *Registry) Swap(subreddit string, f *Forest) (*Forest, bool) {
	return r.forests.LoadAndStore(strings.ToLower(subreddit), f)
}

// Delete drops a subreddit's snapshot
func (r *Registry) Delete(subreddit string) {
	r.forests.Delete(strings.ToLower(subreddit))
}

// Names lists the subreddits with a snapshot, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, r.forests.Size())
	r.forests.Range(func(name string, _ *Forest) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
