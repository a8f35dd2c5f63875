// Package resolver expands folder references into the deduplicated recipient
// set a task will be dispatched to.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"telecast/internal/store"
)

// ErrResolution marks a folder lookup failure. It is fatal to the task.
var ErrResolution = errors.New("recipient resolution failed")

type Resolver struct {
	store store.Store
}

func New(st store.Store) *Resolver { return &Resolver{store: st} }

// Resolve returns the deduplicated union of all member recipient IDs across
// the given folders, in first-seen order. A folder with zero members is fine;
// a folder that cannot be loaded is not.
func (r *Resolver) Resolve(ctx context.Context, userID string, folderIDs []string) ([]string, error) {
	folders, err := r.store.FoldersByIDs(ctx, userID, folderIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, f := range folders {
		for _, id := range f.EntityIDs {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}
