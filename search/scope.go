package search

import "context"

// FolderLister lists the direct children of a folder.
type FolderLister interface {
	ChildFolders(ctx context.Context, parentID uint64) ([]uint64, error)
}

// ExpandScope returns the scope roots followed, for recursive searches, by
// every descendant in breadth-first order. Each folder appears once.
func ExpandScope(ctx context.Context, fl FolderLister, roots []uint64, recursive bool) ([]uint64, error) {
	seen := make(map[uint64]bool, len(roots))
	var out []uint64
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	if !recursive {
		return out, nil
	}
	for i := 0; i < len(out); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		children, err := fl.ChildFolders(ctx, out[i])
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}
