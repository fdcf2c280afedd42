//go:build !linux

package health

// scanProcessTree has no portable implementation without procfs; health
// reports skip child-process detail on these platforms.
func scanProcessTree(int) (children, zombies []int) {
	return nil, nil
}
