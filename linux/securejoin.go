// Package linux provides Linux-specific container primitives.
package linux

import (
	securejoin "github.com/cyphar/filepath-securejoin"
)

// SecureJoin resolves unsafePath against root the same way the kernel would
// while walking into it, re-resolving symlinks at each path component so a
// malicious rootfs cannot escape root via a dangling or absolute symlink.
// Used by RootfsBuilder and device setup wherever a spec-controlled path is
// joined onto the container's rootfs.
func SecureJoin(root, unsafePath string) (string, error) {
	return securejoin.SecureJoin(root, unsafePath)
}
