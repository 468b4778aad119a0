// namei.go implements path resolution and the mount tree of spec.md
// §4.10, grounded on
// _examples/original_source/src/kernel/vfs/{lookup,vfs}.c (the
// element-at-a-time state machine, LOCKPARENT/WANTPARENT early
// returns, and mount-boundary "..") and _examples/original_source/src/kernel/vfs/dev.c
// for the devfs-second mount ordering convention.
package vfs

import (
	"strings"
	"sync"

	"elos/errno"
	"elos/kconfig"
)

// Opt carries the LOCKPARENT/WANTPARENT/NOFOLLOW request flags a
// caller passes to Namei.
type Opt uint32

const (
	OptLockParent Opt = 1 << iota
	OptWantParent
	OptNoFollow
)

// Mount binds (filesystem, root vnode) at a parent mount's directory,
// forming the mount tree of spec.md §4.10.
type Mount struct {
	Root       *Vnode
	MountPoint *Vnode // the vnode in the parent mount this mount is attached to; nil for the root mount
	Parent     *Mount
}

// MountTable tracks which vnodes are mountpoints: at maps a
// mountpoint vnode to the mount attached there. No reverse map is
// kept; Namei scans at to step from a mount's root back to its
// mountpoint on "..".
type MountTable struct {
	mu   sync.Mutex
	root *Mount
	at   map[*Vnode]*Mount // mountpoint vnode -> mount descending into it
}

func NewMountTable() *MountTable {
	return &MountTable{at: make(map[*Vnode]*Mount)}
}

// MountRoot establishes the first mount (spec.md §6 "Mount table":
// "Mounts form a tree rooted at the first mount").
func (mt *MountTable) MountRoot(root *Vnode) *Mount {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	root.flags |= FlagPerm
	mt.root = &Mount{Root: root}
	return mt.root
}

// Mount attaches a new filesystem's root at point, which must not
// already be a mountpoint (spec.md §6: "Mount points cannot themselves
// be ... mounted-over twice").
func (mt *MountTable) Mount(point *Vnode, root *Vnode) (*Mount, errno.Err) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, already := mt.at[point]; already {
		return nil, errno.Busy
	}
	parent := mt.root
	m := &Mount{Root: root, MountPoint: point, Parent: parent}
	root.flags |= FlagPerm
	mt.at[point] = m
	return m, 0
}

// descend returns the mount rooted at dir if dir is a mountpoint.
func (mt *MountTable) descend(dir *Vnode) (*Mount, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	m, ok := mt.at[dir]
	return m, ok
}

// Root returns the overall root vnode.
func (mt *MountTable) Root() *Vnode {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.root == nil {
		return nil
	}
	return mt.root.Root
}

// Resolver drives Namei against a mount table and dentry cache.
type Resolver struct {
	Mounts *MountTable
	Cache  *Cache
}

// Namei resolves path starting from start (the process's cwd vnode,
// or the mount table's root for an absolute path), implementing
// spec.md §4.10's element-at-a-time state machine: "." and ".." are
// resolved with mount-boundary awareness, each element dispatches to
// the parent's Lookup op (consulting the dentry cache first), and a
// symlink component is followed recursively (unless NOFOLLOW, or it
// is the final component and the caller asked not to follow),
// bounded by kconfig.MaxSymlinks. When OptLockParent or OptWantParent
// is set, the parent vnode of the final component is returned
// alongside it, still locked under its metadata write-lock
// (OptLockParent) or merely referenced (OptWantParent).
func (r *Resolver) Namei(start *Vnode, path string, opt Opt) (node, parent *Vnode, err errno.Err) {
	return r.namei(start, path, opt, 0)
}

func (r *Resolver) namei(start *Vnode, path string, opt Opt, symlinkDepth int) (*Vnode, *Vnode, errno.Err) {
	if symlinkDepth > kconfig.MaxSymlinks {
		return nil, nil, errno.SymlinkLoop
	}

	cur := start
	if strings.HasPrefix(path, "/") {
		cur = r.Mounts.Root()
		if cur == nil {
			return nil, nil, errno.NotFound
		}
	}

	elems := splitPath(path)
	var parent *Vnode
	for i, name := range elems {
		last := i == len(elems)-1

		if name == "." {
			continue
		}
		if name == ".." {
			// At the root of a mounted filesystem, step back to its
			// mountpoint so the ".." lookup below leaves the mount.
			r.Mounts.mu.Lock()
			for _, m := range r.Mounts.at {
				if m.Root == cur {
					cur = m.MountPoint
					break
				}
			}
			r.Mounts.mu.Unlock()
		}

		if last && (opt&(OptLockParent|OptWantParent)) != 0 {
			parent = cur
			if opt&OptLockParent != 0 {
				parent.Lock(true)
			} else {
				parent.Ref()
			}
		}

		lockedAsParent := last && opt&OptLockParent != 0
		if !lockedAsParent {
			cur.Lock(true)
		}
		// The dentry cache is consulted first (spec.md §4.10); a miss
		// falls through to the filesystem driver's Lookup op, which is
		// the only source of truth for a vnode pointer in this core
		// (the cache itself stores inode numbers, not live vnodes).
		r.Cache.Lookup(cur, name)
		next, err := cur.Ops.Lookup(cur, name)
		if err == 0 {
			r.Cache.Insert(cur, name, next.Ino)
		}
		if !lockedAsParent {
			cur.Unlock(true)
		}
		if err != 0 {
			return nil, parent, err
		}

		if m, ok := r.Mounts.descend(next); ok {
			next = m.Root
		}

		if next.Mode.IsLink() && (!last || opt&OptNoFollow == 0) {
			next.Lock(false)
			target, rerr := next.Ops.Readlink(next)
			next.Unlock(false)
			if rerr != 0 {
				return nil, parent, rerr
			}
			resolved, _, rerr := r.namei(cur, target, opt&^(OptLockParent|OptWantParent), symlinkDepth+1)
			if rerr != 0 {
				return nil, parent, rerr
			}
			next = resolved
		}

		cur = next
	}
	return cur, parent, 0
}

func splitPath(path string) []string {
	var out []string
	for _, e := range strings.Split(path, "/") {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Rename implements spec.md §4.10 "Rename": both parent directories
// are acquired in ascending inode-number order; if the target is a
// directory being moved across directories, the target's ancestor
// chain is walked (bounded) to reject moving a directory beneath
// itself; the dirent operation is then performed atomically through
// Ops and affected cache entries are purged.
func (r *Resolver) Rename(oldDir *Vnode, oldName string, newDir *Vnode, newName string) errno.Err {
	first, second := oldDir, newDir
	if second.Ino < first.Ino {
		first, second = second, first
	}
	first.Lock(true)
	if second != first {
		second.Lock(true)
	}
	defer func() {
		if second != first {
			second.Unlock(true)
		}
		first.Unlock(true)
	}()

	src, err := oldDir.Ops.Lookup(oldDir, oldName)
	if err != 0 {
		return err
	}
	if src.Mode.IsDir() && oldDir != newDir {
		if ancestorOf(src, newDir, kconfig.MaxSymlinks) {
			return errno.InvalidArgument
		}
	}

	if err := oldDir.Ops.Rename(oldDir, oldName, newDir, newName); err != 0 {
		return err
	}
	r.Cache.Purge(oldDir, oldName)
	r.Cache.Purge(newDir, newName)
	return 0
}

// ancestorOf reports whether candidate is an ancestor of node by
// walking node's ".." chain up to bound levels (guards against
// original_source's unbounded walk turning into an infinite loop on
// a corrupt tree).
func ancestorOf(candidate, node *Vnode, bound int) bool {
	cur := node
	for i := 0; i < bound; i++ {
		parent, err := cur.Ops.Lookup(cur, "..")
		if err != 0 || parent == nil {
			return false
		}
		if parent == candidate {
			return true
		}
		if parent == cur {
			return false
		}
		cur = parent
	}
	return false
}
