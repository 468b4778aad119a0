// Package vfs implements the reference-counted vnode, its dual
// locking, and the directory-entry cache of spec.md §4.10, grounded
// on _examples/original_source/src/kernel/vfs/vnode.c (the dual
// rwlock/statlock discipline documented at the top of its header) and
// styled after biscuit's fd.Fd_t/fdops package
// (_examples/Oichkatzelesfrettschen-biscuit/biscuit/src/fd,
// src/fdops — kept and adapted per SPEC_FULL.md's module map). A
// vnode *is* a VM object (spec.md §3): Vnode holds a *vmobj.Object of
// kind vmobj.Vnode in its Object field so mmap'd pages and read/write share the same
// resident-page cache.
package vfs

import (
	"sync"
	"time"

	"elos/errno"
	"elos/phys"
	"elos/vmobj"
)

// Flags mirror VN_PERM/VN_DIRTY/VN_EXE/VN_VCLRU from vnode.h.
type Flags uint8

const (
	FlagPerm Flags = 1 << iota // vnode_unref must not free this node (e.g. mount roots)
	FlagDirty
	FlagExe
	FlagOnLRU
)

// Mode is a POSIX file mode (type bits + permission bits).
type Mode uint32

const (
	ModeDir     Mode = 0040000
	ModeReg     Mode = 0100000
	ModeLnk     Mode = 0120000
	ModeChr     Mode = 0020000
	ModeBlk     Mode = 0060000
	ModeFmt     Mode = 0170000
)

func (m Mode) IsDir() bool  { return m&ModeFmt == ModeDir }
func (m Mode) IsLink() bool { return m&ModeFmt == ModeLnk }
func (m Mode) IsReg() bool  { return m&ModeFmt == ModeReg }

// Ops is the trait a filesystem driver implements; individual
// filesystem format drivers are out of scope per spec.md §1; this is
// the interface the VFS core dispatches through.
type Ops interface {
	Lookup(dir *Vnode, name string) (*Vnode, errno.Err)
	Create(dir *Vnode, name string, mode Mode) (*Vnode, errno.Err)
	Mkdir(dir *Vnode, name string, mode Mode) (*Vnode, errno.Err)
	Unlink(dir *Vnode, name string) errno.Err
	Symlink(dir *Vnode, name, target string) (*Vnode, errno.Err)
	Readlink(node *Vnode) (string, errno.Err)
	Rename(oldDir *Vnode, oldName string, newDir *Vnode, newName string) errno.Err
	Getdents(dir *Vnode) ([]Dirent, errno.Err)
	PageIn(node *Vnode, off int64) ([]byte, errno.Err)
	PageOut(node *Vnode, off int64, data []byte) errno.Err
	Sync(node *Vnode) errno.Err
}

// Dirent is one directory entry returned by Getdents.
type Dirent struct {
	Ino  uint64
	Name string
	Mode Mode
}

// Vnode is the reference-counted filesystem node of spec.md §3
// "vnode". It carries two locks: lock (the metadata/name-space lock,
// a shared-exclusive lock held for directory ops, reads, writes, and
// truncate per vnode.h's locking table) and the VM object's own lock
// (held for bmap/pagein/pageout, never together with lock per the
// source's documented discipline).
type Vnode struct {
	lock sync.RWMutex

	Object *vmobj.Object // every vnode is a VM object (spec.md §3)

	FS   any // *filesystem, out of scope; opaque back-reference
	Ops  Ops
	priv any // filesystem-private pointer

	Ino   uint64
	Dev   uint64
	BlkShift uint

	statlock sync.RWMutex
	Size     int64
	Nlink    uint32
	UID, GID uint32
	Mode     Mode
	Atime, Mtime, Ctime time.Time

	flags    Flags
	writecnt int
	refs     int32

	cache *Cache
}

// pagerAdapter satisfies vmobj.Pager by delegating to the vnode's Ops,
// matching spec.md §4.4's "vnode fault" (pagein/pageout through the
// filesystem).
type pagerAdapter struct{ node *Vnode }

func (p pagerAdapter) PageIn(obj *vmobj.Object, off int64) ([]byte, errno.Err) {
	return p.node.Ops.PageIn(p.node, off)
}
func (p pagerAdapter) PageOut(obj *vmobj.Object, off int64, data []byte) errno.Err {
	return p.node.Ops.PageOut(p.node, off, data)
}

// New creates a vnode of the given size backed by ops, keeping cache
// so that Unref can hand the vnode to its LRU. Fields left zero (ino, dev, uid/gid/mode,
// blksize shift, timestamps, priv) are the caller's responsibility to
// fill in, matching vnode_init's documented contract.
func New(mem *phys.Memory, size int64, ops Ops, cache *Cache) *Vnode {
	v := &Vnode{Ops: ops, refs: 1, cache: cache}
	v.Object = vmobj.NewVnode(mem, size, pagerAdapter{node: v})
	return v
}

// Lock acquires the metadata lock, exclusive or shared.
func (v *Vnode) Lock(excl bool) {
	if excl {
		v.lock.Lock()
	} else {
		v.lock.RLock()
	}
}

// Unlock releases the metadata lock acquired with the same
// exclusivity passed to Lock.
func (v *Vnode) Unlock(excl bool) {
	if excl {
		v.lock.Unlock()
	} else {
		v.lock.RUnlock()
	}
}

// Ref increments the reference count.
func (v *Vnode) Ref() *Vnode {
	v.statlock.Lock()
	v.refs++
	v.statlock.Unlock()
	return v
}

// Unref drops a reference. At zero, a vnode without FlagPerm is
// handed to cache's LRU instead of being freed immediately (spec.md
// §3 "Lifecycle summary"); FlagPerm vnodes (mount roots) are never
// recycled.
func (v *Vnode) Unref() {
	v.statlock.Lock()
	v.refs--
	zero := v.refs == 0
	perm := v.flags&FlagPerm != 0
	v.statlock.Unlock()
	if zero && !perm && v.cache != nil {
		v.cache.addLRU(v)
	}
}

// SetExe marks the vnode executable under the metadata write-lock,
// after which BeginWrite fails with ETXTBSY. SetExe itself fails with
// ETXTBSY while the write-count is nonzero; mappings of the vnode's
// object are not checked.
func (v *Vnode) SetExe() errno.Err {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.writecnt > 0 {
		return errno.TextBusy
	}
	v.flags |= FlagExe
	return 0
}

// ClearExe clears the executable flag; it checks neither the
// write-count nor mappings of the vnode's object.
func (v *Vnode) ClearExe() { v.lock.Lock(); v.flags &^= FlagExe; v.lock.Unlock() }

// BeginWrite increments the write-count, failing with ETXTBSY if the
// vnode is currently marked executable.
func (v *Vnode) BeginWrite() errno.Err {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.flags&FlagExe != 0 {
		return errno.TextBusy
	}
	v.writecnt++
	return 0
}

// EndWrite decrements the write-count.
func (v *Vnode) EndWrite() {
	v.lock.Lock()
	v.writecnt--
	v.lock.Unlock()
}

// dentryKey identifies one cached (directory, name) lookup.
type dentryKey struct {
	dir  uint64 // directory vnode's Ino
	name string
}

// Cache is the lookup cache of spec.md §4.10 ("Lookup cache...
// consults it before calling the filesystem") plus the LRU of
// zero-ref vnodes mentioned in §3's lifecycle summary; it keeps no
// table of live vnodes.
type Cache struct {
	mu      sync.Mutex
	dentry  map[dentryKey]uint64 // (dir, name) -> inode number
	lru     []*Vnode
	maxLRU  int
}

func NewCache(maxLRU int) *Cache {
	return &Cache{dentry: make(map[dentryKey]uint64), maxLRU: maxLRU}
}

// Lookup consults the dentry cache for (dir, name), returning the
// cached inode number.
func (c *Cache) Lookup(dir *Vnode, name string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ino, ok := c.dentry[dentryKey{dir: dir.Ino, name: name}]
	return ino, ok
}

// Insert records (dir, name) -> ino in the cache.
func (c *Cache) Insert(dir *Vnode, name string, ino uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dentry[dentryKey{dir: dir.Ino, name: name}] = ino
}

// Purge removes a cached (dir, name) entry, called on unlink/rename.
func (c *Cache) Purge(dir *Vnode, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dentry, dentryKey{dir: dir.Ino, name: name})
}

func (c *Cache) addLRU(v *Vnode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v.flags |= FlagOnLRU
	c.lru = append(c.lru, v)
	for len(c.lru) > c.maxLRU && c.maxLRU > 0 {
		evict := c.lru[0]
		c.lru = c.lru[1:]
		evict.flags &^= FlagOnLRU
	}
}

// Revive removes v from the LRU if a fresh reference resurrects it
// before eviction (vnode_ref on a VN_VCLRU node).
func (c *Cache) Revive(v *Vnode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.lru {
		if e == v {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			v.flags &^= FlagOnLRU
			return
		}
	}
}
