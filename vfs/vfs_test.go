package vfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elos/errno"
	"elos/phys"
)

// memFS is a tiny in-memory Ops implementation used only to exercise
// namei/rename/fd-table behavior; it is not a real filesystem driver
// (those are out of scope per spec.md §1).
type memFS struct {
	mem     *phys.Memory
	cache   *Cache
	nextIno uint64
	dirs    map[*Vnode]map[string]*Vnode
	parent  map[*Vnode]*Vnode
}

func newMemFS(mem *phys.Memory, cache *Cache) *memFS {
	return &memFS{mem: mem, cache: cache, dirs: make(map[*Vnode]map[string]*Vnode), parent: make(map[*Vnode]*Vnode)}
}

func (m *memFS) mkdirRaw(parent *Vnode, name string) *Vnode {
	m.nextIno++
	v := New(m.mem, 0, m, m.cache)
	v.Ino = m.nextIno
	v.Mode = ModeDir | 0755
	v.Atime, v.Mtime, v.Ctime = time.Now(), time.Now(), time.Now()
	m.dirs[v] = make(map[string]*Vnode)
	if parent != nil {
		m.dirs[parent][name] = v
		m.parent[v] = parent
	}
	return v
}

func (m *memFS) Lookup(dir *Vnode, name string) (*Vnode, errno.Err) {
	if name == ".." {
		if p, ok := m.parent[dir]; ok {
			return p, 0
		}
		return dir, 0
	}
	if v, ok := m.dirs[dir][name]; ok {
		return v, 0
	}
	return nil, errno.NotFound
}

func (m *memFS) Create(dir *Vnode, name string, mode Mode) (*Vnode, errno.Err) {
	m.nextIno++
	v := New(m.mem, 0, m, m.cache)
	v.Ino = m.nextIno
	v.Mode = mode
	m.dirs[dir][name] = v
	return v, 0
}

func (m *memFS) Mkdir(dir *Vnode, name string, mode Mode) (*Vnode, errno.Err) {
	v := m.mkdirRaw(dir, name)
	v.Mode = mode | ModeDir
	return v, 0
}

func (m *memFS) Unlink(dir *Vnode, name string) errno.Err {
	if _, ok := m.dirs[dir][name]; !ok {
		return errno.NotFound
	}
	delete(m.dirs[dir], name)
	return 0
}

func (m *memFS) Symlink(dir *Vnode, name, target string) (*Vnode, errno.Err) {
	v, _ := m.Create(dir, name, ModeLnk|0777)
	m.dirs[dir][name] = v
	m.parent[v] = dir
	v.priv = target
	return v, 0
}

func (m *memFS) Readlink(node *Vnode) (string, errno.Err) {
	return node.priv.(string), 0
}

func (m *memFS) Rename(oldDir *Vnode, oldName string, newDir *Vnode, newName string) errno.Err {
	v, ok := m.dirs[oldDir][oldName]
	if !ok {
		return errno.NotFound
	}
	delete(m.dirs[oldDir], oldName)
	m.dirs[newDir][newName] = v
	if v.Mode.IsDir() {
		m.parent[v] = newDir
	}
	return 0
}

func (m *memFS) Getdents(dir *Vnode) ([]Dirent, errno.Err) {
	var out []Dirent
	for name, v := range m.dirs[dir] {
		out = append(out, Dirent{Ino: v.Ino, Name: name, Mode: v.Mode})
	}
	return out, 0
}

func (m *memFS) PageIn(node *Vnode, off int64) ([]byte, errno.Err) {
	return make([]byte, phys.PageSize), 0
}
func (m *memFS) PageOut(node *Vnode, off int64, data []byte) errno.Err { return 0 }
func (m *memFS) Sync(node *Vnode) errno.Err                            { return 0 }

func setup(t *testing.T) (*memFS, *Resolver, *Vnode) {
	t.Helper()
	mem := phys.New([]int{256}, 0)
	cache := NewCache(64)
	fs := newMemFS(mem, cache)
	root := fs.mkdirRaw(nil, "/")
	mounts := NewMountTable()
	mounts.MountRoot(root)
	return fs, &Resolver{Mounts: mounts, Cache: cache}, root
}

func TestNameiResolvesNestedPath(t *testing.T) {
	fs, r, root := setup(t)
	a := fs.mkdirRaw(root, "a")
	fs.mkdirRaw(a, "b")

	node, _, err := r.Namei(root, "/a/b", 0)
	require.Zero(t, err)
	assert.True(t, node.Mode.IsDir())
}

func TestNameiNotFound(t *testing.T) {
	_, r, root := setup(t)
	_, _, err := r.Namei(root, "/nope", 0)
	assert.Equal(t, errno.NotFound, err)
}

func TestNameiFollowsSymlink(t *testing.T) {
	fs, r, root := setup(t)
	target := fs.mkdirRaw(root, "real")
	fs.Symlink(root, "link", "/real")

	node, _, err := r.Namei(root, "/link", 0)
	require.Zero(t, err)
	assert.Equal(t, target.Ino, node.Ino)
}

func TestNameiNoFollowReturnsLinkItself(t *testing.T) {
	fs, r, root := setup(t)
	fs.Symlink(root, "link", "/real")

	node, _, err := r.Namei(root, "/link", OptNoFollow)
	require.Zero(t, err)
	assert.True(t, node.Mode.IsLink())
}

func TestRenameAcrossDirectoriesMovesEntry(t *testing.T) {
	fs, r, root := setup(t)
	a := fs.mkdirRaw(root, "a")
	b := fs.mkdirRaw(root, "b")
	fs.mkdirRaw(a, "x")

	require.Zero(t, r.Rename(a, "x", b, "y"))

	_, err := fs.Lookup(a, "x")
	assert.Equal(t, errno.NotFound, err)
	moved, err := fs.Lookup(b, "y")
	require.Zero(t, err)
	assert.True(t, moved.Mode.IsDir())
}

func TestRenameRejectsMovingDirectoryUnderItself(t *testing.T) {
	fs, r, root := setup(t)
	a := fs.mkdirRaw(root, "a")
	child := fs.mkdirRaw(a, "child")
	_ = child

	// Moving "a" to become a directory entry inside "a/child" would
	// make a its own descendant: must be rejected.
	err := r.Rename(root, "a", child, "a")
	assert.Equal(t, errno.InvalidArgument, err)
}

func TestSetExeBlocksWriteAndWriteBlocksExe(t *testing.T) {
	_, _, root := setup(t)
	require.Zero(t, root.SetExe())
	assert.Equal(t, errno.TextBusy, root.BeginWrite())
	root.ClearExe()
	require.Zero(t, root.BeginWrite())
	assert.Equal(t, errno.TextBusy, root.SetExe())
}

func TestFDTableDupAndCloexec(t *testing.T) {
	_, _, root := setup(t)
	table := NewFDTable()
	f := NewFile(root.Ref(), 0)
	fd := table.Install(f, true, 3)

	require.Zero(t, table.Dup2(fd, 10))
	got, err := table.Get(10)
	require.Zero(t, err)
	assert.Equal(t, f, got)

	forked := table.Fork()
	forked.CloseExec()
	_, err = forked.Get(fd)
	assert.NotZero(t, err, "cloexec descriptor must not survive an exec-style close")

	_, err = table.Get(fd)
	assert.Zero(t, err, "closing the forked table's copy must not affect the original")
}
