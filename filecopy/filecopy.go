// Package filecopy is a copy machine type that copies a directory tree chunk
// by chunk. Every regular file is split into aggregation groups of
// GroupChunks chunks; the group id is (file index, group index) in the sorted
// source tree, so replicas scanning the same tree agree on ids. With a
// membership function the files are sharded over the live nodes by
// rendezvous hashing and each node copies its share.
package filecopy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	cm "github.com/unkn0wn-root/copymachine"
	"github.com/unkn0wn-root/copymachine/cluster"
	"github.com/unkn0wn-root/copymachine/internal/mathutil"
)

const TypeName = "filecopy"

type Config struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
	// ChunkSize is rounded up to a power of two.
	ChunkSize   int `yaml:"chunk_size"`
	GroupChunks int `yaml:"group_chunks"`
	// Buffers bounds the packets in flight.
	Buffers int `yaml:"buffers"`
	// Window bounds the groups admitted at once. Zero admits all.
	Window int  `yaml:"window"`
	Sync   bool `yaml:"sync"`
	// Pace holds every chunk write until all replicas have admitted its
	// group, keeping the replicas within one window of each other. Paced
	// replicas copy the whole tree, so it excludes sharding.
	Pace bool `yaml:"pace"`

	// Self and Members shard files over nodes. A nil Members copies
	// everything.
	Self    string          `yaml:"-"`
	Members func() []string `yaml:"-"`

	// OnFailure is called with the first chunk failure of an operation.
	OnFailure func(error) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:   64 << 10,
		GroupChunks: 16,
		Buffers:     32,
		Window:      8,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	c.ChunkSize = mathutil.NextPowerOf2(c.ChunkSize)
	if c.GroupChunks <= 0 {
		c.GroupChunks = d.GroupChunks
	}
	if c.Buffers <= 0 {
		c.Buffers = d.Buffers
	}
	if c.Window < 0 {
		c.Window = 0
	}
}

// NewType returns the registrable filecopy type. Every machine built from it
// gets its own Copier.
func NewType(cfg Config) *cm.Type {
	cfg.fillDefaults()
	return &cm.Type{
		Name: TypeName,
		New:  func() cm.CopyMachineBehavior { return NewCopier(cfg) },
	}
}

// groupRef is the slice of a file one aggregation group covers.
type groupRef struct {
	file  *fileEntry
	first int
	count int
}

// Copier implements cm.CopyMachineBehavior.
type Copier struct {
	cfg   Config
	log   *slog.Logger
	pool  *cm.BufferPool
	unsub func()

	// guarded by the machine lock
	files  []*fileEntry
	groups []cm.AggrGroupID
	refs   map[cm.AggrGroupID]*groupRef
	issued map[cm.AggrGroupID]int

	mu    sync.Mutex
	res   Result
	sums  map[string]uint64
	first error
}

// Result summarises the copy work done by the current operation.
type Result struct {
	Files        int
	OwnedFiles   int
	Groups       int
	Chunks       int64
	Bytes        int64
	FailedChunks int64
}

func NewCopier(cfg Config) *Copier {
	cfg.fillDefaults()
	return &Copier{cfg: cfg}
}

func (c *Copier) Setup(m *cm.Machine) error {
	if c.cfg.Src == "" || c.cfg.Dst == "" {
		return errors.New("filecopy: src and dst are required")
	}
	info, err := os.Stat(c.cfg.Src)
	if err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filecopy: %s is not a directory", c.cfg.Src)
	}
	if c.cfg.Pace && c.cfg.Members != nil {
		return errors.New("filecopy: pace and sharding are exclusive")
	}
	c.log = m.Logger().With(slog.String("src", c.cfg.Src), slog.String("dst", c.cfg.Dst))
	c.pool = cm.NewBufferPool(c.cfg.Buffers, c.cfg.ChunkSize, 1)
	c.unsub = c.pool.OnRelease(m.SWFill)
	return nil
}

// Prepare rescans the source tree and lays out the groups this node owns.
func (c *Copier) Prepare(m *cm.Machine) error {
	files, dirs, err := scanTree(c.cfg.Src)
	if err != nil {
		return err
	}
	if err := mkdirs(c.cfg.Dst, dirs); err != nil {
		return fmt.Errorf("create destination tree: %w", err)
	}

	var members []string
	if c.cfg.Members != nil {
		members = c.cfg.Members()
	}
	self := c.cfg.Self
	if self == "" {
		self = m.Endpoint()
	}

	c.files = files
	c.groups = c.groups[:0]
	c.refs = make(map[cm.AggrGroupID]*groupRef)
	c.issued = make(map[cm.AggrGroupID]int)
	owned := 0
	for _, f := range files {
		if !cluster.Owns(self, f.rel, members) {
			continue
		}
		owned++
		n := f.chunks(c.cfg.ChunkSize)
		for g := 0; g*c.cfg.GroupChunks < n; g++ {
			first := g * c.cfg.GroupChunks
			id := cm.ID(0, 0, f.idx, uint64(g+1))
			c.refs[id] = &groupRef{file: f, first: first, count: min(c.cfg.GroupChunks, n-first)}
			c.groups = append(c.groups, id)
		}
	}
	sort.Slice(c.groups, func(i, j int) bool { return c.groups[i].Less(c.groups[j]) })

	c.mu.Lock()
	c.res = Result{Files: len(files), OwnedFiles: owned, Groups: len(c.groups)}
	c.sums = make(map[string]uint64)
	c.first = nil
	c.mu.Unlock()

	c.log.Info("source scanned",
		slog.Int("files", len(files)),
		slog.Int("owned", owned),
		slog.Int("groups", len(c.groups)),
		slog.Int("members", len(members)))
	return nil
}

func (c *Copier) Start(m *cm.Machine) error { return nil }

func (c *Copier) Stop(m *cm.Machine) error {
	r := c.Result()
	c.log.Info("copy stopped",
		slog.Int64("chunks", r.Chunks),
		slog.Int64("bytes", r.Bytes),
		slog.Int64("failed", r.FailedChunks))
	return nil
}

func (c *Copier) Fini(m *cm.Machine) {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Copier) AllocGroup(m *cm.Machine, id cm.AggrGroupID, hasIncoming bool) (*cm.AggrGroup, error) {
	ref := c.refs[id]
	if ref == nil {
		return nil, fmt.Errorf("filecopy: no group %s", id)
	}
	return cm.NewAggrGroup(id, &fileGroup{c: c, ref: ref, done: cm.NewBitmap(ref.count)}, hasIncoming), nil
}

// AllocPacket builds a bare packet. The buffer is attached by DataNext once
// there is work for it.
func (c *Copier) AllocPacket(m *cm.Machine) (*cm.CopyPacket, error) {
	return cm.NewCopyPacket(&chunkPacket{c: c}), nil
}

// DataNext hands out the next chunk of the lowest admitted group that still
// has chunks to copy.
func (c *Copier) DataNext(m *cm.Machine, cp *cm.CopyPacket) error {
	in, _ := m.Groups()
	for _, ag := range in {
		ref := c.refs[ag.ID]
		if ref == nil {
			continue
		}
		k := c.issued[ag.ID]
		if k >= ref.count {
			continue
		}
		b, err := c.pool.Get(int(ref.file.idx))
		if err != nil {
			return err
		}
		c.issued[ag.ID] = k + 1

		idx := ref.first + k
		off := int64(idx) * int64(c.cfg.ChunkSize)
		n := min(int64(c.cfg.ChunkSize), ref.file.size-off)
		if n < 0 {
			n = 0
		}
		cp.AttachBuffer(b)
		cp.AG = ag
		cp.Data = &chunk{
			file:  ref.file,
			index: idx,
			slot:  k,
			off:   off,
			n:     int(n),
			last:  idx == ref.file.chunks(c.cfg.ChunkSize)-1,
		}
		return nil
	}
	return cm.ErrNoData
}

// NextGroupID returns the first owned group strictly after after.
func (c *Copier) NextGroupID(m *cm.Machine, after cm.AggrGroupID) (cm.AggrGroupID, error) {
	i := sort.Search(len(c.groups), func(i int) bool { return after.Less(c.groups[i]) })
	if i == len(c.groups) {
		return cm.AggrGroupID{}, cm.ErrNoData
	}
	return c.groups[i], nil
}

func (c *Copier) HasSpace(m *cm.Machine, id cm.AggrGroupID) bool {
	return c.cfg.Window <= 0 || m.GroupCount() < c.cfg.Window
}

func (c *Copier) SWUpdateMessage(m *cm.Machine, sw cm.SlidingWindow, endpoint string) *cm.SWUpdate {
	return nil
}

// Result returns the progress of the current operation.
func (c *Copier) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}

// Err returns the first chunk failure of the current operation.
func (c *Copier) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first
}

// Checksums returns the per-file checksums accumulated over the chunks copied
// by the current operation. A file whose chunks were all copied has the
// checksum FileChecksum computes for it.
func (c *Copier) Checksums() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.sums))
	for k, v := range c.sums {
		out[k] = v
	}
	return out
}

func (c *Copier) chunkDone(ch *chunk, sum uint64) {
	c.mu.Lock()
	c.res.Chunks++
	c.res.Bytes += int64(ch.n)
	c.sums[ch.file.rel] ^= sum
	c.mu.Unlock()
}

// chunkFailed records a chunk that was not copied. Its group never
// finalizes, so the operation keeps its window record until it is stopped.
func (c *Copier) chunkFailed(ch *chunk, err error) {
	c.mu.Lock()
	c.res.FailedChunks++
	first := c.first == nil
	if first {
		c.first = fmt.Errorf("%s chunk %d: %w", ch.file.rel, ch.index, err)
	}
	cerr := c.first
	c.mu.Unlock()

	c.log.Error("chunk copy failed",
		slog.String("file", ch.file.rel),
		slog.Int("chunk", ch.index),
		slog.Any("err", err))
	if first && c.cfg.OnFailure != nil {
		c.cfg.OnFailure(cerr)
	}
}

// fileGroup is one aggregation group: a run of chunks of one file.
type fileGroup struct {
	c   *Copier
	ref *groupRef

	mu   sync.Mutex
	done cm.Bitmap
}

// CanFinalize waits for every chunk of the group to be written.
func (g *fileGroup) CanFinalize(ag *cm.AggrGroup, cp *cm.CopyPacket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ag.Freed() >= ag.LocalCPs && g.done.Count() == g.ref.count
}

func (g *fileGroup) Finalize(ag *cm.AggrGroup) {
	g.mu.Lock()
	copied := g.done.Count()
	g.mu.Unlock()
	g.c.log.Debug("group copied",
		slog.String("ag", ag.ID.String()),
		slog.String("file", g.ref.file.rel),
		slog.Int("chunks", copied),
		slog.Int("expected", g.ref.count))
}

func (g *fileGroup) LocalCPCount(ag *cm.AggrGroup) uint64 { return uint64(g.ref.count) }

func (g *fileGroup) mark(slot int) {
	g.mu.Lock()
	g.done.Set(slot, true)
	g.mu.Unlock()
}
