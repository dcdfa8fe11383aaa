package filecopy

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	cm "github.com/unkn0wn-root/copymachine"
	"github.com/unkn0wn-root/copymachine/internal/mathutil"
)

// chunk is the unit of work carried by a packet.
type chunk struct {
	file  *fileEntry
	index int // chunk index within the file
	slot  int // chunk index within the group
	off   int64
	n     int
	last  bool
	sum   uint64
}

// chunkPacket copies one chunk: READ -> IOWAIT -> XFORM (checksum) -> WRITE
// -> IOWAIT -> FINI. Disk I/O runs off the executor and the packet waits on
// its completion.
//
// Paced copies write through XFORM -> SW_CHECK -> SEND -> SEND_WAIT -> FINI
// instead: SW_CHECK holds the chunk until every replica's window has reached
// its group.
type chunkPacket struct {
	c *Copier
}

func (p *chunkPacket) Action(phase cm.CPPhase) cm.CPAction {
	switch phase {
	case cm.CPInit:
		return p.init
	case cm.CPRead:
		return p.read
	case cm.CPIOWait:
		return p.ioWait
	case cm.CPXform:
		return p.xform
	case cm.CPWrite:
		return p.write
	case cm.CPSWCheck:
		return p.swCheck
	case cm.CPSend:
		return p.send
	case cm.CPSendWait:
		return p.sendWait
	}
	return nil
}

func (p *chunkPacket) init(cp *cm.CopyPacket) cm.FOMResult {
	cp.Next(cm.CPRead)
	return cm.FSOAgain
}

func (p *chunkPacket) read(cp *cm.CopyPacket) cm.FOMResult {
	ch := cp.Data.(*chunk)
	buf := cp.Buffers[0].Data[:ch.n]
	src := filepath.Join(p.c.cfg.Src, filepath.FromSlash(ch.file.rel))

	done := make(chan error, 1)
	go func() { done <- readChunk(src, buf, ch.off) }()
	cp.Dir = cm.IORead
	cp.Next(cm.CPIOWait)
	cp.WaitOn(done)
	return cm.FSOWait
}

func (p *chunkPacket) ioWait(cp *cm.CopyPacket) cm.FOMResult {
	fired, err := cp.WaitResult()
	if !fired {
		return cm.FSOWait
	}
	ch := cp.Data.(*chunk)
	if err != nil {
		p.c.chunkFailed(ch, err)
		cp.Fail(err)
		return cm.FSOAgain
	}
	switch cp.Dir {
	case cm.IORead:
		cp.Next(cm.CPXform)
	case cm.IOWrite:
		p.written(cp, ch)
	}
	return cm.FSOAgain
}

func (p *chunkPacket) written(cp *cm.CopyPacket, ch *chunk) {
	p.c.chunkDone(ch, ch.sum)
	cp.AG.Ops.(*fileGroup).mark(ch.slot)
	cp.Next(cm.CPFini)
}

func (p *chunkPacket) xform(cp *cm.CopyPacket) cm.FOMResult {
	ch := cp.Data.(*chunk)
	ch.sum = chunkSum(ch.off, cp.Buffers[0].Data[:ch.n])
	cp.AG.AddTransformed()
	if p.c.cfg.Pace {
		cp.Next(cm.CPSWCheck)
	} else {
		cp.Next(cm.CPWrite)
	}
	return cm.FSOAgain
}

func (p *chunkPacket) write(cp *cm.CopyPacket) cm.FOMResult {
	ch := cp.Data.(*chunk)
	buf := cp.Buffers[0].Data[:ch.n]
	dst := filepath.Join(p.c.cfg.Dst, filepath.FromSlash(ch.file.rel))
	sync := p.c.cfg.Sync

	done := make(chan error, 1)
	go func() { done <- writeChunk(dst, ch, buf, sync) }()
	cp.Dir = cm.IOWrite
	cp.Next(cm.CPIOWait)
	cp.WaitOn(done)
	return cm.FSOWait
}

// swCheck parks the packet on the first replica whose window is behind its
// group. Proxy.Update wakes it and the check runs again.
func (p *chunkPacket) swCheck(cp *cm.CopyPacket) cm.FOMResult {
	m := cp.Machine()
	m.Lock()
	proxies := m.Proxies()
	m.Unlock()
	for _, px := range proxies {
		ok, err := px.Admit(cp)
		if err != nil {
			cp.Fail(err)
			return cm.FSOAgain
		}
		if !ok {
			return cm.FSOWait
		}
	}
	cp.Next(cm.CPSend)
	return cm.FSOAgain
}

func (p *chunkPacket) send(cp *cm.CopyPacket) cm.FOMResult {
	ch := cp.Data.(*chunk)
	buf := cp.Buffers[0].Data[:ch.n]
	dst := filepath.Join(p.c.cfg.Dst, filepath.FromSlash(ch.file.rel))
	sync := p.c.cfg.Sync

	done := make(chan error, 1)
	go func() { done <- writeChunk(dst, ch, buf, sync) }()
	cp.Dir = cm.IOWrite
	cp.Next(cm.CPSendWait)
	cp.WaitOn(done)
	return cm.FSOWait
}

func (p *chunkPacket) sendWait(cp *cm.CopyPacket) cm.FOMResult {
	fired, err := cp.WaitResult()
	if !fired {
		return cm.FSOWait
	}
	ch := cp.Data.(*chunk)
	if err != nil {
		p.c.chunkFailed(ch, err)
		cp.Fail(err)
		return cm.FSOAgain
	}
	p.written(cp, ch)
	return cm.FSOAgain
}

func (p *chunkPacket) Free(cp *cm.CopyPacket) {
	for _, b := range cp.Buffers {
		p.c.pool.Put(b.Colour(), b)
	}
	cp.Buffers = nil
}

func readChunk(path string, buf []byte, off int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		// the file shrank since the scan
		err = io.ErrUnexpectedEOF
	}
	return err
}

// writeChunk writes buf at the chunk offset. The last chunk of a file also
// sets the file size, which trims a longer destination left over from
// earlier content.
func writeChunk(path string, ch *chunk, buf []byte, sync bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, ch.file.mode|0o200)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, ch.off); err != nil {
		f.Close()
		return err
	}
	if ch.last {
		if err := f.Truncate(ch.file.size); err != nil {
			f.Close()
			return err
		}
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// chunkSum hashes a chunk together with its offset. A file checksum is the
// XOR of its chunk sums, so it does not depend on completion order.
func chunkSum(off int64, data []byte) uint64 {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(off))
	d := xxhash.New()
	_, _ = d.Write(hdr[:])
	_, _ = d.Write(data)
	return d.Sum64()
}

// FileChecksum computes the checksum of the file at path the way a copy with
// the given chunk size accumulates it.
func FileChecksum(path string, chunkSize int) (uint64, error) {
	chunkSize = mathutil.NextPowerOf2(chunkSize)
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	var (
		sum uint64
		off int64
	)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 || off == 0 {
			sum ^= chunkSum(off, buf[:n])
		}
		off += int64(n)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return sum, nil
		}
		if err != nil {
			return 0, err
		}
	}
}
