package search

import "sync"

// MutexPool is a fixed array of mutexes shared by all nodes of a search
// tree. Nodes store only a 4-byte index instead of a whole sync.Mutex;
// unrelated nodes occasionally sharing a mutex is harmless.
type MutexPool struct {
	mutexes []sync.Mutex
}

func NewMutexPool(size int) *MutexPool {
	if size <= 0 {
		size = 1
	}
	return &MutexPool{mutexes: make([]sync.Mutex, size)}
}

func (p *MutexPool) Size() uint32 {
	return uint32(len(p.mutexes))
}

func (p *MutexPool) Get(idx uint32) *sync.Mutex {
	return &p.mutexes[idx%uint32(len(p.mutexes))]
}
