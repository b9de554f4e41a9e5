package monitor

import (
	"sort"
	"sync"

	"trailsim/internal/domain/model"
)

type entry struct {
	pos model.Position
	seq uint64
}

// Index 活跃仓位的内存镜像，按 StateKey 索引
// 保存的是值拷贝，外部拿到的 Position 修改不会影响索引
type Index struct {
	mu      sync.RWMutex
	nextSeq uint64
	items   map[string]*entry
}

func NewIndex() *Index {
	return &Index{items: make(map[string]*entry)}
}

// Put 插入或更新；新 key 分配插入序号，已有 key 保持原序号
func (ix *Index) Put(pos model.Position) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e, ok := ix.items[pos.StateKey]; ok {
		e.pos = pos
		return
	}
	ix.nextSeq++
	ix.items[pos.StateKey] = &entry{pos: pos, seq: ix.nextSeq}
}

func (ix *Index) Get(stateKey string) (model.Position, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.items[stateKey]
	if !ok {
		return model.Position{}, false
	}
	return e.pos, true
}

func (ix *Index) Has(stateKey string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.items[stateKey]
	return ok
}

func (ix *Index) Delete(stateKey string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.items, stateKey)
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

// Snapshot 返回非终态仓位快照
// 排序：最近触发的在前（TriggeredAt 降序，未触发的排后），其余按插入顺序
func (ix *Index) Snapshot() []model.Snapshot {
	ix.mu.RLock()
	list := make([]*entry, 0, len(ix.items))
	for _, e := range ix.items {
		if e.pos.Status.IsTerminal() {
			continue
		}
		cp := *e
		list = append(list, &cp)
	}
	ix.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		ti, tj := list[i].pos.TriggeredAt, list[j].pos.TriggeredAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return list[i].seq < list[j].seq
	})

	out := make([]model.Snapshot, 0, len(list))
	for _, e := range list {
		out = append(out, e.pos.Snapshot())
	}
	return out
}
