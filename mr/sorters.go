package mr

import (
	"bytes"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fmstephe/unsafeutil"
	"github.com/golangplus/bytes"
	"github.com/golangplus/errors"

	"github.com/daviddengcn/go-villa"
)

// partition keeps the records routed to one partition. Key and value bytes of
// record i are Buffer[KeyOffs[i]:ValOffs[i]] and Buffer[ValOffs[i]:ValEnds[i]].
//
// The mutex is only used during the map phase. After the map barrier the
// partition is owned by a single sort, then a single reduce, goroutine.
type partition struct {
	sync.Mutex
	Buffer  bytesp.Slice
	KeyOffs villa.IntSlice
	ValOffs villa.IntSlice
	ValEnds villa.IntSlice

	// next unconsumed record, reduce phase only
	cursor int
}

func (p *partition) add(key, val []byte) {
	p.Lock()
	defer p.Unlock()

	p.KeyOffs.Add(len(p.Buffer))
	p.Buffer = append(p.Buffer, key...)
	p.ValOffs.Add(len(p.Buffer))
	p.Buffer = append(p.Buffer, val...)
	p.ValEnds.Add(len(p.Buffer))
}

func (p *partition) key(i int) []byte {
	return p.Buffer[p.KeyOffs[i]:p.ValOffs[i]]
}

func (p *partition) val(i int) []byte {
	return p.Buffer[p.ValOffs[i]:p.ValEnds[i]]
}

// sort.Interface
func (p *partition) Len() int {
	return len(p.KeyOffs)
}

// sort.Interface
func (p *partition) Less(i, j int) bool {
	return bytes.Compare(p.key(i), p.key(j)) < 0
}

// sort.Interface
func (p *partition) Swap(i, j int) {
	p.KeyOffs.Swap(i, j)
	p.ValOffs.Swap(i, j)
	p.ValEnds.Swap(i, j)
}

func (p *partition) sort() {
	if p.Len() < 2 {
		return
	}
	sort.Sort(p)
}

// sameKey returns whether the record at the cursor has key.
func (p *partition) sameKey(key []byte) bool {
	return p.cursor < p.Len() && bytes.Equal(p.key(p.cursor), key)
}

// iterate calls reduceF once per distinct key in sorted order. Failures of
// single keys are passed to onFail and do not stop the iteration.
func (p *partition) iterate(part int, reduceF ReduceFunc, stat *reduceStat, onFail func(key string, err error)) {
	p.cursor = 0
	for p.cursor < p.Len() {
		keyBuf := p.key(p.cursor)
		key := string(keyBuf)

		expired := false
		nextVal := func() (string, error) {
			if expired {
				return "", errorsp.WithStacks(ErrIteratorExpired)
			}
			if !p.sameKey(keyBuf) {
				return "", io.EOF
			}
			val := string(p.val(p.cursor))
			p.cursor++
			stat.delivered++
			return val, nil
		}
		if err := callReduce(reduceF, key, part, nextVal); err != nil {
			onFail(key, err)
		}
		expired = true
		stat.keys++

		// The reducer may return before consuming all values.
		for p.sameKey(keyBuf) {
			p.cursor++
		}
	}
}

func callReduce(reduceF ReduceFunc, key string, part int, nextVal ValueIterator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorsp.NewWithStacks("reduce panicked: %v", r)
		}
	}()
	return reduceF(key, part, nextVal)
}

type reduceStat struct {
	delivered int64
	keys      int
}

// store is the set of partitions of a run.
//
// Inserts hold mu for reading and phase changes hold it for writing, so no
// record is added once the map phase has ended.
type store struct {
	mu      sync.RWMutex
	phase   atomic.Int32
	partF   PartitionFunc
	parts   []*partition
	emitted atomic.Int64
}

func newStore(parts int, partF PartitionFunc) *store {
	st := &store{
		partF: partF,
		parts: make([]*partition, parts),
	}
	for i := range st.parts {
		st.parts[i] = &partition{}
	}
	return st
}

// advance moves the store to phase to, which must directly follow the current
// phase.
func (st *store) advance(to Phase) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.phase.CompareAndSwap(int32(to-1), int32(to)) {
		panic(errorsp.NewWithStacks("cannot enter %v phase from %v", to, Phase(st.phase.Load())))
	}
}

func (st *store) route(key string) (int, error) {
	part := st.partF(key, len(st.parts))
	if part < 0 || part >= len(st.parts) {
		return 0, errorsp.WithStacksAndMessage(ErrBadPartition, "key %q routed to %d of %d partitions", key, part, len(st.parts))
	}
	return part, nil
}

func (st *store) emit(key, val []byte) error {
	if Phase(st.phase.Load()) != PhaseMap {
		return errorsp.WithStacks(ErrEmitOutsideMap)
	}
	// key is only read by the PartitionFunc, no need to copy it.
	part, err := st.route(unsafeutil.BytesToString(key))
	if err != nil {
		return err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	// The PartitionFunc may have outlived the map phase.
	if Phase(st.phase.Load()) != PhaseMap {
		return errorsp.WithStacks(ErrEmitOutsideMap)
	}
	st.parts[part].add(key, val)
	st.emitted.Add(1)
	return nil
}

// teardown releases every record. It is reachable from any phase since a
// cancelled run skips the remaining ones.
func (st *store) teardown() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.phase.Store(int32(PhaseTeardown))
	for i := range st.parts {
		st.parts[i] = nil
	}
}

// emitter is the Emitter given to a single MapFunc invocation.
type emitter struct {
	st   *store
	done atomic.Bool
}

// Emitter interface
func (e *emitter) Emit(key, val string) error {
	if e.done.Load() {
		return errorsp.WithStacks(ErrEmitOutsideMap)
	}
	return e.st.emit(unsafeutil.StringToBytes(key), unsafeutil.StringToBytes(val))
}

// Emitter interface
func (e *emitter) EmitBytes(key, val []byte) error {
	if e.done.Load() {
		return errorsp.WithStacks(ErrEmitOutsideMap)
	}
	return e.st.emit(key, val)
}
