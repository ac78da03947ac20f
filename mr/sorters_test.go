package mr

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/golangplus/errors"
	"github.com/golangplus/testing/assert"
)

func TestPartition_Sort(t *testing.T) {
	var p partition
	for _, kv := range [][2]string{{"b", "1"}, {"a", "2"}, {"c", "3"}, {"a", "4"}, {"ab", "5"}} {
		p.add([]byte(kv[0]), []byte(kv[1]))
	}
	p.sort()
	var keys []string
	for i := 0; i < p.Len(); i++ {
		keys = append(keys, string(p.key(i)))
	}
	assert.Equal(t, "keys", keys, []string{"a", "a", "ab", "b", "c"})
	// values move with their keys
	for i := 0; i < p.Len(); i++ {
		switch string(p.key(i)) {
		case "b":
			assert.StringEqual(t, "val of b", string(p.val(i)), "1")
		case "ab":
			assert.StringEqual(t, "val of ab", string(p.val(i)), "5")
		}
	}
}

func TestPartition_SortEmpty(t *testing.T) {
	var p partition
	p.sort()
	assert.Equal(t, "p.Len()", p.Len(), 0)

	p.add([]byte("only"), nil)
	p.sort()
	assert.Equal(t, "p.Len()", p.Len(), 1)
	assert.StringEqual(t, "key", string(p.key(0)), "only")
	assert.StringEqual(t, "val", string(p.val(0)), "")
}

func TestPartition_ConcurrentAdd(t *testing.T) {
	var p partition
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.add([]byte(fmt.Sprintf("k%d", i%10)), []byte(fmt.Sprint(w)))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, "p.Len()", p.Len(), 800)

	p.sort()
	var stat reduceStat
	counts := make(map[string]int)
	p.iterate(0, func(key string, part int, nextVal ValueIterator) error {
		vals, err := ReadValues(nextVal)
		counts[key] = len(vals)
		return err
	}, &stat, func(key string, err error) {
		t.Errorf("reducing %q failed: %v", key, err)
	})
	assert.Equal(t, "stat.keys", stat.keys, 10)
	assert.Equal(t, "stat.delivered", stat.delivered, int64(800))
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("counts[k%d]", i), counts[fmt.Sprintf("k%d", i)], 80)
	}
}

func TestPartition_IterateFailure(t *testing.T) {
	var p partition
	for _, key := range []string{"a", "b", "b", "c"} {
		p.add([]byte(key), []byte(key))
	}
	p.sort()

	var failed, reduced []string
	var stat reduceStat
	p.iterate(3, func(key string, part int, nextVal ValueIterator) error {
		assert.Equal(t, "part", part, 3)
		reduced = append(reduced, key)
		switch key {
		case "a":
			panic("a")
		case "b":
			if _, err := nextVal(); err != nil {
				return err
			}
			return io.ErrUnexpectedEOF
		}
		_, err := ReadValues(nextVal)
		return err
	}, &stat, func(key string, err error) {
		failed = append(failed, key)
		if key == "b" {
			assert.Equal(t, "cause", errorsp.Cause(err), io.ErrUnexpectedEOF)
		}
	})
	assert.Equal(t, "reduced", reduced, []string{"a", "b", "c"})
	assert.Equal(t, "failed", failed, []string{"a", "b"})
	assert.Equal(t, "stat.delivered", stat.delivered, int64(2))
}

func TestStore_Phases(t *testing.T) {
	st := newStore(2, DefaultPartition)
	assert.Equal(t, "cause", errorsp.Cause(st.emit([]byte("k"), []byte("v"))), ErrEmitOutsideMap)

	st.advance(PhaseMap)
	assert.NoError(t, st.emit([]byte("k"), []byte("v")))
	assert.Equal(t, "emitted", st.emitted.Load(), int64(1))
	assert.Equal(t, "records", st.parts[DefaultPartition("k", 2)].Len(), 1)

	st.advance(PhaseSort)
	assert.Equal(t, "cause", errorsp.Cause(st.emit([]byte("k"), []byte("v"))), ErrEmitOutsideMap)

	reentered := func() (panicked bool) {
		defer func() {
			panicked = recover() != nil
		}()
		st.advance(PhaseMap)
		return false
	}()
	assert.True(t, "re-entering map panics", reentered)

	st.teardown()
	assert.Equal(t, "phase", Phase(st.phase.Load()), PhaseTeardown)
	for i, p := range st.parts {
		assert.Should(t, p == nil, fmt.Sprintf("partition %d not released", i))
	}
}

func TestStore_EmitCopies(t *testing.T) {
	st := newStore(1, DefaultPartition)
	st.advance(PhaseMap)
	key, val := []byte("key"), []byte("val")
	c := &emitter{st: st}
	assert.NoError(t, c.EmitBytes(key, val))
	copy(key, "XXX")
	copy(val, "YYY")
	assert.StringEqual(t, "key", string(st.parts[0].key(0)), "key")
	assert.StringEqual(t, "val", string(st.parts[0].val(0)), "val")

	c.done.Store(true)
	assert.Equal(t, "cause", errorsp.Cause(c.Emit("k", "v")), ErrEmitOutsideMap)
}

func TestStore_EmitAcrossPhaseChange(t *testing.T) {
	for _, phases := range [][]Phase{
		{PhaseSort},
		{PhaseSort, PhaseReduce},
		{PhaseSort, PhaseReduce, PhaseTeardown},
	} {
		entered, release := make(chan struct{}), make(chan struct{})
		st := newStore(1, func(key string, parts int) int {
			close(entered)
			<-release
			return 0
		})
		st.advance(PhaseMap)

		errc := make(chan error, 1)
		go func() {
			errc <- st.emit([]byte("k"), []byte("v"))
		}()
		<-entered
		for _, ph := range phases {
			if ph == PhaseTeardown {
				st.teardown()
			} else {
				st.advance(ph)
			}
		}
		close(release)

		assert.Equal(t, fmt.Sprintf("%v: cause", phases), errorsp.Cause(<-errc), ErrEmitOutsideMap)
		assert.Equal(t, fmt.Sprintf("%v: emitted", phases), st.emitted.Load(), int64(0))
		if p := st.parts[0]; p != nil {
			assert.Equal(t, fmt.Sprintf("%v: records", phases), p.Len(), 0)
		}
	}
}
