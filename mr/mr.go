/*
Package mr provides a local concurrent computing model (MapReduce) over
in-memory partitions.

A run goes through three phases separated by barriers: every source is mapped
(at most Mappers at a time), every partition is sorted by key, then every
partition is reduced by its own goroutine, calling ReduceF once per distinct
key.

A simple word count example is like this:

	job := mr.Job{
		Sources: files,
		Mappers: 4,
		MapF: func(src string, c mr.Emitter) error {
			text, err := os.ReadFile(src)
			if err != nil {
				return err
			}
			for _, word := range strings.Fields(string(text)) {
				if err := c.Emit(word, "1"); err != nil {
					return err
				}
			}
			return nil
		},

		Reducers: 10,
		ReduceF: func(key string, part int, nextVal mr.ValueIterator) error {
			count := 0
			for {
				_, err := nextVal()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				count++
			}
			return outs[part].Collect(key, strconv.Itoa(count))
		},
	}

	res, err := job.Run(context.Background())
	if err != nil {
		log.Fatalf("job.Run failed: %v", err)
	}
	if err := res.Err(); err != nil {
		log.Fatalf("job failed: %v", err)
	}
*/
package mr

import (
	"context"
	"log"

	"github.com/golangplus/errors"
	"golang.org/x/sync/semaphore"
)

// A Job contains a mapping step and a reducing step. In reducing step, kv
// pairs are sorted by keys, and values of a key are reduced using ReduceF.
type Job struct {
	// The input sources, each mapped by a separate call to MapF. A nil slice
	// is an error, an empty one is a valid job with nothing to do.
	Sources []string
	MapF    MapFunc
	// The maximum number of MapF calls running concurrently.
	Mappers int

	ReduceF ReduceFunc
	// The number of partitions, which is also the number of reduce workers.
	Reducers int

	// Routes keys to partitions. DefaultPartition is used if nil.
	PartitionF PartitionFunc
}

// Run creates a Job with the parameters and runs it to completion. A nil
// partF means DefaultPartition.
func Run(sources []string, mapF MapFunc, mappers int, reduceF ReduceFunc, reducers int, partF PartitionFunc) (*Result, error) {
	job := Job{
		Sources:    sources,
		MapF:       mapF,
		Mappers:    mappers,
		ReduceF:    reduceF,
		Reducers:   reducers,
		PartitionF: partF,
	}
	return job.Run(context.Background())
}

// runContext is an immutable snapshot of a Job for a single run.
type runContext struct {
	sources  []string
	mapF     MapFunc
	mappers  int
	reduceF  ReduceFunc
	reducers int
	partF    PartitionFunc
}

func (job *Job) newRunContext() (*runContext, error) {
	if job.MapF == nil {
		return nil, errorsp.WithStacks(ErrNoMapFunc)
	}
	if job.ReduceF == nil {
		return nil, errorsp.WithStacks(ErrNoReduceFunc)
	}
	if job.Sources == nil {
		return nil, errorsp.WithStacks(ErrNoSources)
	}
	if job.Mappers <= 0 {
		return nil, errorsp.WithStacksAndMessage(ErrBadMappers, "Mappers = %d", job.Mappers)
	}
	if job.Reducers <= 0 {
		return nil, errorsp.WithStacksAndMessage(ErrBadReducers, "Reducers = %d", job.Reducers)
	}
	partF := job.PartitionF
	if partF == nil {
		log.Println("PartitionF not specified, using DefaultPartition...")
		partF = DefaultPartition
	}
	return &runContext{
		sources:  append([]string(nil), job.Sources...),
		mapF:     job.MapF,
		mappers:  job.Mappers,
		reduceF:  job.ReduceF,
		reducers: job.Reducers,
		partF:    partF,
	}, nil
}

// Run runs the job and blocks until all phases are done.
//
// A non-nil error with a nil Result means the job is misconfigured and nothing
// was started. Failures of single workers do not stop the run; they are
// reported in Result.Failures. If ctx is done, no further phase is started,
// every mapper and reducer not yet started is recorded as a launch failure,
// and ctx.Err() is returned along with the Result.
func (job *Job) Run(ctx context.Context) (*Result, error) {
	rc, err := job.newRunContext()
	if err != nil {
		return nil, err
	}
	return rc.run(ctx)
}

func (rc *runContext) run(ctx context.Context) (*Result, error) {
	st := newStore(rc.reducers, rc.partF)
	defer st.teardown()

	res := &Result{
		Partitions: make([]PartitionStat, rc.reducers),
	}

	log.Printf("Start mapping %d sources with %d mappers...", len(rc.sources), rc.mappers)
	st.advance(PhaseMap)
	res.Failures = append(res.Failures, rc.mapAll(ctx, st)...)
	// Emits of goroutines leaked by mappers are rejected from here on.
	st.advance(PhaseSort)
	res.Emitted = st.emitted.Load()
	for part, p := range st.parts {
		res.Partitions[part].Records = p.Len()
	}
	if err := ctx.Err(); err != nil {
		log.Printf("Run cancelled after mapping: %v", err)
		res.Failures = append(res.Failures, reduceLaunchFailures(rc.reducers, nil, err)...)
		return res, errorsp.WithStacksAndMessage(err, "run cancelled after the map phase")
	}

	log.Printf("Map ends, begin to sort %d partitions", rc.reducers)
	unsorted := rc.sortAll(st)
	res.Failures = append(res.Failures, unsorted...)
	skip := make(map[int]bool)
	for _, f := range unsorted {
		skip[f.Index] = true
	}
	if err := ctx.Err(); err != nil {
		log.Printf("Run cancelled after sorting: %v", err)
		res.Failures = append(res.Failures, reduceLaunchFailures(rc.reducers, skip, err)...)
		return res, errorsp.WithStacksAndMessage(err, "run cancelled after the sort phase")
	}

	log.Println("Sort ends, begin to reduce")
	st.advance(PhaseReduce)
	res.Failures = append(res.Failures, rc.reduceAll(ctx, st, skip, res)...)
	log.Printf("Reduce ends, %v", res)

	if err := ctx.Err(); err != nil {
		return res, errorsp.WithStacksAndMessage(err, "run cancelled during the reduce phase")
	}
	return res, nil
}

func (rc *runContext) mapAll(ctx context.Context, st *store) []*Failure {
	gate := semaphore.NewWeighted(int64(rc.mappers))
	ends := make([]chan *Failure, 0, len(rc.sources))
	for i, src := range rc.sources {
		end := make(chan *Failure, 1)
		ends = append(ends, end)
		go func(i int, src string, end chan *Failure) {
			end <- rc.mapOne(ctx, gate, st, i, src)
		}(i, src, end)
	}

	var failures []*Failure
	for _, end := range ends {
		if f := <-end; f != nil {
			log.Printf("Mapper failed: %v", f)
			failures = append(failures, f)
		}
	}
	return failures
}

func (rc *runContext) mapOne(ctx context.Context, gate *semaphore.Weighted, st *store, i int, src string) *Failure {
	launchFailure := func(err error) *Failure {
		return &Failure{
			Phase:  PhaseMap,
			Kind:   LaunchFailure,
			Index:  i,
			Source: src,
			Err:    errorsp.WithStacksAndMessage(err, "admitting mapper for source %d failed", i),
		}
	}
	// Acquire may succeed on a done context if a slot is free.
	if err := ctx.Err(); err != nil {
		return launchFailure(err)
	}
	if err := gate.Acquire(ctx, 1); err != nil {
		return launchFailure(err)
	}
	defer gate.Release(1)
	if err := ctx.Err(); err != nil {
		return launchFailure(err)
	}

	c := &emitter{st: st}
	defer c.done.Store(true)
	if err := callMap(rc.mapF, src, c); err != nil {
		return &Failure{
			Phase:  PhaseMap,
			Kind:   CallbackFailure,
			Index:  i,
			Source: src,
			Err:    errorsp.WithStacksAndMessage(err, "mapping source %d failed", i),
		}
	}
	return nil
}

func callMap(mapF MapFunc, src string, c Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorsp.NewWithStacks("map panicked: %v", r)
		}
	}()
	return mapF(src, c)
}

// sortAll sorts every partition concurrently. Partitions failed to sort are
// returned as failures.
func (rc *runContext) sortAll(st *store) []*Failure {
	ends := make([]chan *Failure, 0, len(st.parts))
	for part, p := range st.parts {
		end := make(chan *Failure, 1)
		ends = append(ends, end)
		go func(part int, p *partition, end chan *Failure) {
			var f *Failure
			defer func() {
				if r := recover(); r != nil {
					f = &Failure{
						Phase: PhaseSort,
						Kind:  CallbackFailure,
						Index: part,
						Err:   errorsp.NewWithStacks("sort panicked: %v", r),
					}
				}
				end <- f
			}()
			p.sort()
		}(part, p, end)
	}

	var failures []*Failure
	for _, end := range ends {
		if f := <-end; f != nil {
			log.Printf("Sorter failed: %v", f)
			failures = append(failures, f)
		}
	}
	return failures
}

// reduceAll reduces every partition not in skip concurrently and fills the
// reducing stats of res.
func (rc *runContext) reduceAll(ctx context.Context, st *store, skip map[int]bool, res *Result) []*Failure {
	ends := make([]chan []*Failure, len(st.parts))
	stats := make([]reduceStat, len(st.parts))
	for part, p := range st.parts {
		if skip[part] {
			continue
		}
		end := make(chan []*Failure, 1)
		ends[part] = end
		go func(part int, p *partition, end chan []*Failure) {
			end <- rc.reduceOne(ctx, p, part, &stats[part])
		}(part, p, end)
	}

	var failures []*Failure
	for part, end := range ends {
		if end == nil {
			continue
		}
		fs := <-end
		for _, f := range fs {
			log.Printf("Reducer failed: %v", f)
		}
		failures = append(failures, fs...)

		res.Delivered += stats[part].delivered
		res.Keys += int64(stats[part].keys)
		res.Partitions[part].Keys = stats[part].keys
	}
	return failures
}

func reduceLaunchFailure(part int, err error) *Failure {
	return &Failure{
		Phase: PhaseReduce,
		Kind:  LaunchFailure,
		Index: part,
		Err:   errorsp.WithStacksAndMessage(err, "starting reducer for partition %d failed", part),
	}
}

// reduceLaunchFailures returns a launch failure for every partition not in
// skip, whose reducer is not going to start because of err.
func reduceLaunchFailures(parts int, skip map[int]bool, err error) []*Failure {
	var failures []*Failure
	for part := 0; part < parts; part++ {
		if !skip[part] {
			failures = append(failures, reduceLaunchFailure(part, err))
		}
	}
	return failures
}

func (rc *runContext) reduceOne(ctx context.Context, p *partition, part int, stat *reduceStat) []*Failure {
	if err := ctx.Err(); err != nil {
		return []*Failure{reduceLaunchFailure(part, err)}
	}
	var failures []*Failure
	p.iterate(part, rc.reduceF, stat, func(key string, err error) {
		failures = append(failures, &Failure{
			Phase: PhaseReduce,
			Kind:  CallbackFailure,
			Index: part,
			Key:   key,
			Err:   errorsp.WithStacksAndMessage(err, "reducing key %q failed", key),
		})
	})
	return failures
}
