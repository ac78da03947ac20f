package mr

// Emitter collects the kv pairs a MapFunc produces for one source.
type Emitter interface {
	// Emit routes (key, val) to its partition. The strings are copied.
	Emit(key, val string) error
	// EmitBytes is like Emit for byte slices. key and val are copied and may
	// be reused by the caller once EmitBytes returns.
	EmitBytes(key, val []byte) error
}

// An iterator over the values of the key being reduced. io.EOF is returned
// once no further value shares that key.
type ValueIterator func() (string, error)

// MapFunc maps one input source, sending kv pairs to c. c is only valid until
// MapFunc returns.
type MapFunc func(src string, c Emitter) error

// ReduceFunc reduces all values of key in partition part. It is called once
// per distinct key. To get all values:
//
//	for {
//		val, err := nextVal()
//		if err == io.EOF {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		...
//	}
type ReduceFunc func(key string, part int, nextVal ValueIterator) error

// PartitionFunc maps a key to a partition index in [0, parts). It must be
// pure.
type PartitionFunc func(key string, parts int) int
