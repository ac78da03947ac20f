package mr

// DefaultPartition is the PartitionFunc used when none is specified. It is a
// djb2 hash of the key bytes modulo parts. 0 is returned if parts is not
// positive.
func DefaultPartition(key string, parts int) int {
	if parts <= 0 {
		return 0
	}
	hash := uint64(5381)
	for i := 0; i < len(key); i++ {
		hash = hash*33 + uint64(key[i])
	}
	return int(hash % uint64(parts))
}
