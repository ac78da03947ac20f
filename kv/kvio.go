package kv

import (
	"fmt"
	"sort"

	"github.com/golangplus/errors"

	"github.com/daviddengcn/go-villa"
)

const fmtPart = "part-%05d"

// DirInput is a folder of kv files, each of which is a source of a job.
type DirInput villa.Path

// Sources returns the paths of the files in the folder, sorted by name.
func (in DirInput) Sources() ([]string, error) {
	infos, err := villa.Path(in).ReadDir()
	if err != nil {
		return nil, errorsp.WithStacks(err)
	}
	srcs := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		srcs = append(srcs, villa.Path(in).Join(info.Name()).S())
	}
	sort.Strings(srcs)
	return srcs, nil
}

// Reader opens a source returned by Sources.
func (in DirInput) Reader(src string) (*Reader, error) {
	return NewReader(villa.Path(src))
}

// DirOutput is a folder of kv files, one for each partition.
type DirOutput villa.Path

// Collector creates the kv file of partition part.
func (out DirOutput) Collector(part int) (*Writer, error) {
	if err := villa.Path(out).MkdirAll(0755); err != nil {
		return nil, errorsp.WithStacks(err)
	}
	return NewWriter(villa.Path(out).Join(fmt.Sprintf(fmtPart, part)))
}

// Collectors creates the kv files of partitions [0, parts). If any of them
// fails, the ones already created are closed.
func (out DirOutput) Collectors(parts int) ([]*Writer, error) {
	ws := make([]*Writer, 0, parts)
	for part := 0; part < parts; part++ {
		w, err := out.Collector(part)
		if err != nil {
			for _, w := range ws {
				w.Close()
			}
			return nil, errorsp.WithStacksAndMessage(err, "creating collector %d failed", part)
		}
		ws = append(ws, w)
	}
	return ws, nil
}

// Clean removes the folder.
func (out DirOutput) Clean() error {
	return errorsp.WithStacks(villa.Path(out).RemoveAll())
}
