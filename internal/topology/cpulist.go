// internal/topology/cpulist.go

package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emirpasic/gods/sets/treeset"
)

// CPUList is an ordered set of CPU ids. The zero value is not usable; use
// NewCPUList.
type CPUList struct {
	set *treeset.Set
}

// NewCPUList returns a list holding the given CPU ids.
func NewCPUList(ids ...int) *CPUList {
	l := &CPUList{set: treeset.NewWith(cmpCPU)}
	for _, id := range ids {
		l.set.Add(id)
	}
	return l
}

// ParseCPUList parses a kernel style cpulist such as "0-3,8,10-11".
func ParseCPUList(s string) (*CPUList, error) {
	l := NewCPUList()
	s = strings.TrimSpace(s)
	if s == "" {
		return l, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("cpulist %q: %w", s, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("cpulist %q: %w", s, err)
			}
		}
		if first < 0 || last < first {
			return nil, fmt.Errorf("cpulist %q: bad range %q", s, part)
		}
		for id := first; id <= last; id++ {
			l.set.Add(id)
		}
	}
	return l, nil
}

func (l *CPUList) Set(id int)        { l.set.Add(id) }
func (l *CPUList) Clear(id int)      { l.set.Remove(id) }
func (l *CPUList) IsSet(id int) bool { return l.set.Contains(id) }
func (l *CPUList) Empty() bool       { return l.set.Empty() }
func (l *CPUList) Size() int         { return l.set.Size() }

// Front returns the lowest CPU id in the list.
func (l *CPUList) Front() (int, bool) {
	it := l.set.Iterator()
	if !it.First() {
		return -1, false
	}
	return it.Value().(int), true
}

// IDs returns the CPU ids in ascending order.
func (l *CPUList) IDs() []int {
	vals := l.set.Values()
	ids := make([]int, len(vals))
	for i, v := range vals {
		ids[i] = v.(int)
	}
	return ids
}

// Clone returns an independent copy.
func (l *CPUList) Clone() *CPUList {
	return NewCPUList(l.IDs()...)
}

// String renders the list back into cpulist form.
func (l *CPUList) String() string {
	ids := l.IDs()
	var b strings.Builder
	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if i == j {
			fmt.Fprintf(&b, "%d", ids[i])
		} else {
			fmt.Fprintf(&b, "%d-%d", ids[i], ids[j])
		}
		i = j + 1
	}
	return b.String()
}

func cmpCPU(a, b any) int {
	x, y := a.(int), b.(int)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
