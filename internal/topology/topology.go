// Package topology describes the machine layout the schedulers place tasks on:
// which CPUs share a physical core, a last-level cache, or a NUMA node.
package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CPU is one logical CPU and the domains it belongs to.
type CPU struct {
	ID   int
	Core int // physical core, unique across packages
	L3   int // last-level cache domain
	NUMA int // NUMA node, -1 when unknown
}

// Topology is an immutable view of the CPUs of a machine.
type Topology struct {
	cpus map[int]CPU
	all  *CPUList
}

// New builds a topology from explicit CPU descriptions.
func New(cpus []CPU) *Topology {
	t := &Topology{cpus: make(map[int]CPU, len(cpus)), all: NewCPUList()}
	for _, c := range cpus {
		t.cpus[c.ID] = c
		t.all.Set(c.ID)
	}
	return t
}

// Synthetic lays out n CPUs with the given number of hardware threads per
// core, cores per L3 domain and L3 domains per NUMA node. Non-positive shape
// arguments are treated as 1.
func Synthetic(n, threadsPerCore, coresPerL3, l3PerNode int) *Topology {
	threadsPerCore = max(threadsPerCore, 1)
	coresPerL3 = max(coresPerL3, 1)
	l3PerNode = max(l3PerNode, 1)

	cpus := make([]CPU, 0, n)
	for id := 0; id < n; id++ {
		core := id / threadsPerCore
		l3 := core / coresPerL3
		cpus = append(cpus, CPU{ID: id, Core: core, L3: l3, NUMA: l3 / l3PerNode})
	}
	return New(cpus)
}

// FromSysfs discovers the topology below root, normally "/sys/devices/system".
func FromSysfs(root string) (*Topology, error) {
	online, err := readCPUList(filepath.Join(root, "cpu", "online"))
	if err != nil {
		return nil, fmt.Errorf("read online cpus: %w", err)
	}

	numaOf := make(map[int]int)
	nodes, _ := filepath.Glob(filepath.Join(root, "node", "node[0-9]*"))
	for _, dir := range nodes {
		node, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(dir), "node"))
		if err != nil {
			continue
		}
		l, err := readCPUList(filepath.Join(dir, "cpulist"))
		if err != nil {
			continue
		}
		for _, id := range l.IDs() {
			numaOf[id] = node
		}
	}

	cpus := make([]CPU, 0, online.Size())
	for _, id := range online.IDs() {
		dir := filepath.Join(root, "cpu", fmt.Sprintf("cpu%d", id))
		coreID, err := readInt(filepath.Join(dir, "topology", "core_id"))
		if err != nil {
			return nil, fmt.Errorf("cpu%d core_id: %w", id, err)
		}
		pkg, err := readInt(filepath.Join(dir, "topology", "physical_package_id"))
		if err != nil {
			return nil, fmt.Errorf("cpu%d physical_package_id: %w", id, err)
		}
		l3 := id
		if shared, err := readCPUList(filepath.Join(dir, "cache", "index3", "shared_cpu_list")); err == nil {
			if front, ok := shared.Front(); ok {
				l3 = front
			}
		}
		numa, ok := numaOf[id]
		if !ok {
			numa = -1
		}
		cpus = append(cpus, CPU{ID: id, Core: pkg<<16 | coreID, L3: l3, NUMA: numa})
	}
	if len(cpus) == 0 {
		return nil, errors.New("no online cpus")
	}
	return New(cpus), nil
}

// CPU returns the description of cpu id.
func (t *Topology) CPU(id int) (CPU, bool) {
	c, ok := t.cpus[id]
	return c, ok
}

// All returns every CPU of the topology.
func (t *Topology) All() *CPUList { return t.all.Clone() }

// Siblings returns the CPUs sharing a physical core with id, id included.
func (t *Topology) Siblings(id int) *CPUList {
	return t.filter(id, func(a, b CPU) bool { return a.Core == b.Core })
}

// L3Siblings returns the CPUs sharing the last-level cache with id, id included.
func (t *Topology) L3Siblings(id int) *CPUList {
	return t.filter(id, func(a, b CPU) bool { return a.L3 == b.L3 })
}

// NUMANode returns the node of cpu id, or -1.
func (t *Topology) NUMANode(id int) int {
	c, ok := t.cpus[id]
	if !ok {
		return -1
	}
	return c.NUMA
}

func (t *Topology) filter(id int, same func(a, b CPU) bool) *CPUList {
	out := NewCPUList()
	ref, ok := t.cpus[id]
	if !ok {
		return out
	}
	for _, c := range t.cpus {
		if same(ref, c) {
			out.Set(c.ID)
		}
	}
	return out
}

func readCPUList(path string) (*CPUList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCPUList(string(data))
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
