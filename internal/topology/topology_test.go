package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUList(t *testing.T) {
	l, err := ParseCPUList("0-3, 8,10-11")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 8, 10, 11}, l.IDs())
	assert.Equal(t, "0-3,8,10-11", l.String())

	front, ok := l.Front()
	assert.True(t, ok)
	assert.Equal(t, 0, front)

	empty, err := ParseCPUList("")
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	_, ok = empty.Front()
	assert.False(t, ok)

	for _, bad := range []string{"a", "3-1", "1-x", "-2"} {
		_, err := ParseCPUList(bad)
		assert.Error(t, err, bad)
	}
}

func TestCPUListClone(t *testing.T) {
	l := NewCPUList(3, 1, 2)
	c := l.Clone()
	c.Clear(1)
	assert.True(t, l.IsSet(1))
	assert.False(t, c.IsSet(1))
	assert.Equal(t, 3, l.Size())
}

func TestSynthetic(t *testing.T) {
	// 8 cpus, 2 threads per core, 2 cores per L3, 1 L3 per node
	topo := Synthetic(8, 2, 2, 1)

	assert.Equal(t, []int{0, 1}, topo.Siblings(0).IDs())
	assert.Equal(t, []int{4, 5}, topo.Siblings(5).IDs())
	assert.Equal(t, []int{0, 1, 2, 3}, topo.L3Siblings(2).IDs())
	assert.Equal(t, []int{4, 5, 6, 7}, topo.L3Siblings(7).IDs())
	assert.Equal(t, 0, topo.NUMANode(3))
	assert.Equal(t, 1, topo.NUMANode(4))
	assert.Equal(t, -1, topo.NUMANode(42))
	assert.True(t, topo.Siblings(42).Empty())
	assert.Equal(t, 8, topo.All().Size())
}

func TestFromSysfs(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content+"\n"), 0o644))
	}
	write("cpu/online", "0-3")
	for id, core := range []string{"0", "0", "1", "1"} {
		dir := filepath.Join("cpu", "cpu"+string(rune('0'+id)))
		write(filepath.Join(dir, "topology", "core_id"), core)
		write(filepath.Join(dir, "topology", "physical_package_id"), "0")
		write(filepath.Join(dir, "cache", "index3", "shared_cpu_list"), "0-3")
	}
	write("node/node0/cpulist", "0-3")

	topo, err := FromSysfs(root)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, topo.Siblings(3).IDs())
	assert.Equal(t, []int{0, 1, 2, 3}, topo.L3Siblings(1).IDs())
	assert.Equal(t, 0, topo.NUMANode(2))
}

func TestFromSysfsMissing(t *testing.T) {
	_, err := FromSysfs(t.TempDir())
	assert.Error(t, err)
}
