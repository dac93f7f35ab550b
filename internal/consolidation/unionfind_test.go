package consolidation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnionFindComponents(t *testing.T) {
	uf := newUnionFind(5)
	uf.union(0, 1)
	uf.union(1, 2)
	uf.union(3, 4)

	components := uf.components()
	a := assert.New(t)
	a.Len(components, 2)
	a.ElementsMatch([]int{0, 1, 2}, components[0])
	a.ElementsMatch([]int{3, 4}, components[1])
}

func TestUnionFindIsOrderIndependent(t *testing.T) {
	a := newUnionFind(4)
	a.union(0, 1)
	a.union(2, 3)
	a.union(1, 2)

	b := newUnionFind(4)
	b.union(2, 3)
	b.union(1, 2)
	b.union(0, 1)

	assert.Equal(t, a.components(), b.components())
}

func TestUnionFindSingletonsStaySeparate(t *testing.T) {
	uf := newUnionFind(3)
	uf.union(0, 1)

	components := uf.components()
	assert.Len(t, components, 2)
}
