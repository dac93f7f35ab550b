package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeEqual(t *testing.T) {
	a := Scope{"user_id": "u1", "org_id": "o1"}
	b := Scope{"org_id": "o1", "user_id": "u1"}
	c := Scope{"user_id": "u1"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, c.Equal(a))
}

func TestScopeValid(t *testing.T) {
	assert.False(t, Scope{}.Valid(), "empty scope is invalid")
	assert.True(t, Scope{"user_id": "u1"}.Valid())
	assert.False(t, Scope{"": "x"}.Valid(), "empty key is invalid")

	tooMany := Scope{}
	for i := 0; i < MaxScopeKeys+1; i++ {
		tooMany[string(rune('a'+i))] = "v"
	}
	assert.False(t, tooMany.Valid())
}

func TestScopeSortedKeys(t *testing.T) {
	s := Scope{"c": "3", "a": "1", "b": "2"}
	assert.Equal(t, []string{"a", "b", "c"}, s.SortedKeys())
}
