package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAndClassOf(t *testing.T) {
	cause := errors.New("connection refused")
	err := Classify(ClassUpstreamTransient, cause)

	assert.Equal(t, ClassUpstreamTransient, ClassOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClassifyNilIsNil(t *testing.T) {
	assert.Nil(t, Classify(ClassUpstreamTransient, nil))
}

func TestClassOfUnclassifiedIsEmpty(t *testing.T) {
	assert.Equal(t, Class(""), ClassOf(errors.New("plain")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Classify(ClassUpstreamTransient, errors.New("x"))))
	assert.False(t, IsTransient(Classify(ClassUpstreamPermanent, errors.New("x"))))
}

func TestIsConcurrentModification(t *testing.T) {
	assert.True(t, IsConcurrentModification(Classify(ClassConcurrentModification, errors.New("x"))))
	assert.False(t, IsConcurrentModification(Classify(ClassInvalidInput, errors.New("x"))))
}

func TestClassifyfFormatsMessage(t *testing.T) {
	err := Classifyf(ClassInvalidInput, "bad field %q", "fact")
	assert.Equal(t, ClassInvalidInput, ClassOf(err))
	assert.Contains(t, err.Error(), `bad field "fact"`)
}
