package lifecycle

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesOnlyItsKind(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("outer: %w", learningFailure(opLearn, "b1", cause))

	assert.ErrorIs(t, err, ErrLearningFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrCreationConflict)
	assert.Equal(t, "outer: learn b1: learning failure: disk full", err.Error())

	assert.Equal(t, "get_platform_brain: not found", notFound(opGetPlatform, "").Error())
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"U1":          "U1",
		"team/alice":  "team-alice",
		"../../etc":   "-..-etc",
		"":            "anon",
		"..":          "anon",
		"a b@example": "a-b-example",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitize(in), in)
	}
}
