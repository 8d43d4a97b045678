package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("boom"), want: Internal},
		{name: "tagged", err: New(PriceNotFound, "no price"), want: PriceNotFound},
		{name: "wrapped tagged", err: fmt.Errorf("scrape: %w", New(Unavailable, "gone")), want: Unavailable},
		{name: "outermost wins", err: Wrap(New(ParseError, "inner"), NavigationTimeout, "outer"), want: NavigationTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("tick failed: %w", Wrap(errors.New("deadline"), NavigationTimeout, "goto"))

	assert.True(t, errors.Is(err, NavigationTimeout))
	assert.True(t, Is(err, NavigationTimeout))
	assert.False(t, errors.Is(err, LaunchFailure))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, Internal, "nothing"))
}

func TestTransient(t *testing.T) {
	assert.True(t, NavigationTimeout.Transient())
	assert.True(t, LaunchFailure.Transient())
	assert.False(t, PriceNotFound.Transient())
	assert.False(t, InvalidURL.Transient())
}
