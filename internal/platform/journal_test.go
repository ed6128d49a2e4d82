package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJournalRevertsInReverseOrder(t *testing.T) {
	var j Journal
	var order []int

	j.Record(func(context.Context) error { order = append(order, 1); return nil })
	j.Record(func(context.Context) error { order = append(order, 2); return nil })
	j.Record(func(context.Context) error { order = append(order, 3); return nil })

	assert.Equal(t, 3, j.Len())
	j.Revert(context.Background())

	assert.Equal(t, []int{3, 2, 1}, order)
	assert.Equal(t, 0, j.Len())
}

func TestJournalRevertContinuesAfterError(t *testing.T) {
	var j Journal
	var ran []int

	j.Record(func(context.Context) error { ran = append(ran, 1); return nil })
	j.Record(func(context.Context) error { return errors.New("boom") })
	j.Record(func(context.Context) error { ran = append(ran, 3); return nil })

	j.Revert(context.Background())
	assert.Equal(t, []int{3, 1}, ran)
}
