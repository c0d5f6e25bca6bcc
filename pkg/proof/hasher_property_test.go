//go:build property
// +build property

package proof

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestContentHashProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genFacts := gopter.CombineGens(
		gen.Identifier(), gen.Identifier(),
		gen.Int64Range(0, 1<<40), gen.IntRange(0, 24*60),
	).Map(func(vals []interface{}) ShiftFacts {
		in := time.Unix(vals[2].(int64), 0).UTC()
		worked := vals[3].(int)
		return ShiftFacts{
			EventID:       vals[0].(string),
			WorkerID:      vals[1].(string),
			CheckInAt:     in,
			CheckOutAt:    in.Add(time.Duration(worked) * time.Minute),
			WorkedMinutes: worked,
		}
	})

	properties.Property("hash is deterministic", prop.ForAll(
		func(f ShiftFacts) bool {
			return ContentHash(f) == ContentHash(f)
		},
		genFacts,
	))

	properties.Property("worked minutes always affect the hash", prop.ForAll(
		func(f ShiftFacts) bool {
			other := f
			other.WorkedMinutes++
			return ContentHash(f) != ContentHash(other)
		},
		genFacts,
	))

	properties.TestingRun(t)
}
