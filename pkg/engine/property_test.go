package engine

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The model is a plain map; the engine must agree with it for any sequence
// of puts and deletes, across however many rotations the sequence causes.
func TestEngineAgreesWithModel(t *testing.T) {
	if testing.Short() {
		t.Skip("property test is slow")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	keyGen := gen.RegexMatch(`[a-f]{1,4}`)

	properties.Property("gets and scans match a map model", prop.ForAll(
		func(keys []string, deletes []string) bool {
			opts := testOptions(t.TempDir())
			opts.MemtableMaxEntries = 8
			e, err := Open(opts, nil)
			if err != nil {
				return false
			}
			defer e.Close()

			model := make(map[string]string)
			for i, k := range keys {
				v := string(rune('0'+i%10)) + k
				if err := e.Put([]byte(k), []byte(v)); err != nil {
					return false
				}
				model[k] = v
			}
			for _, k := range deletes {
				if err := e.Delete([]byte(k)); err != nil {
					return false
				}
				delete(model, k)
			}

			// Point lookups agree.
			for _, k := range keys {
				v, found, err := e.Get([]byte(k))
				if err != nil {
					return false
				}
				want, exists := model[k]
				if found != exists {
					return false
				}
				if exists && string(v) != want {
					return false
				}
			}

			// A full scan reproduces the model, in order, without duplicates.
			it, err := e.Scan(context.Background(), nil, nil)
			if err != nil {
				return false
			}
			defer it.Close()

			seen := make(map[string]string)
			prev := ""
			for it.Next() {
				k := string(it.Key())
				if prev != "" && k <= prev {
					return false
				}
				if _, dup := seen[k]; dup {
					return false
				}
				seen[k] = string(it.Value())
				prev = k
			}
			if it.Err() != nil {
				return false
			}
			if len(seen) != len(model) {
				return false
			}
			for k, v := range model {
				if seen[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(keyGen),
		gen.SliceOf(keyGen),
	))

	properties.TestingRun(t)
}
