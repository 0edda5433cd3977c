package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// TestProperty_ColumnPolicy checks that for any row image excluded columns never
// appear and masked columns always equal the mask, including when the value is null.
func TestProperty_ColumnPolicy(t *testing.T) {
	p, err := NewColumnPolicy(ColumnConfig{
		Exclude: []string{`inventory\.customers\.secret`},
		Mask:    []MaskRule{{Columns: []string{`inventory\.customers\.email`}, Length: 8}},
	})
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	properties.Property("excluded columns never appear and masked columns always equal the mask", prop.ForAll(
		func(email, secret, name string, nullEmail bool) bool {
			img := map[string]any{"email": email, "secret": secret, "name": name}
			if nullEmail {
				img["email"] = nil
			}
			out := p.Apply(customers, img)
			_, hasSecret := out["secret"]
			return !hasSecret && out["email"] == "********" && out["name"] == name
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
		gen.Bool(),
	))
	properties.TestingRun(t)
}
