package license

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/stretchr/testify/require"
)

func policyTable() []*contracts.SupportedLicense {
	return []*contracts.SupportedLicense{
		{Identifier: "MIT", Tier: contracts.TierAlwaysAllowed},
		{Identifier: "Apache-2.0", Tier: contracts.TierAlwaysAllowed},
		{Identifier: "BSD-3-Clause", Tier: contracts.TierAllowed},
		{Identifier: "LGPL-2.1", Tier: contracts.TierAvoid},
		{Identifier: "GPL", Tier: contracts.TierBlocked},
		{Identifier: "GPL-3.0", Tier: contracts.TierBlocked},
	}
}

func TestEvaluateSimple(t *testing.T) {
	c := NewClassifier(policyTable())

	cases := []struct {
		expr     string
		score    int
		tier     contracts.Tier
		rejected bool
	}{
		{"MIT", 100, contracts.TierAlwaysAllowed, false},
		{"BSD-3-Clause", 80, contracts.TierAllowed, false},
		{"LGPL-2.1", 30, contracts.TierAvoid, false},
		{"GPL", 0, contracts.TierBlocked, true},
		{"X-unknown", 50, contracts.TierUnknown, false},
	}
	for _, tc := range cases {
		eval := c.Evaluate(tc.expr)
		require.Equal(t, tc.score, eval.Score, tc.expr)
		require.Equal(t, tc.tier, eval.Tier, tc.expr)
		require.Equal(t, tc.rejected, eval.Rejected(), tc.expr)
		require.Empty(t, eval.Errors, tc.expr)
	}
}

func TestEvaluateEmptyExpression(t *testing.T) {
	c := NewClassifier(policyTable())
	for _, expr := range []string{"", "   "} {
		eval := c.Evaluate(expr)
		require.Zero(t, eval.Score)
		require.Equal(t, contracts.TierUnknown, eval.Tier)
		require.Contains(t, eval.Errors, "no license")
		require.True(t, eval.Rejected())
	}
}

func TestEvaluateVariants(t *testing.T) {
	c := NewClassifier(policyTable())
	want := c.Evaluate("Apache-2.0")
	for _, expr := range []string{"apache-2.0", "APACHE_2.0", "Apache 2.0", "  apache  2.0  "} {
		got := c.Evaluate(expr)
		require.Equal(t, want.Score, got.Score, expr)
		require.Equal(t, want.Tier, got.Tier, expr)
	}
}

func TestEvaluateOr(t *testing.T) {
	c := NewClassifier(policyTable())

	// Best leaf wins.
	eval := c.Evaluate("(MIT OR GPL)")
	require.Equal(t, 100, eval.Score)
	require.Equal(t, contracts.TierAlwaysAllowed, eval.Tier)
	require.Empty(t, eval.Errors)

	// Unrecognized alternative: best recognized leaf plus a warning.
	eval = c.Evaluate("MIT OR X-unknown")
	require.Equal(t, 100, eval.Score)
	require.NotEmpty(t, eval.Warnings)
	require.Empty(t, eval.Errors)

	// Law: eval("MIT OR X-unknown") score/tier equals eval("MIT").
	mit := c.Evaluate("MIT")
	require.Equal(t, mit.Score, eval.Score)
	require.Equal(t, mit.Tier, eval.Tier)

	// All alternatives unrecognized: unknown, no error.
	eval = c.Evaluate("X-unknown OR Y-unknown")
	require.Equal(t, 50, eval.Score)
	require.Equal(t, contracts.TierUnknown, eval.Tier)
	require.Empty(t, eval.Errors)
}

func TestEvaluateAnd(t *testing.T) {
	c := NewClassifier(policyTable())

	// Worst leaf wins.
	eval := c.Evaluate("MIT AND LGPL-2.1")
	require.Equal(t, 30, eval.Score)
	require.Equal(t, contracts.TierAvoid, eval.Tier)
	require.Empty(t, eval.Errors)

	// Law: any unrecognized conjunct forces score 0 with an error.
	eval = c.Evaluate("MIT AND X-unknown")
	require.Zero(t, eval.Score)
	require.NotEmpty(t, eval.Errors)
	require.True(t, eval.Rejected())

	// A blocked conjunct sinks the whole expression.
	eval = c.Evaluate("MIT AND GPL")
	require.Zero(t, eval.Score)
	require.True(t, eval.Rejected())
}

func TestEvaluateSymbolOperators(t *testing.T) {
	c := NewClassifier(policyTable())

	require.Equal(t, 100, c.Evaluate("MIT|GPL").Score)
	require.Equal(t, 100, c.Evaluate("MIT || GPL").Score)
	require.Zero(t, c.Evaluate("MIT & GPL").Score)
	require.Equal(t, 30, c.Evaluate("MIT && LGPL-2.1").Score)
}

func TestEvaluateNestedGroups(t *testing.T) {
	c := NewClassifier(policyTable())

	// The GPL branch loses the OR; the AND then takes the worse of
	// MIT and BSD-3-Clause.
	eval := c.Evaluate("MIT AND (BSD-3-Clause OR GPL)")
	require.Equal(t, 80, eval.Score)
	require.Equal(t, contracts.TierAllowed, eval.Tier)

	eval = c.Evaluate("((MIT))")
	require.Equal(t, 100, eval.Score)
}

func TestEvaluateCaseLaw(t *testing.T) {
	c := NewClassifier(policyTable())
	require.Equal(t, c.Evaluate("MIT").Tier, c.Evaluate(" mit ").Tier)
}

func TestEvaluateProperties(t *testing.T) {
	c := NewClassifier(policyTable())
	known := []string{"MIT", "Apache-2.0", "BSD-3-Clause", "LGPL-2.1", "GPL"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genLeaf := gen.OneConstOf("MIT", "Apache-2.0", "BSD-3-Clause", "LGPL-2.1", "GPL", "X-unknown")

	properties.Property("scores stay within 0..100", prop.ForAll(
		func(a, b string, useOr bool) bool {
			op := " AND "
			if useOr {
				op = " OR "
			}
			eval := c.Evaluate(a + op + b)
			return eval.Score >= 0 && eval.Score <= 100
		},
		genLeaf, genLeaf, gen.Bool(),
	))

	properties.Property("OR is commutative", prop.ForAll(
		func(a, b string) bool {
			return c.Evaluate(a+" OR "+b).Score == c.Evaluate(b+" OR "+a).Score
		},
		genLeaf, genLeaf,
	))

	properties.Property("AND never exceeds either recognized leaf", prop.ForAll(
		func(ai, bi uint8) bool {
			a := known[int(ai)%len(known)]
			b := known[int(bi)%len(known)]
			eval := c.Evaluate(a + " AND " + b)
			return eval.Score <= c.Evaluate(a).Score && eval.Score <= c.Evaluate(b).Score
		},
		gen.UInt8(), gen.UInt8(),
	))

	properties.TestingRun(t)
}
