// Package license classifies license expressions against the
// SupportedLicense policy table.
package license

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/pkgport/pkgport/pkg/contracts"
)

// Evaluation is the outcome of classifying one license expression. A
// non-empty Errors slice or a blocked tier means the package must not
// proceed past the license stage.
type Evaluation struct {
	Expression string         `json:"expression"`
	Score      int            `json:"score"`
	Tier       contracts.Tier `json:"tier"`
	Warnings   []string       `json:"warnings,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
}

// Rejected reports whether the evaluation bars the package from
// advancing.
func (e Evaluation) Rejected() bool {
	return e.Tier == contracts.TierBlocked || (e.Score == 0 && len(e.Errors) > 0)
}

// Classifier evaluates expressions against an immutable snapshot of
// the policy table. It is a pure function of its inputs; take a fresh
// snapshot per worker batch to pick up policy changes.
type Classifier struct {
	table map[string]contracts.Tier
}

// NewClassifier indexes the given policy rows by canonical identifier.
// Later rows win on canonical collisions.
func NewClassifier(rows []*contracts.SupportedLicense) *Classifier {
	table := make(map[string]contracts.Tier, len(rows))
	for _, row := range rows {
		if row.Tier.Valid() {
			table[canonical(row.Identifier)] = row.Tier
		}
	}
	return &Classifier{table: table}
}

// Fingerprint returns a stable digest of the policy snapshot, used to
// detect out-of-band table changes between worker cycles.
func Fingerprint(rows []*contracts.SupportedLicense) string {
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, canonical(row.Identifier)+"="+string(row.Tier))
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(sum[:])
}

// Evaluate classifies a license expression. An empty expression is an
// error; a simple identifier absent from the table scores 50 at tier
// unknown without error.
func (c *Classifier) Evaluate(expression string) Evaluation {
	eval := Evaluation{Expression: expression}
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		eval.Tier = contracts.TierUnknown
		eval.Errors = append(eval.Errors, "no license")
		return eval
	}

	res := c.eval(trimmed)
	eval.Score = res.score
	eval.Tier = contracts.TierForScore(res.score)
	eval.Warnings = res.warnings
	eval.Errors = res.errors
	if len(eval.Errors) > 0 {
		eval.Score = 0
		eval.Tier = contracts.TierUnknown
	}
	return eval
}

type leafResult struct {
	score      int
	recognized bool
	warnings   []string
	errors     []string
}

// eval recursively evaluates an expression: top-level OR splits first,
// then AND, then the simple-identifier path.
func (c *Classifier) eval(expr string) leafResult {
	expr = stripOuterParens(strings.TrimSpace(expr))

	if parts := splitTopLevel(expr, opOr); len(parts) > 1 {
		return c.combineOr(parts)
	}
	if parts := splitTopLevel(expr, opAnd); len(parts) > 1 {
		return c.combineAnd(parts)
	}
	return c.lookup(expr)
}

// combineOr keeps the best recognized leaf. Unrecognized leaves only
// downgrade the result when nothing else is recognized.
func (c *Classifier) combineOr(parts []string) leafResult {
	var (
		best        = -1
		bestUnknown = -1
		sawUnknown  bool
		out         leafResult
	)
	for _, part := range parts {
		r := c.eval(part)
		out.warnings = append(out.warnings, r.warnings...)
		if r.recognized && len(r.errors) == 0 {
			out.recognized = true
			if r.score > best {
				best = r.score
			}
			continue
		}
		sawUnknown = true
		if r.score > bestUnknown {
			bestUnknown = r.score
		}
	}
	if out.recognized {
		out.score = best
		if sawUnknown {
			out.warnings = append(out.warnings,
				"OR expression contains unrecognized alternatives; using best recognized license")
		}
		return out
	}
	out.score = bestUnknown
	if out.score < 0 {
		out.score = contracts.TierUnknown.Score()
	}
	return out
}

// combineAnd keeps the worst leaf; any unrecognized or failing leaf
// fails the whole conjunction.
func (c *Classifier) combineAnd(parts []string) leafResult {
	out := leafResult{score: 101, recognized: true}
	for _, part := range parts {
		r := c.eval(part)
		out.warnings = append(out.warnings, r.warnings...)
		out.errors = append(out.errors, r.errors...)
		if !r.recognized {
			out.errors = append(out.errors,
				"AND expression contains unrecognized license "+quoted(part))
		}
		if r.score < out.score {
			out.score = r.score
		}
	}
	if len(out.errors) > 0 {
		out.score = 0
	}
	return out
}

func quoted(part string) string {
	return `"` + strings.TrimSpace(part) + `"`
}

// lookup resolves a simple identifier through the policy table.
func (c *Classifier) lookup(identifier string) leafResult {
	tier, ok := c.table[canonical(identifier)]
	if !ok {
		return leafResult{score: contracts.TierUnknown.Score()}
	}
	return leafResult{score: tier.Score(), recognized: true}
}

// canonical folds case, trims, and unifies the separator characters
// submitters interchange ("Apache 2.0", "apache-2.0", "APACHE_2.0").
func canonical(identifier string) string {
	s := strings.ToLower(strings.TrimSpace(identifier))
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.Join(strings.Fields(s), "-")
	return s
}

type operator int

const (
	opOr operator = iota
	opAnd
)

// splitTopLevel splits an expression at depth-zero occurrences of the
// operator, honoring both the SPDX word form (" OR ", " AND ") and the
// symbol form ("|", "&"). Parenthesized groups are opaque.
func splitTopLevel(expr string, op operator) []string {
	word, symbol := " or ", "|"
	if op == opAnd {
		word, symbol = " and ", "&"
	}

	var (
		parts []string
		depth int
		start int
	)
	lower := strings.ToLower(expr)
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
		if depth != 0 {
			continue
		}
		if strings.HasPrefix(lower[i:], word) {
			parts = append(parts, expr[start:i])
			i += len(word) - 1
			start = i + 1
		} else if strings.HasPrefix(expr[i:], symbol) {
			n := len(symbol)
			if strings.HasPrefix(expr[i:], symbol+symbol) {
				n *= 2 // "||" and "&&" mean the same thing
			}
			parts = append(parts, expr[start:i])
			i += n - 1
			start = i + 1
		}
	}
	if len(parts) == 0 {
		return []string{expr}
	}
	return append(parts, expr[start:])
}

// stripOuterParens removes one or more balanced outer parenthesis
// pairs: "((MIT OR GPL))" becomes "MIT OR GPL".
func stripOuterParens(expr string) string {
	for len(expr) >= 2 && expr[0] == '(' && expr[len(expr)-1] == ')' {
		depth := 0
		wraps := true
		for i := 0; i < len(expr)-1; i++ {
			switch expr[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 {
				wraps = false
				break
			}
		}
		if !wraps {
			return expr
		}
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}
