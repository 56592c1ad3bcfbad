package mask

import (
	"context"
	"fmt"
	"strings"

	goeval "github.com/edisonguo/govaluate"

	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// Expression marks a pixel valid when a boolean expression over its band
// values holds, for example "probability <= 35".
type Expression struct {
	text string
	expr *goeval.EvaluableExpression
	vars []string
}

// NewExpression parses text. Variables must be band names.
func NewExpression(text string) (*Expression, error) {
	if len(strings.TrimSpace(text)) == 0 {
		return nil, fmt.Errorf("mask: empty expression")
	}
	expr, err := goeval.NewEvaluableExpression(text)
	if err != nil {
		return nil, fmt.Errorf("mask: parse expression %q: %w", text, err)
	}
	e := &Expression{text: text, expr: expr}
	seen := map[string]bool{}
	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		name, ok := token.Value.(string)
		if !ok {
			return nil, fmt.Errorf("mask: variable token '%v' failed to cast string", token.Value)
		}
		if !seen[name] {
			seen[name] = true
			e.vars = append(e.vars, name)
		}
	}
	if len(e.vars) == 0 {
		return nil, fmt.Errorf("mask: expression %q references no band", text)
	}
	return e, nil
}

// String returns the source text.
func (e *Expression) String() string {
	return e.text
}

// Bands lists the bands the expression reads.
func (e *Expression) Bands() []string {
	return append([]string(nil), e.vars...)
}

// ComputeMask implements Provider. Pixels where every rendered band holds
// nodata are fill.
func (e *Expression) ComputeMask(ctx context.Context, _ model.Image, pixels *raster.Raster) (*Mask, error) {
	idx := make([]int, len(e.vars))
	for i, name := range e.vars {
		idx[i] = pixels.Spec.BandIndex(name)
		if idx[i] < 0 {
			return nil, fmt.Errorf("mask: variable %s is not a rendered band, valid bands are %v", name, pixels.Spec.BandNames())
		}
	}
	m := New(pixels.Spec)
	m.Filled = make([]bool, len(m.Valid))
	parameters := make(map[string]interface{}, len(e.vars))
	for p := 0; p < pixels.Pixels(); p++ {
		if p%(1<<14) == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		filled := filledAt(pixels, p)
		m.Filled[p] = filled
		if !filled {
			m.Valid[p] = false
			continue
		}
		for i, name := range e.vars {
			parameters[name] = pixels.Value(idx[i], p)
		}
		result, err := e.expr.Evaluate(parameters)
		if err != nil {
			return nil, fmt.Errorf("mask: evaluate %q: %w", e.text, err)
		}
		ok, isBool := result.(bool)
		if !isBool {
			return nil, fmt.Errorf("mask: expression %q result '%v' is not boolean", e.text, result)
		}
		m.Valid[p] = ok
	}
	return m, nil
}
