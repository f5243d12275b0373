package hostfunc

import "github.com/shopspring/decimal"

// Decimal is an arbitrary-precision decimal number.
type Decimal struct {
	d decimal.Decimal
}

func parseDecimal(value string) (Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Decimal{}, invalidArgs("decimal", "%v", err)
	}
	return Decimal{d: d}, nil
}

func (d Decimal) Add(v Decimal) Decimal { return Decimal{d: d.d.Add(v.d)} }

func (d Decimal) Sub(v Decimal) Decimal { return Decimal{d: d.d.Sub(v.d)} }

func (d Decimal) Mul(v Decimal) Decimal { return Decimal{d: d.d.Mul(v.d)} }

// Div divides with 16 digits of precision after the point.
func (d Decimal) Div(v Decimal) (Decimal, error) {
	if v.d.IsZero() {
		return Decimal{}, invalidArgs("decimal", "division by zero")
	}
	return Decimal{d: d.d.Div(v.d)}, nil
}

func (d Decimal) Cmp(v Decimal) int { return d.d.Cmp(v.d) }

func (d Decimal) Round(places int32) Decimal { return Decimal{d: d.d.Round(places)} }

func (d Decimal) ToFixed(places int32) string { return d.d.StringFixed(places) }

func (d Decimal) String() string { return d.d.String() }
