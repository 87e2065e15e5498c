package types

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm/clause"
)

type CommonFilterOperator string

const (
	CommonFilterOperatorEq        CommonFilterOperator = "eq"
	CommonFilterOperatorNotEq     CommonFilterOperator = "not_eq"
	CommonFilterOperatorLt        CommonFilterOperator = "lt"
	CommonFilterOperatorLte       CommonFilterOperator = "lte"
	CommonFilterOperatorGt        CommonFilterOperator = "gt"
	CommonFilterOperatorGte       CommonFilterOperator = "gte"
	CommonFilterOperatorDateRange CommonFilterOperator = "date_range"
	CommonFilterOperatorRange     CommonFilterOperator = "range"
	CommonFilterOperatorIn        CommonFilterOperator = "in"
)

type CommonFilter struct {
	Field    string               `json:"field"`
	Operator CommonFilterOperator `json:"operator"`
	Values   []any                `json:"values"`
	Filters  []CommonFilter       `json:"filters"`
}

// Build constructs a GORM expression.
func (f *CommonFilter) Build(builder clause.Builder) {
	if len(f.Values) == 0 {
		return
	}

	value := f.Values[0]

	switch f.Operator {
	case CommonFilterOperatorEq:
		// Handle JSON operator fields (containing -> or ->> operators)
		if strings.Contains(f.Field, "->") {
			// Use raw SQL expression for JSON operators
			clause.Expr{SQL: fmt.Sprintf("%s = ?", f.Field), Vars: []interface{}{value}}.Build(builder)
		} else {
			// Use standard equality for regular fields
			clause.Eq{Column: f.Field, Value: value}.Build(builder)
		}
	case CommonFilterOperatorNotEq:
		clause.NotConditions{Exprs: []clause.Expression{clause.Eq{Column: f.Field, Value: value}}}.Build(builder)
	case CommonFilterOperatorLt:
		clause.Lt{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorLte:
		clause.Lte{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorGt:
		clause.Gt{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorGte:
		clause.Gte{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorRange:
		if len(f.Values) < 2 {
			return
		}

		clause.And(clause.Gte{Column: f.Field, Value: f.Values[0]}, clause.Lte{Column: f.Field, Value: f.Values[1]}).Build(builder)
	case CommonFilterOperatorIn:
		clause.IN{Column: f.Field, Values: f.Values}.Build(builder)
	default:
		return
	}
}

var ErrInvalidFilter = errors.New("invalid filter")

// ValidateFields rejects filters on columns outside allowed, including nested filters.
// Field names end up in raw SQL, so callers must validate before Build.
func ValidateFields(filters []*CommonFilter, allowed []string) error {
	for _, f := range filters {
		if f == nil {
			continue
		}
		ok := false
		for _, a := range allowed {
			if f.Field == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: field %q is not allowed", ErrInvalidFilter, f.Field)
		}
		switch f.Operator {
		case CommonFilterOperatorEq, CommonFilterOperatorNotEq, CommonFilterOperatorLt, CommonFilterOperatorLte,
			CommonFilterOperatorGt, CommonFilterOperatorGte, CommonFilterOperatorRange, CommonFilterOperatorIn:
		default:
			return fmt.Errorf("%w: operator %q is not supported", ErrInvalidFilter, f.Operator)
		}
		nested := make([]*CommonFilter, 0, len(f.Filters))
		for i := range f.Filters {
			nested = append(nested, &f.Filters[i])
		}
		if err := ValidateFields(nested, allowed); err != nil {
			return err
		}
	}
	return nil
}

// FiltersWhere joins filters with AND into a single clause.Expression.
type FiltersWhere []*CommonFilter

func (w FiltersWhere) Build(builder clause.Builder) {
	written := 0
	for _, f := range w {
		if f == nil || len(f.Values) == 0 {
			continue
		}
		if written > 0 {
			builder.WriteString(" AND ")
		}
		f.Build(builder)
		written++
	}
	if written == 0 {
		builder.WriteString("1=1")
	}
}
