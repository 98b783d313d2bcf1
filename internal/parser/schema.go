package parser

import (
	"fmt"
	"math"
	"slices"

	"github.com/tidwall/gjson"
)

type kind int

const (
	kindAny kind = iota
	kindString
	kindNumber
	kindInteger
	kindObject
	kindArray
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindInteger:
		return "integer"
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	default:
		return "any"
	}
}

// rule describes the accepted shape of one JSON value.
type rule struct {
	kind     kind
	enum     []string
	min, max *float64
	// object rules; open objects accept any key and ignore fields
	fields []field
	open   bool
	// array rules
	items    *rule
	minItems int
}

type field struct {
	name     string
	required bool
	rule     rule
}

func bound(v float64) *float64 { return &v }

func str(enum ...string) rule { return rule{kind: kindString, enum: enum} }
func number() rule           { return rule{kind: kindNumber} }
func byteInt() rule          { return rule{kind: kindInteger, min: bound(0), max: bound(255)} }
func object(fields ...field) rule {
	return rule{kind: kindObject, fields: fields}
}
func anyObject() rule { return rule{kind: kindObject, open: true} }
func arrayOf(item rule, minItems int) rule {
	return rule{kind: kindArray, items: &item, minItems: minItems}
}

func req(name string, r rule) field { return field{name: name, required: true, rule: r} }
func opt(name string, r rule) field { return field{name: name, rule: r} }

// check validates v against r and returns the first violation found.
func (r rule) check(path string, v gjson.Result) error {
	switch r.kind {
	case kindAny:
		return nil
	case kindString:
		if v.Type != gjson.String {
			return typeErr(path, r.kind)
		}
		if len(r.enum) > 0 && !slices.Contains(r.enum, v.Str) {
			return fmt.Errorf("%s: %q not in %v", path, v.Str, r.enum)
		}
		return nil
	case kindNumber, kindInteger:
		if v.Type != gjson.Number {
			return typeErr(path, r.kind)
		}
		if r.kind == kindInteger && v.Num != math.Trunc(v.Num) {
			return typeErr(path, r.kind)
		}
		if r.min != nil && v.Num < *r.min {
			return fmt.Errorf("%s: %v below %v", path, v.Num, *r.min)
		}
		if r.max != nil && v.Num > *r.max {
			return fmt.Errorf("%s: %v above %v", path, v.Num, *r.max)
		}
		return nil
	case kindObject:
		if !v.IsObject() {
			return typeErr(path, r.kind)
		}
		if r.open {
			return nil
		}
		return r.checkFields(path, v)
	case kindArray:
		if !v.IsArray() {
			return typeErr(path, r.kind)
		}
		items := v.Array()
		if len(items) < r.minItems {
			return fmt.Errorf("%s: need at least %d items, got %d", path, r.minItems, len(items))
		}
		for i, item := range items {
			if err := r.items.check(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%s: unsupported rule", path)
}

func (r rule) checkFields(path string, v gjson.Result) error {
	seen := make(map[string]gjson.Result)
	var bad error
	v.ForEach(func(key, value gjson.Result) bool {
		switch _, dup := seen[key.Str]; {
		case !r.hasField(key.Str):
			bad = fmt.Errorf("%s: unknown field %q", path, key.Str)
		case dup:
			bad = fmt.Errorf("%s: duplicate field %q", path, key.Str)
		default:
			seen[key.Str] = value
			return true
		}
		return false
	})
	if bad != nil {
		return bad
	}
	for _, f := range r.fields {
		val, ok := seen[f.name]
		if !ok {
			if f.required {
				return fmt.Errorf("%s.%s: required", path, f.name)
			}
			continue
		}
		if err := f.rule.check(path+"."+f.name, val); err != nil {
			return err
		}
	}
	return nil
}

func (r rule) hasField(name string) bool {
	for _, f := range r.fields {
		if f.name == name {
			return true
		}
	}
	return false
}

func typeErr(path string, k kind) error {
	return fmt.Errorf("%s: expected %s", path, k)
}
