package parser

import "fmt"

// MalformedPageError indicates a required selector matched nothing usable.
type MalformedPageError struct {
	Page     string
	Selector string
}

func (e MalformedPageError) Error() string {
	return fmt.Sprintf("malformed %s page: selector %q matched nothing usable", e.Page, e.Selector)
}

// MissingFieldError indicates a stat row was missing its label or value
// half. Non-fatal: the pair is skipped and the record keeps its other
// fields.
type MissingFieldError struct {
	Block string
	Field string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("stat row in %s missing %s", e.Block, e.Field)
}
