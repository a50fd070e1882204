package errdefs

import "strings"

// Diagnostics accumulates coded errors across a whole pass so callers see
// every problem in a document at once instead of fixing them one at a time.
type Diagnostics struct {
	errs []*Error
}

func (d *Diagnostics) Add(err *Error) {
	if err != nil {
		d.errs = append(d.errs, err)
	}
}

// AddAll merges another error into the list. Coded errors and nested
// Diagnostics flatten; anything else is wrapped under the given code.
func (d *Diagnostics) AddAll(code Code, err error) {
	switch e := err.(type) {
	case nil:
	case *Error:
		d.Add(e)
	case *Diagnostics:
		d.errs = append(d.errs, e.errs...)
	default:
		d.Add(Wrapf(code, err, "%v", err))
	}
}

func (d *Diagnostics) Len() int { return len(d.errs) }

func (d *Diagnostics) Errors() []*Error { return d.errs }

func (d *Diagnostics) Error() string {
	if len(d.errs) == 1 {
		return d.errs[0].Error()
	}
	var b strings.Builder
	for i, err := range d.errs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns the diagnostics as an error, or nil when the pass was clean.
func (d *Diagnostics) Err() error {
	if d == nil || len(d.errs) == 0 {
		return nil
	}
	return d
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (d *Diagnostics) Unwrap() []error {
	out := make([]error, len(d.errs))
	for i, e := range d.errs {
		out[i] = e
	}
	return out
}
