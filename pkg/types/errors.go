package types

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Categorized is implemented by errors that know their own category. The
// category is what non-retryable lists and dead-letter reasons refer to.
type Categorized interface {
	Category() string
}

type categorizedError struct {
	category string
	err      error
}

func (e *categorizedError) Error() string    { return e.err.Error() }
func (e *categorizedError) Category() string { return e.category }
func (e *categorizedError) Unwrap() error    { return e.err }
func (e *categorizedError) Cause() error     { return e.err }

// WithCategory tags err with a category. A nil err stays nil.
func WithCategory(err error, category string) error {
	if err == nil {
		return nil
	}
	return &categorizedError{category: category, err: err}
}

// NewCategorizedError creates a new tagged error with a stack trace.
func NewCategorizedError(category, format string, args ...interface{}) error {
	return &categorizedError{category: category, err: errors.Errorf(format, args...)}
}

// ErrorCategory returns the category of err: the Category of the first error
// in the chain implementing Categorized, otherwise the type name of the root
// cause (for example "net.OpError").
func ErrorCategory(err error) string {
	if err == nil {
		return ""
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return typeName(rootCause(err))
}

func rootCause(err error) error {
	for err != nil {
		var next error
		switch e := err.(type) {
		case interface{ Cause() error }:
			next = e.Cause()
		case interface{ Unwrap() error }:
			next = e.Unwrap()
		}
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	return pkg + "." + t.Name()
}

func fmtStack(st errors.StackTrace) string {
	return fmt.Sprintf("%+v", st)
}
