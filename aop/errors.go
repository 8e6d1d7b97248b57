package aop

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Each is wrapped with dynamic detail via fmt.Errorf's %w
// verb at the raise site, so callers can still errors.Is against the
// sentinel while reading a message that names the offending aspect, section,
// or path.
var (
	ErrNoOpenScope         = errors.New("aop: no open ambient scope")
	ErrNoErrorToDetermine  = errors.New("aop: no error to determine")
	ErrDuplicateAspectName = errors.New("aop: duplicate aspect name")
	ErrMissingDependency   = errors.New("aop: missing dependency")
	ErrDependencyCycle     = errors.New("aop: dependency cycle")
	ErrSectionConflict     = errors.New("aop: section conflict")
	ErrUndeclaredSection   = errors.New("aop: undeclared section access")
	ErrAroundTypeMismatch  = errors.New("aop: around advice registered for a different result type")
)

func errDuplicateAspectName(name Name) error {
	return fmt.Errorf("%w: %q", ErrDuplicateAspectName, name)
}

func errMissingDependency(kind AdviceKind, aspect Name, dependency Name, available []Name) error {
	return fmt.Errorf("%w: aspect %q in kind %s depends on %q, available: [%s]",
		ErrMissingDependency, aspect, kind, dependency, strings.Join(available, ", "))
}

func errDependencyCycle(kind AdviceKind, path []Name) error {
	return fmt.Errorf("%w: in kind %s: %s", ErrDependencyCycle, kind, strings.Join(path, " -> "))
}

func errSectionConflict(kind AdviceKind, section string, first, second Name) error {
	return fmt.Errorf("%w: section %q claimed by both %q and %q in kind %s",
		ErrSectionConflict, section, first, second, kind)
}

func errUndeclaredSection(section string) error {
	return fmt.Errorf("%w: %q", ErrUndeclaredSection, section)
}
