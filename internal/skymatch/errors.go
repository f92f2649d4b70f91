package skymatch

import (
	"errors"
	"fmt"

	"skymatch/internal/skystats"
)

// Sentinels for errors.Is.
var (
	ErrGeometry         = errors.New("geometry error")
	ErrInsufficientData = errors.New("insufficient data")
	ErrSingularSystem   = errors.New("singular system")
	ErrConfiguration    = errors.New("configuration error")
)

// GeometryError reports a footprint or overlap that could not be built. The
// affected pair is dropped from the fit.
type GeometryError struct {
	Image string // set when a single footprint failed
	Pair  [2]string
	Err   error
}

func (e *GeometryError) Error() string {
	switch {
	case e.Image != "":
		return fmt.Sprintf("footprint of %s: %v", e.Image, e.Err)
	case e.Pair[0] != "":
		return fmt.Sprintf("overlap %s/%s: %v", e.Pair[0], e.Pair[1], e.Err)
	default:
		return fmt.Sprintf("geometry: %v", e.Err)
	}
}

func (e *GeometryError) Unwrap() error { return e.Err }

func (e *GeometryError) Is(target error) bool { return target == ErrGeometry }

// InsufficientDataError reports a group whose usable pixels were exhausted.
type InsufficientDataError struct {
	Group string
	Stage string
	Err   error
}

func (e *InsufficientDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("group %s: %s: %v", e.Group, e.Stage, e.Err)
	}
	return fmt.Sprintf("group %s: %s: no usable pixels", e.Group, e.Stage)
}

func (e *InsufficientDataError) Unwrap() error { return e.Err }

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// SingularSystemError reports a connected component whose offsets could not
// be determined.
type SingularSystemError struct {
	Component int
	Groups    []string
	Reason    string
}

func (e *SingularSystemError) Error() string {
	return fmt.Sprintf("component %d %v: %s", e.Component, e.Groups, e.Reason)
}

func (e *SingularSystemError) Is(target error) bool { return target == ErrSingularSystem }

// ConfigurationError reports invalid configuration or input detected before
// any computation starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// classify wraps an error from a statistics pass over one group.
func classify(group, stage string, err error) error {
	var ide *skystats.InsufficientDataError
	if errors.As(err, &ide) {
		return &InsufficientDataError{Group: group, Stage: stage, Err: err}
	}
	return fmt.Errorf("group %s: %s: %w", group, stage, err)
}
