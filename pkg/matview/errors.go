package matview

import (
	"errors"
	"fmt"
)

// Stage identifies the step of a build that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageLock     Stage = "lock"
	StagePrepare  Stage = "prepare"
	StageCompile  Stage = "compile"
	StageCreate   Stage = "create"
	StageIndex    Stage = "index"
	StageSwap     Stage = "swap"
)

var (
	// ErrBuildInProgress is returned when another process holds the build
	// lock for the same tenant and model.
	ErrBuildInProgress = errors.New("build already in progress")

	ErrUnmappableType  = errors.New("data type has no SQL mapping")
	ErrMissingPrimary  = errors.New("primary key column is not projected")
	ErrTempViewMissing = errors.New("temporary view no longer exists")
)

// FieldError reports a field that was skipped during compilation or a
// non-essential index that could not be created. It never aborts a build.
type FieldError struct {
	Model string
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("model %s: field %s: %v", e.Model, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// BuildError aborts the build of one tenant and model.
type BuildError struct {
	Tenant string
	Model  string
	Stage  Stage
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s/%s failed at %s: %v", e.Tenant, e.Model, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func IsStage(err error, stage Stage) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Stage == stage
	}
	return false
}
