package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/cardsync/cardsync/internal/conflict"
)

// Failure records one contact or file that could not be reconciled.
type Failure struct {
	Key string
	Err error
}

// Result is the outcome of one pass.
type Result struct {
	Direction conflict.Direction

	Created   int
	Updated   int
	Written   int
	Skipped   int
	Conflicts int
	Deleted   int
	Revoked   int
	Mirrored  int

	Failures []Failure
	Duration time.Duration
}

func (r *Result) fail(key string, err error) {
	r.Failures = append(r.Failures, Failure{Key: key, Err: err})
}

// Err joins every failure, or returns nil.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Key, f.Err))
	}
	return errors.Join(errs...)
}

// String returns the one-line summary logged at the end of a pass.
func (r *Result) String() string {
	if r.Direction == conflict.Outbound {
		return fmt.Sprintf("written=%d skipped=%d conflicts=%d deleted=%d mirrored=%d failed=%d (%s)",
			r.Written, r.Skipped, r.Conflicts, r.Deleted, r.Mirrored, len(r.Failures), r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("created=%d updated=%d skipped=%d conflicts=%d revoked=%d deleted=%d failed=%d (%s)",
		r.Created, r.Updated, r.Skipped, r.Conflicts, r.Revoked, r.Deleted, len(r.Failures), r.Duration.Round(time.Millisecond))
}

// Summary is the serializable form of a Result.
type Summary struct {
	Direction  string   `json:"direction" yaml:"direction"`
	Created    int      `json:"created,omitempty" yaml:"created,omitempty"`
	Updated    int      `json:"updated,omitempty" yaml:"updated,omitempty"`
	Written    int      `json:"written,omitempty" yaml:"written,omitempty"`
	Skipped    int      `json:"skipped" yaml:"skipped"`
	Conflicts  int      `json:"conflicts" yaml:"conflicts"`
	Deleted    int      `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Revoked    int      `json:"revoked,omitempty" yaml:"revoked,omitempty"`
	Mirrored   int      `json:"mirrored,omitempty" yaml:"mirrored,omitempty"`
	Failures   []string `json:"failures,omitempty" yaml:"failures,omitempty"`
	DurationMS int64    `json:"duration_ms" yaml:"duration_ms"`
}

// Summary converts r for logging sinks and status output.
func (r *Result) Summary() Summary {
	s := Summary{
		Direction:  r.Direction.String(),
		Created:    r.Created,
		Updated:    r.Updated,
		Written:    r.Written,
		Skipped:    r.Skipped,
		Conflicts:  r.Conflicts,
		Deleted:    r.Deleted,
		Revoked:    r.Revoked,
		Mirrored:   r.Mirrored,
		DurationMS: r.Duration.Milliseconds(),
	}
	for _, f := range r.Failures {
		s.Failures = append(s.Failures, fmt.Sprintf("%s: %v", f.Key, f.Err))
	}
	return s
}
