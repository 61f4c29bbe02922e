package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/schema"
)

// ErrCapacityExceeded is returned when one stage collects more per-record
// errors than pipeline.max_record_errors allows.
var ErrCapacityExceeded = eris.New("pipeline: record error capacity exceeded")

// RecordError is a failure confined to a single document or record. It is
// collected on the run and does not stop the stage.
type RecordError struct {
	Stage      string
	ExternalID string
	Message    string
}

func (e *RecordError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Stage, e.ExternalID, e.Message)
}

// isFatal reports whether err must end the invocation instead of being
// collected as a record error. Schema violations and cancellation are fatal.
func isFatal(err error) bool {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
