// Package aggregate implements the read-time aggregation pipeline. A
// pipeline is an ordered list of stages; each stage receives the list as it
// stands, a deep copy of the pre-pipeline list for reference, and the
// pipeline itself, and returns a replacement list.
package aggregate

import (
	"github.com/spate-io/spate/pkg/activitystream"
)

// Aggregator is one stage of the pipeline.
type Aggregator interface {
	Process(current, original []map[string]any, pipeline []Aggregator) ([]map[string]any, error)
}

// Run feeds records through the pipeline in order. Stages see a deep copy of
// the original list so that earlier mutations cannot leak into it. Stage
// errors propagate unwrapped.
func Run(records []map[string]any, pipeline []Aggregator) ([]map[string]any, error) {
	if len(pipeline) == 0 {
		return records, nil
	}

	original := make([]map[string]any, len(records))
	for i, rec := range records {
		original[i] = activitystream.DeepCopyMap(rec)
	}

	var err error
	for _, stage := range pipeline {
		records, err = stage.Process(records, original, pipeline)
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}
