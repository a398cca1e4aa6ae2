package checkpoint

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
)

// Merger folds one delta into a base state. Implementations must be pure
// and total: any input yields some output, never an error.
type Merger interface {
	Merge(base, delta []byte) []byte
}

// JSONMerger merges structured JSON state bags. Objects merge by
// right-biased key overlay: every key in the delta replaces its
// counterpart in the base, keys only in the base are retained.
// Equal-length numeric arrays merge element-wise by addition. Payloads
// that fit neither shape leave the base unchanged.
type JSONMerger struct {
	logger zerolog.Logger
}

// NewJSONMerger creates the default merger
func NewJSONMerger() *JSONMerger {
	return &JSONMerger{logger: log.WithComponent("checkpoint_merge")}
}

func (m *JSONMerger) Merge(base, delta []byte) []byte {
	var baseObj, deltaObj map[string]json.RawMessage
	if json.Unmarshal(base, &baseObj) == nil && json.Unmarshal(delta, &deltaObj) == nil &&
		baseObj != nil && deltaObj != nil {
		for k, v := range deltaObj {
			baseObj[k] = v
		}
		merged, err := json.Marshal(baseObj)
		if err == nil {
			return merged
		}
	}

	var baseArr, deltaArr []float64
	if json.Unmarshal(base, &baseArr) == nil && json.Unmarshal(delta, &deltaArr) == nil &&
		len(baseArr) == len(deltaArr) && baseArr != nil {
		for i := range baseArr {
			baseArr[i] += deltaArr[i]
		}
		merged, err := json.Marshal(baseArr)
		if err == nil {
			return merged
		}
	}

	m.logger.Warn().Msg("Could not classify checkpoint payload, keeping base")
	return base
}
