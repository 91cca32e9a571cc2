package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/3leaps/gopds/pkg/pdsjob"
)

// StateCount is the number of jobs in one state.
type StateCount struct {
	State pdsjob.State
	Count int64
}

// JobCounts is an ordered state -> count mapping. It serializes as a JSON
// object whose keys keep insertion order, so output is reproducible.
type JobCounts []StateCount

// Get returns the count for state and whether the state is present.
func (c JobCounts) Get(state pdsjob.State) (int64, bool) {
	for _, sc := range c {
		if sc.State == state {
			return sc.Count, true
		}
	}
	return 0, false
}

// Total sums all counts.
func (c JobCounts) Total() int64 {
	var total int64
	for _, sc := range c {
		total += sc.Count
	}
	return total
}

func (c JobCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, sc := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(string(sc.State))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(sc.Count, 10))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *JobCounts) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode job counts: %w", err)
	}
	if tok == nil {
		*c = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("decode job counts: expected object, got %v", tok)
	}

	out := JobCounts{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode job counts: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode job counts: unexpected key %v", keyTok)
		}
		var n int64
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("decode job count for %s: %w", key, err)
		}
		out = append(out, StateCount{State: pdsjob.State(key), Count: n})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode job counts: %w", err)
	}

	*c = out
	return nil
}
