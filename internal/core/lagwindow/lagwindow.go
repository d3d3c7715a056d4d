package lagwindow

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPeriods are the lag windows (in days) tracked for every category.
// Each period doubles as the maximum window length.
var DefaultPeriods = []int{1, 7, 14, 30}

// State holds the rolling history for one (tenant, category) pair.
// Past maps a lag period to its window, newest value first, length bounded
// by the period. Current accumulates quantities for the period in progress
// until the next roll.
type State struct {
	Past    map[int][]decimal.Decimal `json:"past"`
	Current decimal.Decimal           `json:"current"`
}

// NewState returns an empty state with one window per lag period.
func NewState(periods []int) *State {
	past := make(map[int][]decimal.Decimal, len(periods))
	for _, p := range periods {
		past[p] = []decimal.Decimal{}
	}
	return &State{Past: past, Current: decimal.Zero}
}

// Accumulate adds delta to the current-period accumulator.
func (s *State) Accumulate(delta decimal.Decimal) {
	s.Current = s.Current.Add(delta)
}

// Roll finalizes the current period: Current is inserted at the front of
// every window (dropping the oldest entry once a window holds period-many
// values), then reset to zero.
func (s *State) Roll(periods []int) {
	for _, p := range periods {
		s.Past[p] = pushFront(s.Past[p], p, s.Current)
	}
	s.Current = decimal.Zero
}

// WindowSum returns the sum of all values in the window for period p.
// An unknown or empty window sums to zero.
func (s *State) WindowSum(p int) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range s.Past[p] {
		sum = sum.Add(v)
	}
	return sum
}

// Features builds the model feature vector: one rolling sum per lag period
// plus the category's stable integer id.
func (s *State) Features(categoryID int, periods []int) map[string]float64 {
	features := make(map[string]float64, len(periods)+1)
	features["category"] = float64(categoryID)
	for _, p := range periods {
		features[fmt.Sprintf("lag%d", p)] = s.WindowSum(p).InexactFloat64()
	}
	return features
}

// Clone returns a deep copy, safe to read while the original keeps mutating.
func (s *State) Clone() *State {
	past := make(map[int][]decimal.Decimal, len(s.Past))
	for p, w := range s.Past {
		cp := make([]decimal.Decimal, len(w))
		copy(cp, w)
		past[p] = cp
	}
	return &State{Past: past, Current: s.Current}
}

// Encode serializes the state for key-value persistence.
func (s *State) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode lag state: %w", err)
	}
	return data, nil
}

// Decode deserializes a persisted state. Windows for periods added after
// the state was written are initialized empty.
func Decode(data []byte, periods []int) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode lag state: %w", err)
	}
	if s.Past == nil {
		s.Past = make(map[int][]decimal.Decimal, len(periods))
	}
	for _, p := range periods {
		if _, ok := s.Past[p]; !ok {
			s.Past[p] = []decimal.Decimal{}
		}
	}
	return &s, nil
}

func pushFront(window []decimal.Decimal, max int, v decimal.Decimal) []decimal.Decimal {
	if len(window) >= max {
		window = window[:max-1]
	}
	return append([]decimal.Decimal{v}, window...)
}
