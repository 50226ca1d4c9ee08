package models

// Marker records the channel currently being written and the id range
// (RangeLow, RangeHigh] that may be partially populated.
type Marker struct {
	Slot        string `json:"slot"`
	ChannelID   int64  `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	RangeLow    int64  `json:"range_low"`
	RangeHigh   int64  `json:"range_high"`
}

// Size returns the number of ids covered by the at-risk range.
func (m Marker) Size() int64 {
	return m.RangeHigh - m.RangeLow
}
