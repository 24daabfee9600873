package model

// Segment is a [Start, End) range of the source, in seconds
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Overlaps reports whether s and o share any part of the timeline.
func (s Segment) Overlaps(o Segment) bool {
	return !(s.End <= o.Start || o.End <= s.Start)
}

// Media describes a fetched source on local disk
type Media struct {
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
	Title    string  `json:"title"`
}

// Clip is an extracted segment written to local disk
type Clip struct {
	Path    string  `json:"path"`
	Segment Segment `json:"segment"`
}
