package model

import "time"

// ScoreType distinguishes centipawn scores from forced-mate distances.
type ScoreType string

// Score types reported by engines.
const (
	ScoreCP   ScoreType = "cp"
	ScoreMate ScoreType = "mate"
)

// Score is an engine evaluation.
type Score struct {
	Type  ScoreType `json:"type"`
	Value int       `json:"value"`
}

// SearchOptions describes one search request in protocol-neutral terms.
// Position is whatever notation the engine family understands (FEN, SFEN,
// "startpos", a JSON-encoded board).
type SearchOptions struct {
	Position string        `json:"position" yaml:"position"`
	Moves    []string      `json:"moves,omitempty" yaml:"moves,omitempty"`
	Depth    int           `json:"depth,omitempty" yaml:"depth,omitempty"`
	Nodes    int64         `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	MoveTime time.Duration `json:"move_time,omitempty" yaml:"move_time,omitempty"`
	Infinite bool          `json:"infinite,omitempty" yaml:"infinite,omitempty"`
	MultiPV  int           `json:"multi_pv,omitempty" yaml:"multi_pv,omitempty"`
}

// Info is one intermediate search report.
type Info struct {
	PositionID string   `json:"position_id,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	SelDepth   int      `json:"sel_depth,omitempty"`
	MultiPV    int      `json:"multi_pv,omitempty"`
	Score      *Score   `json:"score,omitempty"`
	Nodes      int64    `json:"nodes,omitempty"`
	NPS        int64    `json:"nps,omitempty"`
	TimeMS     int64    `json:"time_ms,omitempty"`
	HashFull   int      `json:"hash_full,omitempty"`
	CurrMove   string   `json:"curr_move,omitempty"`
	PV         []string `json:"pv,omitempty"`
	Raw        string   `json:"raw,omitempty"`
}

// Result is the final outcome of a search.
type Result struct {
	PositionID string `json:"position_id,omitempty"`
	BestMove   string `json:"best_move"`
	Ponder     string `json:"ponder,omitempty"`
	Raw        string `json:"raw,omitempty"`
}

// Load phases reported through Progress.
const (
	PhaseResources = "resources"
	PhaseChannel   = "channel"
	PhaseInject    = "inject"
	PhaseHandshake = "handshake"
	PhaseReady     = "ready"
)

// Progress reports how far an engine load has advanced.
type Progress struct {
	Phase   string  `json:"phase"`
	Percent float64 `json:"percent"`
}
