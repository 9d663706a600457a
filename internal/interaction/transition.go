package interaction

import "github.com/LukeLamb/neuroforge-sub000/internal/model"

type Result string

const (
	Created   Result = "created"
	Updated   Result = "updated"
	Unchanged Result = "unchanged"
	Removed   Result = "removed"
)

type rowOp int

const (
	opNone rowOp = iota
	opInsert
	opUpdate
	opDelete
)

// Effect is what one cast does to the vote row and the derived counters.
type Effect struct {
	Result Result
	row    rowOp
	Tally  model.Tally // delta on the target
	Karma  int         // delta on the target's author
}

// Transition maps a previous vote (0 when none) and a requested value to
// its effect. Both values must be in {-1, 0, 1}.
func Transition(prev, next int) Effect {
	switch {
	case prev == next:
		return Effect{Result: Unchanged}
	case prev == 0:
		return Effect{Result: Created, row: opInsert, Tally: signCount(next, 1), Karma: next}
	case next == 0:
		return Effect{Result: Removed, row: opDelete, Tally: signCount(prev, -1), Karma: -prev}
	}
	return Effect{
		Result: Updated,
		row:    opUpdate,
		Tally: model.Tally{
			Up:   b2i(next == 1) - b2i(prev == 1),
			Down: b2i(next == -1) - b2i(prev == -1),
		},
		Karma: next - prev,
	}
}

func signCount(v, by int) model.Tally {
	if v == 1 {
		return model.Tally{Up: by}
	}
	return model.Tally{Down: by}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
