package engine

import "cmp"

// Position is an integer grid coordinate.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Add returns p translated by d.
func (p Position) Add(d Position) Position {
	return Position{X: p.X + d.X, Y: p.Y + d.Y}
}

// stepToward moves p one unit toward target along the shared axis.
func (p Position) stepToward(target Position) Position {
	return Position{X: p.X + sign(target.X-p.X), Y: p.Y + sign(target.Y-p.Y)}
}

// ComparePositions orders positions by (X, Y).
func ComparePositions(a, b Position) int {
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	return cmp.Compare(a.Y, b.Y)
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type Direction string

const (
	DirUp    Direction = "up"
	DirDown  Direction = "down"
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

// Delta is the unit move for d. Y grows downward.
func (d Direction) Delta() Position {
	switch d {
	case DirUp:
		return Position{Y: -1}
	case DirDown:
		return Position{Y: 1}
	case DirLeft:
		return Position{X: -1}
	case DirRight:
		return Position{X: 1}
	default:
		return Position{}
	}
}

func (d Direction) Opposite() Direction {
	switch d {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	case DirLeft:
		return DirRight
	case DirRight:
		return DirLeft
	default:
		return d
	}
}

func (d Direction) Valid() bool {
	switch d {
	case DirUp, DirDown, DirLeft, DirRight:
		return true
	}
	return false
}

// directionBetween returns the direction of travel from -> to for two
// axis-aligned, distinct points.
func directionBetween(from, to Position) (Direction, bool) {
	switch {
	case from.X == to.X && to.Y < from.Y:
		return DirUp, true
	case from.X == to.X && to.Y > from.Y:
		return DirDown, true
	case from.Y == to.Y && to.X < from.X:
		return DirLeft, true
	case from.Y == to.Y && to.X > from.X:
		return DirRight, true
	}
	return "", false
}
