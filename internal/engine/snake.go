package engine

// Snake stores only its head, turn points and tail. Every consecutive pair
// of points shares an axis; collinear interior points are never stored.
type Snake struct {
	Body      []Position `json:"body"`
	Direction Direction  `json:"direction"`
	Alive     bool       `json:"alive"`
	// Food is pending growth: each unit skips one tail retraction.
	Food int `json:"food"`
}

// NewSnake places a two-point snake whose tail trails one cell behind head.
func NewSnake(head Position, dir Direction) Snake {
	tail := head.Add(dir.Opposite().Delta())
	return Snake{
		Body:      []Position{head, tail},
		Direction: dir,
		Alive:     true,
	}
}

func (s *Snake) Head() Position { return s.Body[0] }

func (s *Snake) Tail() Position { return s.Body[len(s.Body)-1] }

// Length is the number of cells the snake occupies.
func (s *Snake) Length() int {
	n := 1
	for i := 0; i+1 < len(s.Body); i++ {
		a, b := s.Body[i], s.Body[i+1]
		n += abs(a.X-b.X) + abs(a.Y-b.Y)
	}
	return n
}

// ContainsPoint walks the body segments; cost is O(turn points), not O(cells).
func (s *Snake) ContainsPoint(p Position) bool {
	if len(s.Body) == 1 {
		return s.Body[0] == p
	}
	for i := 0; i+1 < len(s.Body); i++ {
		if segmentContains(s.Body[i], s.Body[i+1], p) {
			return true
		}
	}
	return false
}

// bodyContains is ContainsPoint without the head cell itself.
func (s *Snake) bodyContains(p Position) bool {
	for i := 0; i+1 < len(s.Body); i++ {
		if i == 0 && p == s.Body[0] {
			continue
		}
		if segmentContains(s.Body[i], s.Body[i+1], p) {
			return true
		}
	}
	return false
}

// lastMove is the direction the head actually travelled on its last step.
func (s *Snake) lastMove() Direction {
	if len(s.Body) < 2 {
		return s.Direction
	}
	if dir, ok := directionBetween(s.Body[1], s.Body[0]); ok {
		return dir
	}
	return s.Direction
}

// advance moves the head one unit and retracts the tail unless the snake is
// growing.
func (s *Snake) advance() {
	next := s.Head().Add(s.Direction.Delta())
	if len(s.Body) >= 2 && continuesSegment(s.Body[1], s.Body[0], next) {
		s.Body[0] = next
	} else {
		body := make([]Position, 0, len(s.Body)+1)
		body = append(body, next)
		s.Body = append(body, s.Body...)
	}

	if s.Food > 0 {
		s.Food--
		return
	}
	s.retractTail()
}

func (s *Snake) retractTail() {
	n := len(s.Body)
	if n < 2 {
		return
	}
	tail := s.Body[n-1].stepToward(s.Body[n-2])
	if tail == s.Body[n-2] {
		s.Body = s.Body[:n-1]
		return
	}
	s.Body[n-1] = tail
}

func (s Snake) clone() Snake {
	s.Body = append([]Position(nil), s.Body...)
	return s
}

// continuesSegment reports whether next extends the segment neck->head in
// the same direction, so head can be overwritten in place.
func continuesSegment(neck, head, next Position) bool {
	if neck.X == head.X && head.X == next.X {
		return (head.Y-neck.Y)*(next.Y-head.Y) > 0
	}
	if neck.Y == head.Y && head.Y == next.Y {
		return (head.X-neck.X)*(next.X-head.X) > 0
	}
	return false
}

func segmentContains(a, b, p Position) bool {
	switch {
	case a.X == b.X:
		return p.X == a.X && between(p.Y, a.Y, b.Y)
	case a.Y == b.Y:
		return p.Y == a.Y && between(p.X, a.X, b.X)
	default:
		return false
	}
}

func between(v, a, b int) bool {
	if a > b {
		a, b = b, a
	}
	return v >= a && v <= b
}
