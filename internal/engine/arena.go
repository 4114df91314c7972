package engine

import "slices"

// Arena is the playing field. Snake ids are indexes into Snakes.
type Arena struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Snakes []Snake `json:"snakes"`
	Food   FoodSet `json:"food"`
}

func (a *Arena) InBounds(p Position) bool {
	return p.X >= 0 && p.X < a.Width && p.Y >= 0 && p.Y < a.Height
}

// occupiedBySnake reports whether any living snake covers p.
func (a *Arena) occupiedBySnake(p Position) bool {
	for i := range a.Snakes {
		if a.Snakes[i].Alive && a.Snakes[i].ContainsPoint(p) {
			return true
		}
	}
	return false
}

func (a Arena) clone() Arena {
	snakes := make([]Snake, len(a.Snakes))
	for i := range a.Snakes {
		snakes[i] = a.Snakes[i].clone()
	}
	a.Snakes = snakes
	a.Food = append(FoodSet(nil), a.Food...)
	return a
}

// FoodSet is a set of positions kept sorted by (X, Y) so its encoding is
// deterministic.
type FoodSet []Position

func (f FoodSet) Contains(p Position) bool {
	_, found := slices.BinarySearchFunc(f, p, ComparePositions)
	return found
}

// Add inserts p and reports whether it was absent.
func (f *FoodSet) Add(p Position) bool {
	i, found := slices.BinarySearchFunc(*f, p, ComparePositions)
	if found {
		return false
	}
	*f = slices.Insert(*f, i, p)
	return true
}

// Remove deletes p and reports whether it was present.
func (f *FoodSet) Remove(p Position) bool {
	i, found := slices.BinarySearchFunc(*f, p, ComparePositions)
	if !found {
		return false
	}
	*f = slices.Delete(*f, i, i+1)
	return true
}
