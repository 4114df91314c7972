package engine

import (
	"fmt"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

type GameKind string

const (
	KindFreeForAll GameKind = "free_for_all"
	KindTeamMatch  GameKind = "team_match"
	KindSolo       GameKind = "solo"
)

const (
	foodGrowth           = 1
	teamScoreToWin       = 3
	roundTransitionTicks = 10
)

// GameType selects spawn layout, food density and win rules.
type GameType struct {
	Kind       GameKind `json:"kind"`
	MaxPlayers int      `json:"max_players,omitempty"`
	PerTeam    int      `json:"per_team,omitempty"`
}

func FreeForAll(maxPlayers int) GameType {
	return GameType{Kind: KindFreeForAll, MaxPlayers: maxPlayers}
}

func TeamMatch(perTeam int) GameType {
	return GameType{Kind: KindTeamMatch, PerTeam: perTeam}
}

func Solo() GameType {
	return GameType{Kind: KindSolo}
}

func (g GameType) Validate() error {
	switch g.Kind {
	case KindFreeForAll:
		if g.MaxPlayers < 1 {
			return apperrors.New(apperrors.CodeInvalidCommand, "free for all needs max_players >= 1")
		}
	case KindTeamMatch:
		if g.PerTeam < 1 {
			return apperrors.New(apperrors.CodeInvalidCommand, "team match needs per_team >= 1")
		}
	case KindSolo:
	default:
		return apperrors.New(apperrors.CodeInvalidCommand, fmt.Sprintf("unknown game kind %q", g.Kind))
	}
	return nil
}

// Capacity is the number of snakes the type admits.
func (g GameType) Capacity() int {
	switch g.Kind {
	case KindFreeForAll:
		return g.MaxPlayers
	case KindTeamMatch:
		return 2 * g.PerTeam
	default:
		return 1
	}
}

// FoodTarget is the number of food items kept on the field.
func (g GameType) FoodTarget() int {
	switch g.Kind {
	case KindTeamMatch:
		return 15
	case KindSolo:
		return 3
	default:
		return 10
	}
}

// EndzoneWidth is the width of each team endzone; zero for other types.
func (g GameType) EndzoneWidth(arenaWidth int) int {
	if g.Kind != KindTeamMatch {
		return 0
	}
	return max(1, arenaWidth/10)
}

// foodColumns is the half-open x range food may spawn in.
func (g GameType) foodColumns(arenaWidth int) (int, int) {
	ez := g.EndzoneWidth(arenaWidth)
	return ez, arenaWidth - ez
}

// inOpposingEndzone reports whether p lies in the endzone team must reach.
// Team 0 attacks the right side, team 1 the left.
func (g GameType) inOpposingEndzone(team int, p Position, arenaWidth int) bool {
	ez := g.EndzoneWidth(arenaWidth)
	if ez == 0 {
		return false
	}
	if team == 0 {
		return p.X >= arenaWidth-ez
	}
	return p.X < ez
}

func teamOf(snakeID int) int { return snakeID % 2 }

// spawnPoint returns the head position and facing for a new snake.
func (g GameType) spawnPoint(snakeID, width, height int) (Position, Direction) {
	switch g.Kind {
	case KindTeamMatch:
		ez := g.EndzoneWidth(width)
		slot := snakeID / 2
		y := (slot + 1) * height / (g.PerTeam + 1)
		if teamOf(snakeID) == 0 {
			return Position{X: ez + 2, Y: y}, DirRight
		}
		return Position{X: width - ez - 3, Y: y}, DirLeft
	case KindFreeForAll:
		// One row per slot; alternating sides never share a lane.
		y := (snakeID + 1) * height / (max(g.MaxPlayers, 1) + 1)
		if snakeID%2 == 0 {
			return Position{X: width / 4, Y: y}, DirRight
		}
		return Position{X: 3 * width / 4, Y: y}, DirLeft
	default:
		return Position{X: width / 2, Y: height / 2}, DirRight
	}
}
