package db

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
)

const (
	DefaultRating = 1200
	MinRating     = 800
	MaxRating     = 3000

	// eloK is the maximum rating swing of a single match.
	eloK = 32
)

// Profiles resolves identities to matchmaking players, creating a default
// profile on first sight.
type Profiles struct {
	store  Store
	logger zerolog.Logger
}

func NewProfiles(store Store, logger zerolog.Logger) *Profiles {
	return &Profiles{store: store, logger: logger.With().Str("component", "profiles").Logger()}
}

func (p *Profiles) Lookup(ctx context.Context, identity string) (matchmaking.Player, error) {
	user, err := p.store.GetUser(ctx, identity)
	if err != nil {
		return matchmaking.Player{}, eris.Wrapf(err, "lookup profile %s", identity)
	}
	if user == nil {
		user = &PongUser{UserID: identity, Rating: DefaultRating}
		if err := p.store.SaveUser(ctx, *user); err != nil {
			p.logger.Warn().Err(err).Str("identity", identity).Msg("failed to create default profile")
		}
	}
	return matchmaking.Player{
		Identity:    identity,
		DisplayName: user.Name,
		Rating:      ClampRating(user.Rating),
	}, nil
}

// ClampRating maps a stored rating into the matchmaking range. Zero means
// the user has never been rated.
func ClampRating(r int) int {
	switch {
	case r == 0:
		return DefaultRating
	case r < MinRating:
		return MinRating
	case r > MaxRating:
		return MaxRating
	}
	return r
}

// EloDelta is the rating the winner gains and the loser gives up.
func EloDelta(winnerRating, loserRating int) int {
	expected := 1 / (1 + math.Pow(10, float64(loserRating-winnerRating)/400))
	return int(math.Round(eloK * (1 - expected)))
}
