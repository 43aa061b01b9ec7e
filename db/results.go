package db

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/match"
)

// ResultWriter persists match results as per-player history records and
// applies rating changes for decided matches.
type ResultWriter struct {
	store  Store
	logger zerolog.Logger
}

func NewResultWriter(store Store, logger zerolog.Logger) *ResultWriter {
	return &ResultWriter{store: store, logger: logger.With().Str("component", "results").Logger()}
}

func (w *ResultWriter) Persist(ctx context.Context, res match.Result) error {
	var errs []error
	for i, p := range res.Participants {
		o := res.Participants[1-i]
		rec := MatchRecord{
			MatchID:         res.MatchID,
			PlayerID:        p.Identity,
			Timestamp:       res.EndedAt.Unix(),
			Side:            p.Side,
			Score:           p.Score,
			OpponentScore:   o.Score,
			Reason:          string(res.Reason),
			Won:             res.Winner == p.Identity,
			WinnerID:        res.Winner,
			Opponent:        o.Identity,
			PlayerName:      p.DisplayName,
			OpponentName:    o.DisplayName,
			PlayerRating:    p.Rating,
			DurationSeconds: res.DurationSeconds,
		}
		if err := w.store.SaveMatch(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	if res.Winner != "" {
		winner, loser := res.Participants[0], res.Participants[1]
		if loser.Identity == res.Winner {
			winner, loser = loser, winner
		}
		delta := EloDelta(winner.Rating, loser.Rating)
		if err := w.store.RecordOutcome(ctx, winner.Identity, true, delta); err != nil {
			errs = append(errs, err)
		}
		if err := w.store.RecordOutcome(ctx, loser.Identity, false, -delta); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return eris.Wrapf(err, "persist match %s", res.MatchID)
	}
	w.logger.Debug().Str("match_id", res.MatchID).Msg("match result stored")
	return nil
}
