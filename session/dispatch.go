package session

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/mauricedolibois/rallyduel/backend/match"
	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
	"github.com/mauricedolibois/rallyduel/backend/protocol"
)

const defaultRating = 1200

// HandleMessage decodes one client frame and runs it. Rejections are answered
// with an error message on the same connection.
func (m *Manager) HandleMessage(ctx context.Context, connID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		m.reject(connID, err)
		return
	}

	switch msg.Type {
	case protocol.TypeJoinQueue:
		err = m.joinQueue(ctx, connID)
	case protocol.TypeLeaveQueue:
		err = m.LeaveQueue(connID)
	case protocol.TypeMatchInput:
		var in protocol.MatchInput
		if err = msg.DecodePayload(&in); err != nil {
			break
		}
		if in.PaddleY == nil {
			err = eris.Wrap(match.ErrInvalidInput, "paddleY is required")
			break
		}
		err = m.RouteInput(connID, *in.PaddleY)
	case protocol.TypeMatchReady:
		err = m.MarkReady(connID)
	default:
		err = eris.Wrapf(protocol.ErrMalformed, "unknown message type %q", msg.Type)
	}
	if err != nil {
		m.reject(connID, err)
	}
}

func (m *Manager) joinQueue(ctx context.Context, connID string) error {
	rec, err := m.authenticated(connID)
	if err != nil {
		return err
	}
	rating := defaultRating
	if m.profiles != nil {
		p, err := m.profiles.Lookup(ctx, rec.Identity)
		if err != nil {
			return eris.Wrapf(err, "rating lookup for %s", rec.Identity)
		}
		rating = p.Rating
	}
	_, err = m.JoinQueue(connID, rating)
	return err
}

func (m *Manager) reject(connID string, err error) {
	code := errorCode(err)
	if code == protocol.CodeInternal {
		m.logger.Error().Err(err).Str("conn_id", connID).Msg("request failed")
	} else {
		m.logger.Debug().Err(err).Str("conn_id", connID).Str("code", code).Msg("request rejected")
	}
	m.out.SendToConn(connID, protocol.TypeError, protocol.Error{Code: code, Message: err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeBadRequest
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrConnectionNotFound):
		return protocol.CodeNotAuthenticated
	case errors.Is(err, matchmaking.ErrAlreadyInMatch), errors.Is(err, match.ErrAlreadyAssigned):
		return protocol.CodeAlreadyInMatch
	case errors.Is(err, ErrNotInMatch), errors.Is(err, match.ErrMatchNotFound), errors.Is(err, match.ErrNotParticipant):
		return protocol.CodeNotInMatch
	case errors.Is(err, match.ErrInvalidInput):
		return protocol.CodeInvalidInput
	case errors.Is(err, match.ErrNotPlaying):
		return protocol.CodeNotPlaying
	default:
		return protocol.CodeInternal
	}
}
