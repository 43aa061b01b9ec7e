package sink

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/match"
)

const ResultSubject = "pong.match.result"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes results as JSON on ResultSubject. Core NATS is
// fire-and-forget; there is no acknowledgement to wait for.
type NATS struct {
	pub    Publisher
	conn   *nats.Conn
	logger zerolog.Logger
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string, logger zerolog.Logger) (*NATS, error) {
	l := logger.With().Str("component", "nats").Logger()
	conn, err := nats.Connect(
		url,
		nats.Name("rallyduel"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "connect to NATS at %s", url)
	}
	l.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &NATS{pub: conn, conn: conn, logger: l}, nil
}

func NewNATS(pub Publisher, logger zerolog.Logger) *NATS {
	return &NATS{pub: pub, logger: logger.With().Str("component", "nats").Logger()}
}

func (n *NATS) Persist(ctx context.Context, res match.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return eris.Wrapf(err, "encode result %s", res.MatchID)
	}
	if err := n.pub.Publish(ResultSubject, data); err != nil {
		return eris.Wrapf(err, "publish result %s", res.MatchID)
	}
	return nil
}

// Close drains pending publishes. No-op when built over a plain Publisher.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
