package session

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/protocol"
)

// Broadcaster encodes server messages once and hands them to each
// connection's non-blocking send. A slow client loses frames; it never
// stalls the caller.
type Broadcaster struct {
	dir    *Directory
	logger zerolog.Logger
}

func NewBroadcaster(dir *Directory, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{dir: dir, logger: logger.With().Str("component", "broadcaster").Logger()}
}

func (b *Broadcaster) Send(identity, msgType string, payload any) {
	data, ok := b.encode(msgType, payload)
	if !ok {
		return
	}
	b.deliver(b.dir.connByIdentity(identity), identity, msgType, data)
}

func (b *Broadcaster) Broadcast(identities []string, msgType string, payload any) {
	data, ok := b.encode(msgType, payload)
	if !ok {
		return
	}
	for _, identity := range identities {
		b.deliver(b.dir.connByIdentity(identity), identity, msgType, data)
	}
}

// SendToConn addresses a connection directly, for replies before or
// regardless of authentication.
func (b *Broadcaster) SendToConn(connID, msgType string, payload any) {
	data, ok := b.encode(msgType, payload)
	if !ok {
		return
	}
	b.deliver(b.dir.connByID(connID), connID, msgType, data)
}

func (b *Broadcaster) QueueStatus(identity string, position int, estimatedWait time.Duration) {
	b.Send(identity, protocol.TypeQueueStatus, protocol.QueueStatus{
		Position:             position,
		EstimatedWaitSeconds: estimatedWait.Seconds(),
	})
}

func (b *Broadcaster) encode(msgType string, payload any) ([]byte, bool) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) deliver(conn Conn, target, msgType string, data []byte) {
	if conn == nil {
		return
	}
	if !conn.Send(data) {
		b.logger.Debug().Str("target", target).Str("type", msgType).Msg("send buffer full, message dropped")
	}
}
