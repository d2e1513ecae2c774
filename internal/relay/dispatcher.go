package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/speech-relay/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrReplyUnroutable is returned when an outcome has no reply address.
var ErrReplyUnroutable = errors.New("reply unroutable")

// Publisher is the subset of *nats.Conn the dispatcher needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	Flush() error
}

// Dispatcher publishes outcomes to their reply address.
type Dispatcher struct {
	pub Publisher
	log *slog.Logger
}

func NewDispatcher(pub Publisher, log *slog.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, log: log.With(slog.String("component", "reply-dispatcher"))}
}

// Dispatch publishes the raw upstream body on success and a failure
// notice otherwise. Unroutable outcomes are logged and dropped.
func (d *Dispatcher) Dispatch(o Outcome) error {
	if !o.Routable() {
		d.log.Error("dropping reply without address",
			slog.String("request_id", o.RequestID),
			slog.String("reason", string(o.Reason)),
		)
		return ErrReplyUnroutable
	}

	data := o.Payload
	if !o.OK() {
		encoded, err := json.Marshal(protocol.Failure{Fail: string(o.Reason)})
		if err != nil {
			return fmt.Errorf("encode failure reply: %w", err)
		}
		data = encoded
	}

	msg := nats.NewMsg(o.ReplyTo)
	msg.Data = data
	msg.Header.Set(protocol.HeaderRequestID, o.RequestID)

	if err := d.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish reply to %s: %w", o.ReplyTo, err)
	}
	if err := d.pub.Flush(); err != nil {
		return fmt.Errorf("flush reply to %s: %w", o.ReplyTo, err)
	}
	return nil
}
