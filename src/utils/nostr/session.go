package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Stream is one open subscription on one relay: a lazy sequence of
// events with a terminal error. One producer (the read loop), one
// consumer, cancellable at every yield point.
type Stream interface {
	// Events yields incoming events until the stream terminates
	Events() <-chan *Event

	// EndOfStored is closed when the relay signals EOSE,
	// everything after that point is live data
	EndOfStored() <-chan struct{}

	// Done is closed on termination, Err then tells why.
	// A clean close by either side leaves Err nil.
	Done() <-chan struct{}
	Err() error

	// Close ends the subscription and the connection
	Close()
}

type stream struct {
	conn  *websocket.Conn
	subId string
	log   *logrus.Entry

	events chan *Event
	eose   chan struct{}
	done   chan struct{}

	eoseOnce  sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc

	mtx sync.Mutex
	err error
}

func (self *stream) Events() <-chan *Event {
	return self.events
}

func (self *stream) EndOfStored() <-chan struct{} {
	return self.eose
}

func (self *stream) Done() <-chan struct{} {
	return self.done
}

func (self *stream) Err() error {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	return self.err
}

func (self *stream) Close() {
	self.closeOnce.Do(func() {
		// Best effort politeness, the relay may already be gone
		closeCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
		_ = wsjson.Write(closeCtx, self.conn, []interface{}{"CLOSE", self.subId})
		cancel()

		_ = self.conn.Close(websocket.StatusNormalClosure, "")
		self.cancel()
	})
}

func (self *stream) terminate(err error) {
	self.mtx.Lock()
	self.err = err
	self.mtx.Unlock()
	close(self.done)
	_ = self.conn.Close(websocket.StatusNormalClosure, "")
	self.cancel()
}

// run is the producer loop, the only reader of the websocket
func (self *stream) run(ctx context.Context) {
	for {
		var frame []json.RawMessage
		err := wsjson.Read(ctx, self.conn, &frame)
		if err != nil {
			self.terminate(normalizeCloseError(ctx, err))
			return
		}

		if len(frame) == 0 {
			continue
		}

		var label string
		if json.Unmarshal(frame[0], &label) != nil {
			continue
		}

		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			event := new(Event)
			if err := json.Unmarshal(frame[2], event); err != nil {
				self.log.WithError(err).Debug("Dropping unparsable event frame")
				continue
			}
			select {
			case self.events <- event:
			case <-ctx.Done():
				self.terminate(nil)
				return
			}

		case "EOSE":
			self.eoseOnce.Do(func() { close(self.eose) })

		case "NOTICE":
			var notice string
			if len(frame) > 1 {
				_ = json.Unmarshal(frame[1], &notice)
			}
			self.log.WithField("notice", notice).Debug("Relay notice")

		case "CLOSED":
			var reason string
			if len(frame) > 2 {
				_ = json.Unmarshal(frame[2], &reason)
			}
			self.terminate(fmt.Errorf("subscription closed by relay: %s", reason))
			return
		}
	}
}

// A clean goodbye is not a failure
func normalizeCloseError(ctx context.Context, err error) error {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Consumer side cancelled
		return nil
	}
	return err
}
