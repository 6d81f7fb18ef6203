package bus

import (
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/logging"
)

// conn wraps a NATS connection plus its JetStream context, generalizing the
// teacher's internal/nats.Client reconnect-handling options.
type conn struct {
	log *logging.Logger
	nc  *nc.Conn
	js  nc.JetStreamContext
}

// dial connects to a NATS server (embedded or external) with indefinite
// reconnect, matching the teacher's NewClient option set.
func dial(url, credential string, log *logging.Logger) (*conn, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			log.Printf("reconnected to %s", c.ConnectedUrl())
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			log.Printf("connection closed")
		}),
	}
	if credential != "" {
		opts = append(opts, nc.Token(credential))
	}

	c, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", url, err)
	}

	js, err := c.JetStream()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("bus: open jetstream context: %w", err)
	}

	return &conn{log: log, nc: c, js: js}, nil
}

func (c *conn) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

func (c *conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}
