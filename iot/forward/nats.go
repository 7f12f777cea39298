package forward

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	nats "github.com/nats-io/nats.go"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// SubjectPrefix is the prefix of the NATS subjects, the owner key is appended
const SubjectPrefix = "telemetry.readings"

// publisher is implemented by *nats.Conn
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS forwards accepted readings to telemetry.readings.{owner}
type NATS struct {
	conn publisher
	nc   *nats.Conn
}

// NewNATS connects to the NATS server at url
func NewNATS(url string) (*NATS, error) {
	rlog := logger.Default().WithField("nats", url)
	nc, err := nats.Connect(url,
		nats.Name("telemetry"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				rlog.WithError(err).Warnln("disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			rlog.Infoln("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to nats: %w", err)
	}
	rlog.Infoln("forwarding readings to nats")
	return &NATS{conn: nc, nc: nc}, nil
}

// Subject returns the subject of owner's readings. Characters with a meaning in NATS
// subjects are replaced.
func Subject(owner telemetry.OwnerKey) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, string(owner))
	return SubjectPrefix + "." + token
}

// Forward implements gateway.Forwarder. Publishing only buffers, it does not wait
// for the server.
func (n *NATS) Forward(ctx context.Context, record telemetry.Record) {
	data, err := json.Marshal(record)
	if err == nil {
		err = n.conn.Publish(Subject(record.OwnerKey), data)
	}
	if err != nil {
		metrics.ForwardErrors.WithLabelValues("nats").Inc()
		logger.FromContext(ctx).WithError(err).Errorln("cannot forward reading", record.ID, "to nats")
	}
}

// Close drains the connection
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
