// Package publisher fans out published trip update feeds over NATS.
package publisher

import (
	"fmt"
	"strings"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

// NATS publishes the full feed as protobuf on the base subject and every
// trip update as JSON on <subject>.trips.<route>.<trip>.
type NATS struct {
	nc      *nats.Conn
	subject string
	metrics Metrics
}

func NewNATS(url, subject string, m Metrics) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("tup"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("subject", subject).Msg("Connected to NATS")
	return &NATS{nc: nc, subject: subject, metrics: m}, nil
}

func (p *NATS) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}

// Publish sends msg and its trip updates. Individual failures are counted
// and the first one is returned after every message was attempted.
func (p *NATS) Publish(msg *gtfs.FeedMessage) error {
	messages, err := Messages(p.subject, msg)
	if err != nil {
		return err
	}

	var first error
	for _, m := range messages {
		err := p.nc.Publish(m.Subject, m.Data)
		if p.metrics != nil {
			if err != nil {
				p.metrics.NATSPublishErrInc()
			} else {
				p.metrics.NATSPublishedInc()
			}
		}
		if err != nil && first == nil {
			first = fmt.Errorf("failed to publish on %s: %w", m.Subject, err)
		}
	}
	return first
}

// Message is one NATS payload
type Message struct {
	Subject string
	Data    []byte
}

// Messages encodes the feed into the payloads published for it
func Messages(subject string, msg *gtfs.FeedMessage) ([]Message, error) {
	full, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feed: %w", err)
	}

	out := []Message{{Subject: subject, Data: full}}
	for _, entity := range msg.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		data, err := protojson.Marshal(tu)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trip update: %w", err)
		}
		out = append(out, Message{
			Subject: fmt.Sprintf("%s.trips.%s.%s", subject, subjectToken(tu.GetTrip().GetRouteId()), subjectToken(tu.GetTrip().GetTripId())),
			Data:    data,
		})
	}
	return out, nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain whitespace, wildcards or dots
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
