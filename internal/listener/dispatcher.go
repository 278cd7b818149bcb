package listener

import (
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/internal/metrics"
	"firestige.xyz/sap/internal/session"
	"firestige.xyz/sap/pkg/sap"
)

// Result reports what a datagram did to the directory.
type Result int

const (
	Dropped Result = iota
	Created
	Refreshed
	Removed
	NotFound
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Refreshed:
		return "refreshed"
	case Removed:
		return "removed"
	case NotFound:
		return "not_found"
	default:
		return "dropped"
	}
}

// Dispatcher applies decoded SAP datagrams to a session store. It never
// fails: malformed input is counted and dropped.
type Dispatcher struct {
	store   *session.Store
	log     log.Logger
	limiter *rate.Limiter
}

// NewDispatcher creates a Dispatcher. Drop diagnostics are limited to a few
// lines per second.
func NewDispatcher(store *session.Store, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Dispatcher{
		store:   store,
		log:     logger.WithField("component", "dispatcher"),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Handle processes one datagram received at now.
func (d *Dispatcher) Handle(data []byte, now time.Time) Result {
	if len(data) < sap.HeaderLength {
		d.drop(metrics.DropShort, "datagram shorter than SAP header", len(data), nil)
		return Dropped
	}

	pkt, err := sap.Decode(data)
	if err != nil {
		d.drop(metrics.DropMalformed, "undecodable datagram", len(data), err)
		return Dropped
	}
	return d.Apply(pkt, now)
}

// Apply processes an already decoded packet received at now.
func (d *Dispatcher) Apply(pkt sap.Packet, now time.Time) Result {
	if pkt.Version != sap.Version {
		d.drop(metrics.DropVersion, "unsupported SAP version", len(pkt.Payload), nil)
		return Dropped
	}
	metrics.DatagramsReceivedTotal.WithLabelValues(pkt.Type.String()).Inc()

	key := d.store.KeyFor(pkt.Origin, pkt.MessageID)
	if pkt.Type == sap.Delete {
		return d.handleDelete(key)
	}
	return d.handleAnnounce(key, pkt, now)
}

func (d *Dispatcher) handleDelete(key session.Key) Result {
	rec, ok := d.store.Remove(key)
	if !ok {
		d.log.WithField("id", key.String()).Info("delete for unknown session")
		return NotFound
	}
	d.log.WithFields(map[string]interface{}{
		"title":  rec.Title,
		"id":     key.String(),
		"handle": rec.Handle,
	}).Info("session deleted")
	return Removed
}

func (d *Dispatcher) handleAnnounce(key session.Key, pkt sap.Packet, now time.Time) Result {
	var doc string
	if pkt.Encrypted || pkt.Compressed {
		// Opaque content is stored as received.
		metrics.OpaqueAnnouncementsTotal.Inc()
		doc = string(pkt.Payload)
	} else {
		mime, body := sap.SplitPayloadType(pkt.Payload)
		if mime != sap.MIMETypeSDP {
			d.drop(metrics.DropPayloadType, "payload type "+mime, len(body), nil)
			return Dropped
		}
		doc = sap.PayloadText(body)
	}
	title, _ := sap.ExtractTitle(doc)

	outcome, rec := d.store.Upsert(key, title, doc, now)
	if outcome == session.Refreshed {
		return Refreshed
	}
	d.log.WithFields(map[string]interface{}{
		"title":  rec.Title,
		"id":     key.String(),
		"origin": pkt.Origin.String(),
		"handle": rec.Handle,
	}).Info("session announced")
	return Created
}

func (d *Dispatcher) drop(reason, msg string, size int, err error) {
	metrics.DatagramsDroppedTotal.WithLabelValues(reason).Inc()
	if !d.log.IsDebugEnabled() || !d.limiter.Allow() {
		return
	}
	l := d.log.WithFields(map[string]interface{}{"reason": reason, "size": size})
	if err != nil {
		l = l.WithError(err)
	}
	l.Debug(msg)
}
