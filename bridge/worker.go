package bridge

import (
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/spq"
)

func (b *Bridge) qworker(pub Publisher) {
	defer b.alive.Done()
	stopch := b.alive.StopChan()
	for {
		box, err := b.q.Peek()
		switch err {
		case nil:
			// success path
			if !b.deliver(pub, box.Bytes()) {
				return
			}
			if err = b.q.Delete(box); err != nil {
				if err == spq.ErrClosed {
					return
				}
				b.log.Errorf("bridge outbox Delete err=%v", err)
			}

		case spq.ErrClosed:
			select {
			case <-stopch: // success path
			default:
				b.log.Errorf("CRITICAL bridge outbox closed unexpectedly")
			}
			return

		default:
			b.log.Errorf("CRITICAL bridge outbox err=%v", err)
			select {
			case <-time.After(b.backoff.DelayAfter(false)):
			case <-stopch:
				return
			}
		}
	}
}

// deliver retries publish until success or Close.
// Undecodable records are dropped. Returns false when stopping.
func (b *Bridge) deliver(pub Publisher, rec []byte) bool {
	topic, payload, err := decodeRecord(b.opt.TopicPrefix, rec)
	if err != nil {
		b.log.Errorf("bridge outbox drop b=%x err=%v", rec, err)
		return true
	}
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce}
	stopch := b.alive.StopChan()
	for {
		err = b.publish(pub, msg)
		delay := b.backoff.DelayAfter(err == nil)
		if err == nil {
			return true
		}
		b.log.Errorf("bridge publish topic=%s err=%v retry in %s", topic, err, delay)
		select {
		case <-time.After(delay):
		case <-stopch:
			return false
		}
	}
}

func (b *Bridge) stateWorker(pub Publisher) {
	defer b.alive.Done()
	stopch := b.alive.StopChan()
	for {
		select {
		case <-b.statesig:
		case <-stopch:
			return
		}
		for id, rec := range b.takeStates() {
			payload, err := proto.Marshal(stateStruct(id, rec.state, rec.err))
			if err != nil {
				b.log.Errorf("bridge state encode err=%v", err)
				continue
			}
			msg := &packet.Message{
				Topic:   TopicState(b.opt.TopicPrefix, id),
				Payload: payload,
				QOS:     packet.QOSAtLeastOnce,
				Retain:  true,
			}
			if err = b.publish(pub, msg); err != nil {
				b.log.Errorf("bridge state connection=%s lost err=%v", id, err)
			}
		}
	}
}

// publish is bounded by PublishTimeout and Close.
func (b *Bridge) publish(pub Publisher, msg *packet.Message) error {
	ctx, cancel := helpers.AliveContext(b.alive, b.opt.PublishTimeout)
	defer cancel()
	return errors.Annotatef(pub.Publish(ctx, msg), "topic=%s", msg.Topic)
}
