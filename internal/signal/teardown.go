package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/sfu"
)

// removal collects the resources taken out of a room under its lock. They
// are closed and announced by finish once the lock is released.
type removal struct {
	transports []*sfu.TransportEntry
	producers  []*sfu.ProducerEntry
	consumers  []*sfu.ConsumerEntry
	// consumers of other sessions bound to removed producers
	orphans []rtc.Consumer
}

func (rm *removal) takeConsumer(room *sfu.Room, id string) {
	if entry := room.RemoveConsumer(id); entry != nil {
		rm.consumers = append(rm.consumers, entry)
	}
}

func (rm *removal) takeProducer(room *sfu.Room, id string) {
	entry := room.RemoveProducer(id)
	if entry == nil {
		return
	}
	rm.producers = append(rm.producers, entry)

	for _, c := range room.ConsumersOf(id, "") {
		rm.orphans = append(rm.orphans, c.Consumer)
	}
}

// takeTransport also takes everything created on the transport
func (rm *removal) takeTransport(room *sfu.Room, id string) {
	entry := room.RemoveTransport(id)
	if entry == nil {
		return
	}
	rm.transports = append(rm.transports, entry)

	for _, c := range room.ConsumersOf("", id) {
		rm.takeConsumer(room, c.Consumer.ID())
	}
	for _, p := range room.ProducersOn(id) {
		rm.takeProducer(room, p.Producer.ID())
	}
}

func (rm *removal) empty() bool {
	return len(rm.transports) == 0 && len(rm.producers) == 0 && len(rm.consumers) == 0
}

// finish closes what rm holds and tells the room about closed producers.
// owner is the session the removed resources belong to.
func (e *Engine) finish(room *sfu.Room, owner *core.Session, rm *removal) {
	for _, entry := range rm.consumers {
		closeQuietly(owner, room.ID, core.ConsumerResource, entry.Consumer.ID(), entry.Consumer)
		owner.Disown(core.ConsumerResource, entry.Consumer.ID())
	}

	for _, entry := range rm.producers {
		id := entry.Producer.ID()
		closeQuietly(owner, room.ID, core.ProducerResource, id, entry.Producer)
		owner.Disown(core.ProducerResource, id)

		e.hub.Broadcast(room.ID, "", NewProducerClosed(room.ID, id))
		e.emit(eventbus.ProducerClosed, room.ID, map[string]interface{}{"producerId": id})
	}

	// their own close handlers remove them from the room
	for _, c := range rm.orphans {
		closeQuietly(owner, room.ID, core.ConsumerResource, c.ID(), c)
	}

	for _, entry := range rm.transports {
		closeQuietly(owner, room.ID, core.TransportResource, entry.Transport.ID(), entry.Transport)
		owner.Disown(core.TransportResource, entry.Transport.ID())
	}
}

// Teardown removes the session from its room along with everything it owns.
// It reports the participant entry that was removed. Calling it again, or for
// a session that is in no room, does nothing.
func (e *Engine) Teardown(s *core.Session) (sfu.Participant, bool) {
	roomID := s.RoomID()
	if roomID == "" {
		return sfu.Participant{}, false
	}

	e.hub.Unsubscribe(roomID, s.ID)
	defer s.ExitRoom()

	room, err := e.registry.GetRoom(roomID)
	if err != nil {
		return sfu.Participant{}, false
	}

	var (
		participant sfu.Participant
		found       bool
		emptied     bool
		rm          removal
	)
	_ = room.Exec(func() error {
		participant, found = room.Participant(s.ID)
		if !found {
			return nil
		}

		transports, producers, consumers := room.OwnedBy(s.ID)
		for _, id := range consumers {
			rm.takeConsumer(room, id)
		}
		for _, id := range producers {
			rm.takeProducer(room, id)
		}
		for _, id := range transports {
			rm.takeTransport(room, id)
		}

		emptied = room.RemoveParticipant(s.ID)
		return nil
	})
	if !found {
		return sfu.Participant{}, false
	}

	log.Info().Str("service", "signal").Str("sessionID", s.ID).Str("roomID", roomID).Msg("left room")
	e.emit(eventbus.ParticipantLeft, roomID, map[string]interface{}{
		"userId":    participant.UserID,
		"role":      string(participant.Role),
		"sessionId": s.ID,
	})

	e.finish(room, s, &rm)

	if emptied {
		e.registry.Release(room)
		e.emit(eventbus.RoomClosed, roomID, map[string]interface{}{"reason": "empty"})
	}

	return participant, true
}

// The handlers below observe resources closing on their own, or after a
// caller closed them. Whatever is still registered gets removed here.

func (e *Engine) transportClosed(room *sfu.Room, owner *core.Session, id string, reason rtc.CloseReason) {
	e.resourceClosed(room, owner, core.TransportResource, id, reason, func(rm *removal) {
		rm.takeTransport(room, id)
	})
}

func (e *Engine) producerClosed(room *sfu.Room, owner *core.Session, id string, reason rtc.CloseReason) {
	e.resourceClosed(room, owner, core.ProducerResource, id, reason, func(rm *removal) {
		rm.takeProducer(room, id)
	})
}

func (e *Engine) consumerClosed(room *sfu.Room, owner *core.Session, id string, reason rtc.CloseReason) {
	e.resourceClosed(room, owner, core.ConsumerResource, id, reason, func(rm *removal) {
		rm.takeConsumer(room, id)
	})
}

func (e *Engine) resourceClosed(room *sfu.Room, owner *core.Session, kind core.ResourceKind, id string, reason rtc.CloseReason, take func(rm *removal)) {
	var rm removal
	err := room.Exec(func() error {
		take(&rm)
		return nil
	})
	if err != nil || rm.empty() {
		return
	}

	log.Info().
		Str("service", "signal").
		Str("sessionID", owner.ID).
		Str("roomID", room.ID).
		Str(string(kind)+"ID", id).
		Str("reason", string(reason)).
		Msg("closed by media engine")

	e.finish(room, owner, &rm)
}
