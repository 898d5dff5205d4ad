package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"lockngo/locker"
	"lockngo/metrics"
	"lockngo/store"
)

// wireEventHandlers runs every handler synchronously on the emitting lane,
// so the live view, the outbox and the audit trail see transitions in
// commit order.
func (e *Engine) wireEventHandlers() {
	// New lockers: live view and audit
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(LockerAddedEvent)
		e.hub.Publish(locker.EventOf(ev.Locker, "added"))
		e.audit("locker", ev.Locker.ID, "created", "", fmt.Sprintf("%s size=%s", ev.Locker.Location, ev.Locker.Size), "system")
	}, EventLockerAdded)

	// Transitions: live view first, then the external stream, audit and metrics
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(LockerTransitionEvent)
		le := locker.EventOf(ev.Locker, ev.Reason)
		e.hub.Publish(le)
		e.enqueueTransition(le, ev)
		e.audit("locker", ev.Locker.ID, ev.Trigger, string(ev.From), string(ev.Locker.State), "system")
		metrics.ObserveTransition(string(ev.From), string(ev.Locker.State), ev.Trigger)
	}, EventLockerTransition)

	// Rental lifecycle: audit
	e.Events.SubscribeTypes(func(evt Event) {
		r := evt.Payload.(RentalEvent).Rental
		e.audit("rental", r.ID, "rent_start", "",
			fmt.Sprintf("locker=%s renter=%s amount=%d", r.LockerID, r.RenterID, r.AmountReserved), r.RenterID)
		metrics.ObserveRent(metrics.ResultAccepted, "")
	}, EventRentalCreated)

	e.Events.SubscribeTypes(func(evt Event) {
		r := evt.Payload.(RentalEvent).Rental
		detail := string(r.Outcome)
		if r.Detail != "" {
			detail += ": " + r.Detail
		}
		e.audit("rental", r.ID, "rent_end", "", detail, "system")
	}, EventRentalFinished)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(RentRejectedEvent)
		e.logFn("engine: rent of %s by %s rejected: %v", ev.LockerID, ev.RenterID, ev.Err)
		metrics.ObserveRent(metrics.ResultRejected, ev.Reason)
	}, EventRentRejected)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(CommandResolvedEvent)
		metrics.ObserveCommand(ev.Kind, ev.Outcome, ev.Attempts)
	}, EventCommandResolved)

	// Alerts: log and open an incident for the operator
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(AlertEvent)
		e.logFn("engine: ALERT locker %s (%s): %s", ev.LockerID, ev.Trigger, ev.Reason)
		e.recordIncident(&store.Incident{
			IncidentType: incidentType(ev.Trigger),
			LockerID:     ev.LockerID,
			RentalID:     ev.RentalID,
			Reason:       ev.Reason,
			Actor:        "system",
		})
		metrics.IncAlert(ev.Trigger)
	}, EventAlert)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(LockdownEvent)
		state := "off"
		if ev.Enabled {
			state = "on"
		}
		e.logFn("engine: rental lockdown %s", state)
		e.audit("system", e.cfg.StationID, "lockdown", "", state, "admin")
		metrics.SetLockdown(ev.Enabled)
	}, EventLockdownChanged)

	// Manual recovery: incident and audit under the operator's name
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(OutOfServiceClearedEvent)
		e.recordIncident(&store.Incident{
			IncidentType: store.IncidentCleared,
			LockerID:     ev.LockerID,
			RentalID:     ev.RentalID,
			Resolution:   ev.Resolution,
			Reason:       ev.Note,
			Actor:        ev.Actor,
		})
		e.audit("locker", ev.LockerID, "cleared", "", ev.Resolution, ev.Actor)
	}, EventOutOfServiceCleared)
}

func (e *Engine) enqueueTransition(le locker.Event, ev LockerTransitionEvent) {
	data, err := json.Marshal(transitionMessage{
		Type:      "locker.transition",
		StationID: e.cfg.StationID,
		Event:     le,
		From:      ev.From,
		Trigger:   ev.Trigger,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		e.logFn("engine: encode transition %s v%d: %v", le.LockerID, le.Version, err)
		return
	}
	topic, key := e.msgClient.Topics().Events(le.LockerID)
	if err := e.db.EnqueueOutbox(topic, data, "transition", key); err != nil {
		e.logFn("engine: outbox %s v%d: %v", le.LockerID, le.Version, err)
	}
}

func (e *Engine) audit(entityType, entityID, action, oldValue, newValue, actor string) {
	if err := e.db.AppendAudit(entityType, entityID, action, oldValue, newValue, actor); err != nil {
		e.logFn("engine: audit %s %s %s: %v", entityType, entityID, action, err)
	}
}

func (e *Engine) recordIncident(inc *store.Incident) {
	if err := e.db.CreateIncident(inc); err != nil {
		e.logFn("engine: incident for %s: %v", inc.LockerID, err)
	}
}

func incidentType(trigger string) string {
	switch trigger {
	case locker.TriggerReleaseFailed.String():
		return store.IncidentReleaseFailed
	case locker.TriggerRecover.String():
		return store.IncidentRecovery
	default:
		return store.IncidentFault
	}
}
