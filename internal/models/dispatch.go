package models

import "fmt"

// Visitor receives decoded events, one method per event type. Adding an event
// type adds a method here, so every consumer fails to compile until it
// handles the new type.
type Visitor interface {
	RoomState(ev Event, p RoomState)
	PeerJoin(ev Event, p PeerJoin)
	PeerLeave(ev Event, p PeerLeave)
	Offer(ev Event, p Offer)
	Answer(ev Event, p Answer)
	ICECandidate(ev Event, p ICECandidate)
	EndCall(ev Event, p EndCall)
	NewMessage(ev Event, p NewMessage)
	Reaction(ev Event, p Reaction)
	Typing(ev Event, p Typing)
	System(ev Event, p System)
}

// Dispatch decodes ev and calls the matching Visitor method.
func Dispatch(ev Event, v Visitor) error {
	p, err := ev.Decode()
	if err != nil {
		return err
	}
	switch p := p.(type) {
	case RoomState:
		v.RoomState(ev, p)
	case PeerJoin:
		v.PeerJoin(ev, p)
	case PeerLeave:
		v.PeerLeave(ev, p)
	case Offer:
		v.Offer(ev, p)
	case Answer:
		v.Answer(ev, p)
	case ICECandidate:
		v.ICECandidate(ev, p)
	case EndCall:
		v.EndCall(ev, p)
	case NewMessage:
		v.NewMessage(ev, p)
	case Reaction:
		v.Reaction(ev, p)
	case Typing:
		v.Typing(ev, p)
	case System:
		v.System(ev, p)
	default:
		return fmt.Errorf("%w: no visitor for %T", ErrInvalidEvent, p)
	}
	return nil
}
