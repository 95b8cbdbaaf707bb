package signaling

// handleOffer accepts the first offer of a session or, once connected, a
// new offer that starts a renegotiation round.
func (o *Orchestrator) handleOffer(d Description) {
	if o.role != RoleResponder {
		o.violation("offer received by the initiator")
		return
	}

	if _, ok := o.appliedRemote[descriptionKey(d)]; ok {
		o.log.Debug("duplicate offer ignored")
		o.metrics.DuplicateDropped("description")
		return
	}

	switch s := o.State(); s {
	case StateIdle, StateAwaitingOffer:
		if !o.transition(StateNegotiating) {
			return
		}

	case StateConnected:
		if o.disableRemoteRenegotiation {
			o.violation("new offer in state %s: remote renegotiation disabled", s)
			return
		}
		if !o.beginRound() {
			return
		}

	default:
		o.violation("offer received in state %s", s)
		return
	}

	o.answer(d)
}

// answer applies the offer, replays queued candidates, then creates, applies
// and sends the answer.
func (o *Orchestrator) answer(offer Description) {
	err := o.conn.SetRemoteDescription(o.ctx, offer)
	if !o.check(err, KindDescriptionRejected, "setRemoteDescription") {
		return
	}
	if !o.applyRemote(offer) {
		return
	}

	desc, err := o.conn.CreateAnswer(o.ctx)
	if !o.check(err, KindMediaEngine, "createAnswer") {
		return
	}

	err = o.conn.SetLocalDescription(o.ctx, desc)
	if !o.check(err, KindDescriptionRejected, "setLocalDescription") {
		return
	}
	if !o.commit(func() { o.localSet = true }) {
		return
	}

	if !o.send(SdpAnswer{Description: desc}) {
		return
	}
	if o.transition(StateConnected) {
		o.log.Info("negotiation complete")
	}
}
