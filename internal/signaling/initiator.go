package signaling

// offer creates an offer, applies it as local description and sends it.
// The state moves to during before the first adapter call and to after once
// the offer is on the wire.
func (o *Orchestrator) offer(opts OfferOptions, during, after State) {
	if !o.transition(during) {
		return
	}

	desc, err := o.conn.CreateOffer(o.ctx, opts)
	if !o.check(err, KindMediaEngine, "createOffer") {
		return
	}

	err = o.conn.SetLocalDescription(o.ctx, desc)
	if !o.check(err, KindDescriptionRejected, "setLocalDescription") {
		return
	}
	if !o.commit(func() { o.localSet = true }) {
		return
	}

	if !o.send(SdpOffer{Description: desc}) {
		return
	}
	o.offerOutstanding = true
	o.transition(after)
}

// handleAnswer applies the answer to the outstanding offer. Redeliveries of
// an answer applied in any round are dropped quietly; other answers without
// an outstanding offer are protocol violations.
func (o *Orchestrator) handleAnswer(d Description) {
	if o.role != RoleInitiator {
		o.violation("answer received by the responder")
		return
	}

	if _, ok := o.appliedRemote[descriptionKey(d)]; ok {
		o.log.Debug("duplicate answer ignored")
		o.metrics.DuplicateDropped("description")
		return
	}
	if !o.offerOutstanding {
		o.violation("unexpected answer in state %s", o.State())
		return
	}

	err := o.conn.SetRemoteDescription(o.ctx, d)
	if !o.check(err, KindDescriptionRejected, "setRemoteDescription") {
		return
	}
	o.offerOutstanding = false

	if !o.applyRemote(d) {
		return
	}
	if o.transition(StateConnected) {
		o.log.Info("negotiation complete")
	}
}

func (o *Orchestrator) handleRenegotiate(opts OfferOptions) {
	if s := o.State(); s != StateConnected {
		o.log.Warn("renegotiation in state %s ignored: %v", s, ErrInvalidState)
		return
	}
	if !o.beginRound() {
		return
	}
	o.offer(opts, StateRenegotiating, StateRenegotiating)
}
