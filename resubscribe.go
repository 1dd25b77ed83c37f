package flowthings

// ResubscribeResult describes the replay of subscriptions onto a new
// connection.
type ResubscribeResult struct {
	// Topics are the topics that were replayed.
	Topics []string
	// Failed holds the topics the service refused or that timed out.
	// They stay registered and are replayed again on the next reconnect.
	Failed map[string]error
}

// resubscription tracks the acknowledgements of one replay.
// It lives on the event loop.
type resubscription struct {
	waiting map[string]struct{}
	ops     []*PendingOperation
	result  ResubscribeResult
	done    func(ResubscribeResult)

	settled bool
	// next is the replay that superseded this one.
	next *resubscription
}

func newResubscription(topics []string, done func(ResubscribeResult)) *resubscription {
	r := &resubscription{
		waiting: make(map[string]struct{}, len(topics)),
		result: ResubscribeResult{
			Topics: topics,
			Failed: make(map[string]error),
		},
		done: done,
	}
	for _, topic := range topics {
		r.waiting[topic] = struct{}{}
	}
	return r
}

func (r *resubscription) track(op *PendingOperation) {
	if op != nil {
		r.ops = append(r.ops, op)
	}
}

// owns reports whether op is this replay's still unanswered request for topic.
func (r *resubscription) owns(topic string, op *PendingOperation) bool {
	if op == nil || r.settled {
		return false
	}
	if _, ok := r.waiting[topic]; !ok {
		return false
	}
	for _, o := range r.ops {
		if o == op {
			return true
		}
	}
	return false
}

func (r *resubscription) handler(topic string) ResponseHandler {
	return func(_ *Response, err error) {
		r.ack(topic, err)
	}
}

func (r *resubscription) ack(topic string, err error) {
	if r.next != nil {
		r.next.ack(topic, err)
		return
	}
	if _, ok := r.waiting[topic]; !ok {
		return
	}
	delete(r.waiting, topic)
	if err != nil {
		r.result.Failed[topic] = err
	}
	r.settle()
}

// settle fires done once nothing is left waiting.
func (r *resubscription) settle() {
	if r.settled || r.next != nil || len(r.waiting) > 0 {
		return
	}
	r.settled = true
	r.done(r.result)
}

// supersede hands this replay over to next. Answers to the requests next
// tracks as well are forwarded to it. Every other request of this replay
// went to a lost connection and is removed from pending.
func (r *resubscription) supersede(next *resubscription, pending *PendingTable) {
	r.next = next
	if r.settled {
		return
	}

	kept := make(map[*PendingOperation]struct{}, len(next.ops))
	for _, op := range next.ops {
		kept[op] = struct{}{}
	}
	for _, op := range r.ops {
		if _, ok := kept[op]; ok {
			continue
		}
		if pending.TakeOp(op) {
			op.stop()
		}
	}
}
