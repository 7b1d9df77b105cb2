// Package participant manages domain membership and the topic registry.
//
// A Manager hands out at most one Participant per domain id. Create is
// idempotent and reference counted; the middleware participant is destroyed
// once every Create has been matched by a Release and every Topic obtained
// from it has been released.
//
//	mgr, err := participant.NewManager(cfg, mw, participant.WithLogger(logger))
//	p, err := mgr.Create(ctx, 0, "")
//	defer p.Release()
//
//	topic, err := p.GetOrCreateTopic(ctx, "sensor/temp", codec.TypeID[Reading](), "")
//	defer topic.Release()
//
// A topic name is bound to one type id for the topic's lifetime. Concurrent
// first calls to GetOrCreateTopic share a single middleware creation; a call
// with another type id fails with errors.ErrTopicTypeMismatch whichever call
// came first. The QoS of the first creation wins.
//
// QoS for entities created under a participant resolves, in order, from the
// profile given to the entity, the profile given to Create, and the built-in
// default for the entity kind.
package participant
