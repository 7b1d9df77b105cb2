// Package errors provides the error taxonomy and wrapping helpers shared by every talkbus package.
//
// # Classification
//
// Errors fall into three classes:
//
//   - Transient: timeouts, lost connections, full queues. The caller may retry.
//   - Invalid: unknown QoS profiles, topic type mismatches, malformed data. Do not retry.
//   - Fatal: participant creation failures and bad configuration.
//
// Classification honours an explicit ClassifiedError first and falls back to sentinel
// matching, then to message patterns for foreign errors.
//
// # Taxonomy
//
// The messaging layer reports failures through sentinel values that callers test with
// errors.Is:
//
//	rep, err := handle.Await(ctx)
//	switch {
//	case errors.Is(err, errors.ErrTimeout):
//	    // no reply before the deadline
//	case errors.Is(err, errors.ErrRemoteFailure):
//	    // the replier handler failed
//	}
//
// ErrCorrelationMismatch never reaches callers. Requesters log and count it.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: %w":
//
//	return errors.WrapInvalid(err, "Participant", "GetOrCreateTopic", "type check")
//
// Join attaches a taxonomy sentinel to a lower level cause so that both remain
// matchable through the chain.
package errors
