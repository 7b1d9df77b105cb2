// Package testutil provides fixtures for talkbus tests.
//
// Fixtures run on the in-process loopback middleware, so no external broker
// is needed:
//
//	mgr, net := testutil.NewManager(t)
//	p := testutil.NewParticipant(t, mgr, 0)
//
// Recorder collects values delivered on worker goroutines and lets a test wait
// for a count with a timeout:
//
//	rec := testutil.NewRecorder[testutil.Reading]()
//	sub.SetCallback(func(_ context.Context, r testutil.Reading, _ middleware.SampleInfo) error {
//		rec.Add(r)
//		return nil
//	})
//	got := rec.WaitFor(t, 3, time.Second)
//
// Payload types (Reading, Ping, Pong) carry no domain meaning beyond what the
// tests need.
package testutil
