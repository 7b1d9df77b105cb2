// Exponential backoff for establishing middleware connections.
//
// Retries apply to connection setup only. Publishing never retries internally;
// a rejected sample is reported to the caller.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return client.Connect(ctx)
//	})
//
// Wrap an error with NonRetryable to stop immediately, for example on an
// authorization failure.
package retry
