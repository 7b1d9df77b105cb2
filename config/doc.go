// Package config loads the talkbus configuration.
//
// Config is a plain value: the domain joined by default, the QoS profile file,
// the middleware (loopback or NATS), the active object settings shared by
// every subscriber and requester, request defaults and the metrics endpoint.
//
// Loader layers JSON files over Default, then applies TALKBUS_* environment
// overrides and validates the result. The environment is read exactly once,
// inside Load; nothing in talkbus reads it afterwards.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.json")
//	loader.AddLayer("configs/lab.json") // overrides base
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	mgr, err := participant.NewManager(cfg, mw)
//
// Duration fields accept Go duration strings ("250ms", "5s").
//
// Each layer must be a regular .json file of at most 1 MiB. While validation
// is enabled it is checked against the embedded schema.json, so a misspelled
// key fails the load instead of being ignored. The QoS profile file is read
// with the same size bound and must end in .yaml or .yml.
//
// # Environment Overrides
//
//	TALKBUS_DOMAIN_ID          domain.id
//	TALKBUS_DEFAULT_PROFILE    domain.default_profile
//	TALKBUS_QOS_PROFILE_FILE   qos.profile_file
//	TALKBUS_MIDDLEWARE         middleware.kind
//	TALKBUS_NATS_URLS          middleware.nats.urls (comma separated)
//	TALKBUS_NATS_USERNAME      middleware.nats.username
//	TALKBUS_NATS_PASSWORD      middleware.nats.password
//	TALKBUS_NATS_TOKEN         middleware.nats.token
//	TALKBUS_WORKER_QUEUE_SIZE  worker.queue_size
//	TALKBUS_WORKER_OVERFLOW    worker.overflow
//	TALKBUS_WORKER_STOP        worker.stop_policy
//	TALKBUS_ENQUEUE_TIMEOUT    worker.enqueue_timeout
//	TALKBUS_REQUEST_TIMEOUT    requester.default_timeout
//	TALKBUS_METRICS_ENABLED    metrics.enabled
//	TALKBUS_METRICS_PORT       metrics.port
package config
