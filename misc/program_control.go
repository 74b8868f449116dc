package misc

import (
	"time"
)

var (
	// StartupTime is the timestamp captured when this program started.
	StartupTime = time.Now()

	// EnableAWSIntegration is a program-global flag that determines whether to integrate with various AWS services
	// during mail delivery, such as publishing per-recipient delivery outcomes to an SNS topic or SQS queue.
	EnableAWSIntegration bool

	// EnablePrometheusIntegration is a program-global flag that determines whether the prometheus metrics collected
	// from mail delivery sessions are registered with the default prometheus registry. Nothing in this module serves
	// the registry over HTTP.
	EnablePrometheusIntegration bool
)
