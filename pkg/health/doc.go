/*
Package health implements the HTTP and TCP checkers backing Warren's
http/tcp builtin resource classes: cheap recurring probes against an
endpoint the cluster doesn't directly manage, without forking a
subprocess the way the ocf/lsb/systemd classes do.

A Checker has one job, Check(ctx) Result. pkg/executor's monitor
dispatch builds one per call from the resource's parameters (url for
http, address for tcp) and translates the Result straight into the rc
Warren's agent-result contract otherwise gets from a forked script's
exit code: healthy maps to success, unhealthy to "not running."

	checker := health.NewHTTPChecker("http://10.0.0.5:8080/healthz")
	result := checker.Check(ctx)

NewHTTPChecker defaults to treating any 2xx/3xx response as healthy;
WithStatusRange narrows that. NewTCPChecker just dials Address and
reports success on a clean connect.
*/
package health
