/*
Package health runs readiness checks.

A Checker reports one component. CheckFunc adapts a function returning an
error, which is how the API builds its store, registry and migration
checks. RunAll runs checkers concurrently under a shared timeout.

A Monitor reruns its checkers every Interval. A component turns unhealthy
after Retries consecutive failures and healthy again on the first success;
the monitor is healthy only when every component is. The onChange callback
fires when that overall state flips, and serve uses it to switch the gRPC
health service between SERVING and NOT_SERVING.
*/
package health
