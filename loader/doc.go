// Package loader packages the aop engine into a concrete retry/timeout/backoff
// harness for unreliable asynchronous work.
//
// A Loader instantiates an aop.Process with three built-in aspects
// (__core__backoff, __core__retry, __core__timeout) plus any user-supplied
// middlewares, wires a hierarchy-aware retry propagation decision, and
// exposes per-invocation handles for inspecting and steering retry/timeout
// state from inside the target itself.
package loader
