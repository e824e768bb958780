// Package observe provides observability primitives for the
// synchronization core.
//
// It is a pure instrumentation library: structured logging, metrics
// and tracing setup, with no I/O beyond exporter wiring. The mirror
// coordinator records refresh cycles through it; individual components
// receive a component-scoped Logger.
package observe
