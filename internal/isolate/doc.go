// Package isolate defines the boundary between workers and the embedded
// JavaScript engine: booting a script, serving HTTP from it on a dedicated
// engine thread, terminating it from another goroutine and reporting its CPU
// time and heap pressure. The default build uses QuickJS; building with the
// v8 tag switches to V8.
package isolate
