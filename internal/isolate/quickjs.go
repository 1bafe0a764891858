//go:build !v8

package isolate

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"

	"github.com/seantiz/kiln/internal/model"
)

// EngineName is the engine compiled into this binary.
const EngineName = "quickjs"

// EngineCapabilities describes the compiled engine.
var EngineCapabilities = Capabilities{
	Engine:             EngineName,
	CPUAccounting:      true,
	HeapLimitCallback:  true,
	AsyncHandlers:      true,
	MainWorkerBindings: true,
}

// qjsVM adapts a QuickJS VM to jsVM.
type qjsVM struct {
	vm    *quickjs.VM
	limit uint64
}

func newVM(cfg model.RuntimeConfig) (jsVM, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, err
	}
	q := &qjsVM{vm: vm}
	if cfg.MemoryLimitMB > 0 {
		q.setHeapLimit(uint64(cfg.MemoryLimitMB) << 20)
	}
	return q, nil
}

func (q *qjsVM) eval(js string) error {
	v, err := q.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (q *qjsVM) evalString(js string) (string, error) {
	result, err := q.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// register installs fn as a global. The QuickJS wrapper returns (T, error)
// results as a two element array; the shim unwraps it and throws on error.
func (q *qjsVM) register(name string, fn func(a, b string) (string, error)) error {
	raw := "__raw_" + name
	if err := q.vm.RegisterFunc(raw, fn, false); err != nil {
		return err
	}
	return q.eval(fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function(a, b) {
			var r = raw(a === undefined ? '' : String(a), b === undefined ? '' : String(b));
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new Error(%q + ": " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, raw, name, name, raw))
}

// runJobs drains the microtask queue. The Go wrapper never calls
// JS_ExecutePendingJob itself, so it is reached through the unexported
// runtime fields.
func (q *qjsVM) runJobs() {
	rt, tls, ok := extractRuntime(q.vm)
	if !ok {
		return
	}
	for lib.XJS_ExecutePendingJob(tls, rt, 0) > 0 {
	}
}

// extractRuntime reads the unexported runtime handle and TLS of vm:
//
//	type VM struct { ...; runtime *runtime; ... }
//	type runtime struct { cRuntime uintptr; tls *libc.TLS }
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	vmVal := reflect.ValueOf(vm).Elem()
	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}
	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	return uintptr(cRuntimeField.Uint()), (*libc.TLS)(unsafe.Pointer(tlsField.Pointer())), true
}

// interrupt is safe to call from any goroutine.
func (q *qjsVM) interrupt() { q.vm.Interrupt() }

func (q *qjsVM) heapLimit() uint64 { return q.limit }

// heapUsed is not exposed by the wrapper; pressure is detected through
// allocation failures instead.
func (q *qjsVM) heapUsed() (uint64, bool) { return 0, false }

func (q *qjsVM) setHeapLimit(limit uint64) {
	q.limit = limit
	q.vm.SetMemoryLimit(uintptr(limit))
}

func (q *qjsVM) outOfMemory(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

func (q *qjsVM) close() { q.vm.Close() }
