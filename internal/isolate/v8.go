//go:build v8

package isolate

import (
	"fmt"
	"strings"

	v8 "github.com/tommie/v8go"

	"github.com/seantiz/kiln/internal/model"
)

// EngineName is the engine compiled into this binary.
const EngineName = "v8"

// EngineCapabilities describes the compiled engine.
var EngineCapabilities = Capabilities{
	Engine:             EngineName,
	CPUAccounting:      true,
	HeapLimitCallback:  true,
	AsyncHandlers:      true,
	MainWorkerBindings: true,
}

// hardHeapFactor sizes V8's own heap cap relative to the worker's memory
// limit. V8 aborts the process when it reaches its cap, so the soft limit
// checked after every request must be hit first.
const hardHeapFactor = 4

// v8VM adapts a V8 isolate and context to jsVM.
type v8VM struct {
	iso   *v8.Isolate
	ctx   *v8.Context
	limit uint64
}

func newVM(cfg model.RuntimeConfig) (jsVM, error) {
	var iso *v8.Isolate
	var limit uint64
	if cfg.MemoryLimitMB > 0 {
		limit = uint64(cfg.MemoryLimitMB) << 20
		iso = v8.NewIsolate(v8.WithResourceConstraints(limit/2, limit*hardHeapFactor))
	} else {
		iso = v8.NewIsolate()
	}
	return &v8VM{iso: iso, ctx: v8.NewContext(iso), limit: limit}, nil
}

func (v *v8VM) eval(js string) error {
	_, err := v.ctx.RunScript(js, "worker.js")
	return err
}

func (v *v8VM) evalString(js string) (string, error) {
	val, err := v.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

func (v *v8VM) register(name string, fn func(a, b string) (string, error)) error {
	tmpl := v8.NewFunctionTemplate(v.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		var a, b string
		args := info.Args()
		if len(args) > 0 {
			a = args[0].String()
		}
		if len(args) > 1 {
			b = args[1].String()
		}
		out, err := fn(a, b)
		if err != nil {
			msg, _ := v8.NewValue(v.iso, fmt.Sprintf("%s: %s", name, err))
			return v.iso.ThrowException(msg)
		}
		val, err := v8.NewValue(v.iso, out)
		if err != nil {
			return nil
		}
		return val
	})
	return v.ctx.Global().Set(name, tmpl.GetFunction(v.ctx))
}

func (v *v8VM) runJobs() { v.ctx.PerformMicrotaskCheckpoint() }

// interrupt is safe to call from any goroutine.
func (v *v8VM) interrupt() { v.iso.TerminateExecution() }

func (v *v8VM) heapLimit() uint64 { return v.limit }

func (v *v8VM) heapUsed() (uint64, bool) {
	return v.iso.GetHeapStatistics().UsedHeapSize, true
}

// setHeapLimit moves the soft limit; V8's own cap is fixed at creation.
func (v *v8VM) setHeapLimit(limit uint64) { v.limit = limit }

func (v *v8VM) outOfMemory(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

func (v *v8VM) close() {
	v.ctx.Close()
	v.iso.Dispose()
}
