package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// LoadFile reads a JavaScript handler source file and builds its
// descriptor. The handler is registered under the file's base name; the
// script must define a `handler(job)` function and may define a `metadata`
// object ({description, version, author}) and a `schema` object.
func LoadFile(path string) (Descriptor, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read handler file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Load(name, string(source))
}

// Load compiles a JavaScript handler source into a descriptor. The compiled
// program is immutable; every execution runs it in a fresh VM, so in-flight
// invocations are isolated from later reloads.
func Load(name, source string) (Descriptor, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to compile handler %q: %w", name, err)
	}

	// Run once to validate the contract and pull metadata.
	vm := newVM()
	if _, err := vm.RunProgram(program); err != nil {
		return Descriptor{}, fmt.Errorf("handler %q failed to initialize: %w", name, err)
	}
	if _, ok := goja.AssertFunction(vm.Get("handler")); !ok {
		return Descriptor{}, fmt.Errorf("handler %q does not define a handler function", name)
	}

	descriptor := Descriptor{
		Name:    name,
		Execute: executeProgram(name, program, "handler"),
	}
	if meta := vm.Get("metadata"); meta != nil && !goja.IsUndefined(meta) && !goja.IsNull(meta) {
		if m, ok := meta.Export().(map[string]interface{}); ok {
			if v, ok := m["description"].(string); ok {
				descriptor.Description = v
			}
			if v, ok := m["version"].(string); ok {
				descriptor.Version = v
			}
			if v, ok := m["author"].(string); ok {
				descriptor.Author = v
			}
		}
	}
	if schema := vm.Get("schema"); schema != nil && !goja.IsUndefined(schema) && !goja.IsNull(schema) {
		if s, ok := schema.Export().(map[string]interface{}); ok {
			descriptor.Schema = s
		}
	}
	return descriptor, nil
}

// LoadModule compiles a plugin entry script that exports several handlers
// at once through a `handlers` object mapping names to functions. Each
// exported function becomes its own descriptor.
func LoadModule(moduleName, source string) ([]Descriptor, error) {
	program, err := goja.Compile(moduleName, source, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile plugin %q: %w", moduleName, err)
	}

	vm := newVM()
	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("plugin %q failed to initialize: %w", moduleName, err)
	}
	exported := vm.Get("handlers")
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, fmt.Errorf("plugin %q does not export a handlers object", moduleName)
	}
	obj := exported.ToObject(vm)

	var descriptors []Descriptor
	for _, key := range obj.Keys() {
		if _, ok := goja.AssertFunction(obj.Get(key)); !ok {
			return nil, fmt.Errorf("plugin %q handler %q is not a function", moduleName, key)
		}
		descriptors = append(descriptors, Descriptor{
			Name:    key,
			Execute: executeModuleHandler(moduleName, program, key),
		})
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("plugin %q exports no handlers", moduleName)
	}
	return descriptors, nil
}

// executeProgram builds the execute function for a script defining a single
// top-level handler function.
func executeProgram(name string, program *goja.Program, fnName string) ExecuteFunc {
	return func(ctx context.Context, job *JobContext) (interface{}, error) {
		vm := newVM()
		if _, err := vm.RunProgram(program); err != nil {
			return nil, fmt.Errorf("handler %q failed to initialize: %w", name, err)
		}
		fn, ok := goja.AssertFunction(vm.Get(fnName))
		if !ok {
			return nil, fmt.Errorf("handler %q does not define a %s function", name, fnName)
		}
		return callHandler(ctx, vm, fn, job)
	}
}

// executeModuleHandler builds the execute function for one entry of a
// plugin's exported handlers object.
func executeModuleHandler(moduleName string, program *goja.Program, key string) ExecuteFunc {
	return func(ctx context.Context, job *JobContext) (interface{}, error) {
		vm := newVM()
		if _, err := vm.RunProgram(program); err != nil {
			return nil, fmt.Errorf("plugin %q failed to initialize: %w", moduleName, err)
		}
		obj := vm.Get("handlers").ToObject(vm)
		fn, ok := goja.AssertFunction(obj.Get(key))
		if !ok {
			return nil, fmt.Errorf("plugin %q no longer exports handler %q", moduleName, key)
		}
		return callHandler(ctx, vm, fn, job)
	}
}

// callHandler invokes a compiled handler function with the job context
// exposed as a JavaScript object.
func callHandler(ctx context.Context, vm *goja.Runtime, fn goja.Callable, job *JobContext) (interface{}, error) {
	jobObj := vm.NewObject()
	_ = jobObj.Set("id", job.ID)
	_ = jobObj.Set("name", job.Name)
	_ = jobObj.Set("queue", job.Queue)
	_ = jobObj.Set("data", job.Data)
	_ = jobObj.Set("childrenValues", func(call goja.FunctionCall) goja.Value {
		if job.Children == nil {
			return vm.ToValue(map[string]interface{}{})
		}
		values, err := job.Children(ctx)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(values)
	})
	_ = jobObj.Set("progress", func(call goja.FunctionCall) goja.Value {
		if job.Progress != nil && len(call.Arguments) > 0 {
			if err := job.Progress(call.Arguments[0].Export()); err != nil {
				panic(vm.ToValue(err.Error()))
			}
		}
		return goja.Undefined()
	})
	_ = jobObj.Set("delta", func(call goja.FunctionCall) goja.Value {
		if job.Delta != nil && len(call.Arguments) > 0 {
			if err := job.Delta(call.Arguments[0].String()); err != nil {
				panic(vm.ToValue(err.Error()))
			}
		}
		return goja.Undefined()
	})

	// Interrupt the VM if the job context is cancelled mid-run.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	result, err := fn(goja.Undefined(), jobObj)
	if err != nil {
		return nil, fmt.Errorf("handler %q execution failed: %w", job.Name, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// newVM creates a JavaScript runtime with console.log wired to stdout.
func newVM() *goja.Runtime {
	vm := goja.New()
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]interface{}, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.Export())
		}
		fmt.Println(append([]interface{}{"[handler]"}, parts...)...)
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	return vm
}
