package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dop251/goja"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
)

// Script is a JavaScript runtime bound to an emulator. Scripts see a global
// "emu" object:
//
//	emu.step([n])           execute n instructions, returns the count run
//	emu.run()               run to a stop, returns the count run
//	emu.reg(name)           read a register
//	emu.setReg(name, v)     write a register
//	emu.read(addr, n)       read n bytes as an array of numbers
//	emu.write(addr, bytes)  write an array of byte values
//	emu.readU64(addr)       read a little-endian quadword
//	emu.writeU64(addr, v)   write a little-endian quadword
//	emu.count()             instructions retired so far
//
// and the globals print(...) and log(msg, ...kv). Register and memory values
// are integers in the signed 64-bit range; setters also accept "0x..."
// strings. Emulator errors are thrown as JavaScript exceptions.
type Script struct {
	vm  *goja.Runtime
	emu *emu.Emulator
	out io.Writer
}

// ScriptOption configures a Script.
type ScriptOption func(*Script)

// WithScriptOutput sets where print writes. The default is stdout.
func WithScriptOutput(w io.Writer) ScriptOption {
	return func(s *Script) {
		s.out = w
	}
}

// NewScript creates a runtime bound to e.
func NewScript(e *emu.Emulator, opts ...ScriptOption) *Script {
	s := &Script{
		vm:  goja.New(),
		emu: e,
		out: os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bind()
	return s
}

// Runtime returns the underlying JavaScript runtime.
func (s *Script) Runtime() *goja.Runtime {
	return s.vm
}

// Eval runs code and returns the string form of its completion value, or an
// empty string for undefined.
func (s *Script) Eval(code string) (string, error) {
	v, err := s.vm.RunString(code)
	if err != nil {
		return "", fmt.Errorf("script: %w", err)
	}
	if v == nil || goja.IsUndefined(v) {
		return "", nil
	}
	return v.String(), nil
}

// RunFile evaluates the script at path.
func (s *Script) RunFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	if _, err := s.vm.RunScript(path, string(src)); err != nil {
		return fmt.Errorf("script %s: %w", path, err)
	}
	return nil
}

func (s *Script) throw(err error) {
	panic(s.vm.NewGoError(err))
}

func (s *Script) uint(v goja.Value) uint64 {
	if str, ok := v.Export().(string); ok {
		n, err := ParseUint(strings.TrimSpace(str))
		if err != nil {
			s.throw(err)
		}
		return n
	}
	return uint64(v.ToInteger())
}

func (s *Script) register(name string) insts.Register {
	reg, ok := insts.LookupRegister(name)
	if !ok {
		s.throw(fmt.Errorf("unknown register %q", name))
	}
	return reg
}

func (s *Script) bind() {
	obj := s.vm.NewObject()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(obj.Set("step", func(call goja.FunctionCall) goja.Value {
		n := uint64(1)
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			n = s.uint(arg)
		}
		var done uint64
		for done < n {
			res := s.emu.Step()
			if res.Err != nil {
				s.throw(res.Err)
			}
			done++
			if res.Stopped {
				break
			}
		}
		return s.vm.ToValue(done)
	}))

	must(obj.Set("run", func() uint64 {
		n, err := s.emu.Run()
		if err != nil {
			s.throw(err)
		}
		return n
	}))

	must(obj.Set("reg", func(name string) int64 {
		return int64(s.emu.RegFile().ReadReg(s.register(name)))
	}))

	must(obj.Set("setReg", func(name string, v goja.Value) {
		s.emu.RegFile().WriteReg(s.register(name), s.uint(v))
	}))

	must(obj.Set("read", func(addr goja.Value, n int) []any {
		data, err := s.emu.Bus().ReadExact(s.uint(addr), n)
		if err != nil {
			s.throw(err)
		}
		out := make([]any, len(data))
		for i, b := range data {
			out[i] = int64(b)
		}
		return out
	}))

	must(obj.Set("write", func(addr goja.Value, values []goja.Value) {
		data := make([]byte, len(values))
		for i, v := range values {
			data[i] = byte(v.ToInteger())
		}
		if err := s.emu.Bus().WriteBytes(s.uint(addr), data); err != nil {
			s.throw(err)
		}
	}))

	must(obj.Set("readU64", func(addr goja.Value) int64 {
		v, err := s.emu.Bus().ReadU64(s.uint(addr))
		if err != nil {
			s.throw(err)
		}
		return int64(v)
	}))

	must(obj.Set("writeU64", func(addr, v goja.Value) {
		if err := s.emu.Bus().WriteU64(s.uint(addr), s.uint(v)); err != nil {
			s.throw(err)
		}
	}))

	must(obj.Set("count", func() uint64 {
		return s.emu.InstructionCount()
	}))

	must(s.vm.Set("emu", obj))

	must(s.vm.Set("print", func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, arg := range args {
			parts[i] = arg.String()
		}
		fmt.Fprintln(s.out, strings.Join(parts, " "))
	}))

	must(s.vm.Set("log", func(msg string, kv ...goja.Value) {
		ctx := make([]any, len(kv))
		for i, v := range kv {
			ctx[i] = v.Export()
		}
		log.Info(log.Console, msg, ctx...)
	}))
}
