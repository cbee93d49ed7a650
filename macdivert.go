// Package macdivert wraps the libdivert packet-diversion engine. It diverts
// IP packets matching an ipfw rule out of the kernel, hands them to the
// caller for inspection or modification, and reinjects them into the network
// stack. Capture itself happens inside the engine; this package orchestrates
// handle lifecycle, the callback-to-reader queue and reinjection.
package macdivert

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	libName  = "libdivert.so"
	kextName = "PacketPID.kext"
)

// Engine is the loaded capture engine plus its installed kernel extension.
// There is at most one per process.
type Engine struct {
	libPath  string
	kextPath string

	api *procs
}

type Option func(*Engine)

// WithLibrary sets the libdivert shared library path, default is next to the
// executable.
func WithLibrary(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.libPath = path
		}
	}
}

// WithKext sets the PacketPID kernel extension bundle path, default is next
// to the executable.
func WithKext(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.kextPath = path
		}
	}
}

var (
	loadOnce sync.Once
	loaded   *Engine
	loadErr  error
)

// Load dlopens libdivert, binds and validates its symbol table and installs
// the kernel extension. Engine and driver initialization happen once per
// process: every call after the first returns the first call's result and
// ignores opts.
func Load(opts ...Option) (*Engine, error) {
	loadOnce.Do(func() {
		loaded, loadErr = load(opts...)
	})
	return loaded, loadErr
}

func load(opts ...Option) (*Engine, error) {
	var e = &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.libPath == "" {
		e.libPath = defaultPath(libName)
	}
	if e.kextPath == "" {
		e.kextPath = defaultPath(kextName)
	}

	if fi, err := os.Stat(e.libPath); err != nil || fi.IsDir() {
		return nil, errors.Errorf("unable to find %s", e.libPath)
	}
	if fi, err := os.Stat(e.kextPath); err != nil || !fi.IsDir() {
		return nil, errors.Errorf("unable to find kext bundle %s", e.kextPath)
	}

	lib, err := purego.Dlopen(e.libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", e.libPath)
	}
	if e.api, err = bind(lib); err != nil {
		return nil, err
	}
	if err := e.loadKext(e.kextPath); err != nil {
		return nil, err
	}
	return e, nil
}

func defaultPath(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// bind registers every required engine symbol into the procs table, libc's
// fopen/fclose included. A missing symbol means the library is not a
// compatible libdivert build.
func bind(lib uintptr) (*procs, error) {
	var p = &procs{}
	var table = []struct {
		name string
		fn   any
	}{
		{"divert_create", &p.create},
		{"divert_activate", &p.activate},
		{"divert_update_ipfw", &p.updateIpfw},
		{"divert_loop", &p.loop},
		{"divert_is_looping", &p.isLooping},
		{"divert_loop_stop", &p.loopStop},
		{"divert_loop_wait", &p.loopWait},
		{"divert_reinject", &p.reinject},
		{"divert_close", &p.close},
		{"divert_is_inbound", &p.isInbound},
		{"divert_is_outbound", &p.isOutbound},
		{"divert_set_callback", &p.setCallback},
		{"divert_set_device", &p.setDevice},
		{"divert_init_pcap", &p.initPcap},
		{"divert_dump_pcap", &p.dumpPcap},
		{"divert_find_tcp_stream", &p.findTCPStream},
		{"divert_load_kext", &p.loadKext},
		{"divert_unload_kext", &p.unloadKext},
		{"ipfw_compile_rule", &p.compileRule},
		{"ipfw_print_rule", &p.printRule},
		{"ipfw_flush", &p.flushRules},
	}
	for _, e := range table {
		if sym, err := purego.Dlsym(lib, e.name); err != nil || sym == 0 {
			return nil, errors.WithStack(ErrIncompatibleEngine{Symbol: e.name})
		}
		purego.RegisterLibFunc(e.fn, lib, e.name)
	}

	for _, e := range []struct {
		name string
		fn   any
	}{
		{"fopen", &p.fopen},
		{"fclose", &p.fclose},
	} {
		if sym, err := purego.Dlsym(purego.RTLD_DEFAULT, e.name); err != nil || sym == 0 {
			return nil, errors.Errorf("unable to resolve libc %s", e.name)
		}
		purego.RegisterLibFunc(e.fn, purego.RTLD_DEFAULT, e.name)
	}
	return p, nil
}

// loadKext installs the kernel extension. The install requires the bundle to
// be owned by root, so ownership is escalated for the duration of the call
// and restored afterwards, success or not.
func (e *Engine) loadKext(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return errors.Wrap(err, path)
	}
	if err := chownRecursive(path, 0, 0); err != nil {
		return errors.Wrap(err, path)
	}
	defer chownRecursive(path, int(st.Uid), int(st.Gid))

	if e.api.loadKext(path) != 0 {
		return errors.Errorf("could not load kernel extension %s", path)
	}
	return nil
}

func chownRecursive(path string, uid, gid int) error {
	return filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(p, uid, gid)
	})
}

// Unload removes the kernel extension from the running system.
func (e *Engine) Unload() error {
	if e.api.unloadKext() != 0 {
		return errors.New("could not unload kernel extension")
	}
	return nil
}
