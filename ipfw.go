package macdivert

import "github.com/pkg/errors"

// CompileRule compiles a textual ipfw rule against port into the fixed-size
// binary form the engine consumes. On any compilation error no blob is
// returned, only the engine's diagnostic.
func (e *Engine) CompileRule(rule string, port uint16) ([]byte, error) {
	var (
		blob   = make([]byte, IpfwRuleSize)
		errbuf = make([]byte, ErrbufSize)
	)
	if e.api.compileRule(blob, port, rule, errbuf) != 0 {
		return nil, errors.WithStack(&FilterError{Diag: cstr(errbuf)})
	}
	return blob, nil
}

// PrintRule prints a compiled rule blob through the engine.
func (e *Engine) PrintRule(blob []byte) { e.api.printRule(blob) }

// FlushRules removes every ipfw rule installed by the engine.
func (e *Engine) FlushRules() error {
	var errbuf = make([]byte, ErrbufSize)
	if e.api.flushRules(errbuf) != 0 {
		return errors.Errorf("flush ipfw rules: %s", cstr(errbuf))
	}
	return nil
}
