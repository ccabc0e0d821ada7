package mesh

import "fmt"

// configError reports a Config validation failure from NewConfig.
// Unlike the allocation-path failures below, this is an ordinary
// returned error: it happens before any arena or thread state exists,
// so there is nothing to abort.
type configError struct{ msg string }

func (e configError) Error() string { return "mesh: invalid config: " + e.msg }

func errInvalidConfig(msg string) error { return configError{msg: msg} }

// fatalError marks a failure spec.md §7 would abort(2) the process
// for (mmap/mprotect/fork-rebuild failures). Arena exhaustion is not
// among them: Arena.PageAlloc panics when a request no longer fits in
// the reservation. Go code
// cannot raise SIGABRT inside a host process without tearing down
// state the embedder may still need to flush, so it is instead
// returned as an ordinary error up to the public API, which logs it
// via zerolog at Error level and returns a zero value to the caller —
// see DESIGN.md's "Abort path". fatalError exists only to give that
// log line a typed, greppable cause.
type fatalError struct {
	op  string
	err error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("mesh: fatal in %s: %v", e.op, e.err)
}

func (e *fatalError) Unwrap() error { return e.err }

// errAllocExhausted wraps a refill that came back empty-handed, with no
// free slot to hand out. Running out of arena space never reaches this
// error: Arena.PageAlloc panics in that case.
var errAllocExhausted = fmt.Errorf("mesh: allocation exhausted")
