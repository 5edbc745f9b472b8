package errors

// Fatal raises err as a fatal error. Fatal errors are not returned: they
// propagate as a panic carrying the *Error so that deferred cleanup along the
// way still runs. Library code never recovers them.
func Fatal(err *Error) {
	err.Fatal = true
	panic(err)
}

// AsFatal reports whether a value recovered from a panic is a fatal error
// raised by Fatal.
func AsFatal(recovered any) (*Error, bool) {
	e, ok := recovered.(*Error)
	if !ok || !e.Fatal {
		return nil, false
	}
	return e, true
}

// Catch runs fn and converts a fatal error raised inside it into a returned
// error. Any other panic is re-raised. Intended for process boundaries such
// as command line front ends and tests.
func Catch(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := AsFatal(r); ok {
				err = fe
				return
			}
			panic(r)
		}
	}()
	return fn()
}
