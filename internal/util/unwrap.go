package util

// Is reports whether target is anywhere in err chain, looking through
// stackerr wrappers that do not implement Unwrap.
func Is(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		err = unwrap(err)
	}
	return false
}

// unwrap returns next error of chain built from stackerr (Underlying),
// standard library or pkg/errors (Unwrap, Cause) wrappers.
func unwrap(err error) error {
	switch e := err.(type) {
	case interface{ Underlying() error }:
		return e.Underlying()
	case interface{ Unwrap() error }:
		return e.Unwrap()
	case interface{ Cause() error }:
		return e.Cause()
	}
	return nil
}
