package store

import "fmt"

// ThunkMiddleware runs Thunk and AsyncThunk values against the store
// instead of forwarding them to the reducers.
func ThunkMiddleware(api API, next DispatchFunc) DispatchFunc {
	return func(d Dispatchable) (any, error) {
		switch t := d.(type) {
		case Thunk:
			if t == nil {
				return nil, fmt.Errorf("dispatch: nil thunk")
			}
			return t(api), nil
		case AsyncThunk:
			if t == nil {
				return nil, fmt.Errorf("dispatch: nil async thunk")
			}
			return nil, t(api)
		default:
			return next(d)
		}
	}
}
