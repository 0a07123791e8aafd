//go:build !linux

package processor

// pinHostThread is a no-op on hosts without a thread affinity API.
func pinHostThread(number int) (func(), error) {
	return func() {}, nil
}
