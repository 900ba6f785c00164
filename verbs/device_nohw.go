//go:build !cgo || !ibverbs

package verbs

func openHardwareDevice(name string) (Device, error) {
	return nil, ErrProviderUnavailable
}
