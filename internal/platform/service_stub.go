//go:build !darwin && !linux

package platform

// New reports that no service manager integration exists here.
func New() (Service, error) {
	return nil, ErrUnsupportedPlatform
}
