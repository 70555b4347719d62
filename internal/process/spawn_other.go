//go:build !unix

package process

func Spawn(spec Spec, opts ...Option) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func closeFD(int) error { return nil }

// Discard records cause as the final status.
func (h *Handle) Discard(cause error) { h.Abandon(cause) }
