//go:build !linux

package bus

func init() {
	Register(SocketCANAdapter, func(cfg Config) (Bus, error) {
		return nil, ErrUnsupported
	})
}
