package ble

// DeviceOption is an interface which the controller should implement to allow using configuration options
type DeviceOption interface {
	SetPublicAddr(DeviceAddr) error
	SetTxPower(dbm int) error
	SetSchedCapacity(n int) error
	SetMasterSCA(sca uint8) error
	SetEventHandler(EventHandler) error
	SetRandSeed(seed int64) error
	SetLogger(Logger) error
}

// An Option is a configuration function, which configures the controller.
type Option func(DeviceOption) error

// OptPublicAddr sets the public device address.
func OptPublicAddr(a DeviceAddr) Option {
	return func(opt DeviceOption) error {
		return opt.SetPublicAddr(a)
	}
}

// OptTxPower sets the transmit power in dBm. The radio rails it to its limits.
func OptTxPower(dbm int) Option {
	return func(opt DeviceOption) error {
		return opt.SetTxPower(dbm)
	}
}

// OptSchedCapacity sets the number of scheduler items the controller can
// have outstanding.
func OptSchedCapacity(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetSchedCapacity(n)
	}
}

// OptMasterSCA sets the sleep clock accuracy advertised in CONNECT_REQ.
func OptMasterSCA(sca uint8) Option {
	return func(opt DeviceOption) error {
		return opt.SetMasterSCA(sca)
	}
}

// OptEventHandler sets the host event handler
func OptEventHandler(h EventHandler) Option {
	return func(opt DeviceOption) error {
		return opt.SetEventHandler(h)
	}
}

// OptRandSeed seeds the controller's random source (access addresses,
// CRC init, hop increment, advertising delay).
func OptRandSeed(seed int64) Option {
	return func(opt DeviceOption) error {
		return opt.SetRandSeed(seed)
	}
}

// OptLogger overrides the logger used by the controller.
func OptLogger(l Logger) Option {
	return func(opt DeviceOption) error {
		return opt.SetLogger(l)
	}
}
