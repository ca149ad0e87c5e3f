package config

const (
	defaultInstanceID          = "soloist"
	defaultAutoExit            = true
	defaultVerifyLockOnPromote = true
	defaultPromoteAttempts     = 3
	defaultPromoteWaitMillis   = 500
	defaultTransportKind       = TransportTCP
	defaultHost                = "127.0.0.1"
	defaultPort                = 3000
	defaultPortPolicy          = PortPolicyDynamic
	defaultDialTimeoutMilli    = 2000
	defaultMaxPayloadBytes     = 8 * 1024 * 1024
	defaultDrainTimeoutSeconds = 5
	defaultMetricsAddr         = "127.0.0.1:9464"
	defaultLogFormat           = "auto"
	defaultLogLevel            = "info"
)

// Transport kinds.
const (
	TransportTCP  = "tcp"
	TransportUnix = "unix"
)

// Port policies for the tcp transport.
const (
	PortPolicyDynamic = "dynamic"
	PortPolicyStatic  = "static"
)

// Default returns a Config populated with repository defaults. Instance.Dir is
// left empty and resolved to the OS temporary directory during normalization.
func Default() Config {
	return Config{
		Instance: Instance{
			ID:                  defaultInstanceID,
			AutoExit:            defaultAutoExit,
			VerifyLockOnPromote: defaultVerifyLockOnPromote,
			PromoteAttempts:     defaultPromoteAttempts,
			PromoteWaitMillis:   defaultPromoteWaitMillis,
		},
		Transport: Transport{
			Kind:             defaultTransportKind,
			Host:             defaultHost,
			Port:             defaultPort,
			PortPolicy:       defaultPortPolicy,
			DialTimeoutMilli: defaultDialTimeoutMilli,
		},
		Protocol: Protocol{
			MaxPayloadBytes: defaultMaxPayloadBytes,
		},
		Leader: Leader{
			DrainTimeoutSeconds: defaultDrainTimeoutSeconds,
			MetricsAddr:         defaultMetricsAddr,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
