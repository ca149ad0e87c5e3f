package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describeValidationError(err)
	}
	if err := ValidateIdentity(c.Instance.ID); err != nil {
		return fmt.Errorf("instance.id: %w", err)
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	if c.Leader.Metrics {
		if _, _, err := net.SplitHostPort(c.Leader.MetricsAddr); err != nil {
			return fmt.Errorf("leader.metrics_addr %q: %w", c.Leader.MetricsAddr, err)
		}
	}
	return nil
}

// ValidateIdentity rejects identities that cannot safely name files in the shared directory.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return errors.New("identity must not be empty")
	}
	if strings.ContainsAny(identity, "/\\\x00") {
		return fmt.Errorf("identity %q must not contain path separators or NUL", identity)
	}
	if identity == "." || identity == ".." {
		return fmt.Errorf("identity %q is reserved", identity)
	}
	return nil
}

func (c *Config) validateTransport() error {
	if c.Transport.Kind != TransportTCP {
		return nil
	}
	ip := net.ParseIP(c.Transport.Host)
	if ip == nil && c.Transport.Host != "localhost" {
		return fmt.Errorf("transport.host %q must be an IP address or localhost", c.Transport.Host)
	}
	if ip != nil && !ip.IsLoopback() {
		return fmt.Errorf("transport.host %q must be a loopback address", c.Transport.Host)
	}
	if c.Transport.PortPolicy == PortPolicyStatic && c.Transport.Port == 0 {
		return errors.New("transport.port must be set when transport.port_policy is static")
	}
	return nil
}

func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s must be set", field)
	case "oneof":
		return fmt.Errorf("%s: unsupported value %q (expected one of %s)", field, fmt.Sprint(fe.Value()), fe.Param())
	case "min":
		return fmt.Errorf("%s must be >= %s", field, fe.Param())
	case "max":
		return fmt.Errorf("%s must be <= %s", field, fe.Param())
	default:
		return fmt.Errorf("%s failed %s validation", field, fe.Tag())
	}
}
