// Package config loads and validates the JSON configuration document: a
// single top-level "ssf" object describing the TLS material, the upstream
// HTTP/SOCKS proxy to traverse, and which microservices this node runs.
// The document is decoded by viper (file plus environment-variable
// overrides) into plain structs and checked with
// go-playground/validator/v10.
package config

import (
	"errors"
	"os"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
)

// TLS is ssf.tls.*. At most one of each Path/Buffer pair may be
// set; validated with a custom "xorempty" rule below.
type TLS struct {
	CACertPath  string `mapstructure:"ca_cert_path" json:"ca_cert_path,omitempty" validate:"xorempty=CACertBuf"`
	CACertBuf   string `mapstructure:"ca_cert_buffer" json:"ca_cert_buffer,omitempty"`
	CertPath    string `mapstructure:"cert_path" json:"cert_path,omitempty" validate:"xorempty=CertBuf"`
	CertBuf     string `mapstructure:"cert_buffer" json:"cert_buffer,omitempty"`
	KeyPath     string `mapstructure:"key_path" json:"key_path,omitempty" validate:"xorempty=KeyBuf"`
	KeyBuf      string `mapstructure:"key_buffer" json:"key_buffer,omitempty"`
	DHPath      string `mapstructure:"dh_path" json:"dh_path,omitempty" validate:"xorempty=DHBuf"`
	DHBuf       string `mapstructure:"dh_buffer" json:"dh_buffer,omitempty"`
	KeyPassword string `mapstructure:"key_password" json:"key_password,omitempty"`
	CipherAlg   string `mapstructure:"cipher_alg" json:"cipher_alg,omitempty"`
}

// ProxyCredentials is ssf.http_proxy.credentials.*.
type ProxyCredentials struct {
	Username  string `mapstructure:"username" json:"username,omitempty"`
	Domain    string `mapstructure:"domain" json:"domain,omitempty"`
	Password  string `mapstructure:"password" json:"password,omitempty"`
	ReuseNTLM bool   `mapstructure:"reuse_ntlm" json:"reuse_ntlm,omitempty"`
	ReuseKerb bool   `mapstructure:"reuse_kerb" json:"reuse_kerb,omitempty"`
}

// HTTPProxy is ssf.http_proxy.*.
type HTTPProxy struct {
	Host        string           `mapstructure:"host" json:"host,omitempty"`
	Port        uint16           `mapstructure:"port" json:"port,omitempty"`
	Credentials ProxyCredentials `mapstructure:"credentials" json:"credentials,omitempty"`
}

// SOCKSProxy is ssf.socks_proxy.*. Version must be 4 or 5.
type SOCKSProxy struct {
	Version int    `mapstructure:"version" json:"version,omitempty" validate:"omitempty,oneof=4 5"`
	Host    string `mapstructure:"host" json:"host,omitempty"`
	Port    uint16 `mapstructure:"port" json:"port,omitempty"`
}

// ListenerService is the shape shared by ssf.services.datagram_listener and
// ssf.services.stream_listener: enable flag plus the
// gateway_ports bind-scope toggle.
type ListenerService struct {
	Enable       bool `mapstructure:"enable" json:"enable"`
	GatewayPorts bool `mapstructure:"gateway_ports" json:"gateway_ports"`
}

// ToggleService is the shape shared by every other per-microservice block
// that carries only an on/off switch (forwarder, copy, socks).
type ToggleService struct {
	Enable bool `mapstructure:"enable" json:"enable"`
}

// ShellService is ssf.services.shell.*.
type ShellService struct {
	Enable bool   `mapstructure:"enable" json:"enable"`
	Path   string `mapstructure:"path" json:"path,omitempty"`
	Args   string `mapstructure:"args" json:"args,omitempty"`
}

// Services is ssf.services.*.
type Services struct {
	DatagramForwarder ToggleService   `mapstructure:"datagram_forwarder" json:"datagram_forwarder,omitempty"`
	DatagramListener  ListenerService `mapstructure:"datagram_listener" json:"datagram_listener,omitempty"`
	StreamForwarder   ToggleService   `mapstructure:"stream_forwarder" json:"stream_forwarder,omitempty"`
	StreamListener    ListenerService `mapstructure:"stream_listener" json:"stream_listener,omitempty"`
	Copy              ToggleService   `mapstructure:"copy" json:"copy,omitempty"`
	Socks             ToggleService   `mapstructure:"socks" json:"socks,omitempty"`
	Shell             ShellService    `mapstructure:"shell" json:"shell,omitempty"`
}

// SSF is the document's top-level "ssf" object.
type SSF struct {
	TLS        TLS        `mapstructure:"tls" json:"tls,omitempty"`
	HTTPProxy  HTTPProxy  `mapstructure:"http_proxy" json:"http_proxy,omitempty"`
	SOCKSProxy SOCKSProxy `mapstructure:"socks_proxy" json:"socks_proxy,omitempty"`
	Services   Services   `mapstructure:"services" json:"services,omitempty"`
}

// Document is the full JSON config file: {"ssf": {...}}.
type Document struct {
	SSF SSF `mapstructure:"ssf" json:"ssf"`
}

// xorEmpty validates that at most one of the tagged field and the named
// sibling field is non-empty -- the ca_cert_path/ca_cert_buffer style
// mutual exclusion required of every TLS material field.
func xorEmpty(fl validator.FieldLevel) bool {
	field := fl.Field().String()
	other := fl.Parent().FieldByName(fl.Param())
	if !other.IsValid() {
		return true
	}
	return field == "" || other.String() == ""
}

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("xorempty", xorEmpty); err != nil {
		panic(err)
	}
	return v
}

// Validate runs go-playground/validator/v10 struct rules over d, translating
// field-level constraint violations into a single
// sserr.KindMissingConfigParameters error naming the offending fields: the
// document parsed but does not describe a usable configuration. Any other
// validator failure is reported as sserr.KindInvalidArgument.
func (d *Document) Validate() error {
	if err := newValidator().Struct(d); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok {
			var names []string
			for _, fe := range ve {
				names = append(names, fe.StructNamespace())
			}
			return sserr.New(sserr.KindMissingConfigParameters, "config: invalid fields: "+strings.Join(names, ", "))
		}
		return sserr.Wrap(sserr.KindInvalidArgument, err)
	}
	return nil
}

// Load reads the JSON config at path (if non-empty) via viper, overlaying
// any SSF_-prefixed environment variables (e.g. SSF_TLS_CERT_PATH maps to
// ssf.tls.cert_path). A missing file is not an error: the returned
// Document is then whatever the environment variables (or nothing)
// supplied, still subject to Validate.
func Load(path string) (*Document, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("SSF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// With an explicit config file, a missing path surfaces as a
			// plain open error rather than ConfigFileNotFoundError.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, sserr.Wrap(sserr.KindInvalidArgument, err)
			}
		}
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, sserr.Wrap(sserr.KindInvalidArgument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
