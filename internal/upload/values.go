package upload

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidProxy is returned when a proxy configuration is incomplete.
	ErrInvalidProxy = errors.New("invalid proxy configuration")

	// ErrInvalidCredential is returned when an application credential is
	// incomplete.
	ErrInvalidCredential = errors.New("invalid application credential")

	// ErrInvalidMetadata is returned when a metadata field holds a value the
	// service does not accept.
	ErrInvalidMetadata = errors.New("invalid metadata")
)

// Release types accepted by the service.
const (
	ReleaseTypeEnterprise = "ENTERPRISE"
	ReleaseTypePreProd    = "PRE_PROD"
)

// shared by every value object in the package
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if label := fld.Tag.Get("label"); label != "" {
			return label
		}
		return fld.Name
	})
	return v
}

// ProxyConfig routes upload traffic through an HTTP proxy.
type ProxyConfig struct {
	Hostname          string `label:"proxy hostname" validate:"required"`
	Port              int    `label:"proxy port" validate:"min=1,max=65535"`
	Username          string `label:"proxy username"`
	Password          string `label:"proxy password" validate:"required_with=Username"`
	AllowUntrustedTLS bool
}

// NewProxyConfig validates and returns a ProxyConfig. A username without a
// password is rejected.
func NewProxyConfig(hostname string, port int, username, password string, allowUntrustedTLS bool) (*ProxyConfig, error) {
	p := &ProxyConfig{
		Hostname:          hostname,
		Port:              port,
		Username:          username,
		Password:          password,
		AllowUntrustedTLS: allowUntrustedTLS,
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProxy, describe(err))
	}
	return p, nil
}

// URL returns the proxy URL, carrying the proxy credentials when set.
func (p *ProxyConfig) URL() *url.URL {
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Hostname, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// CredentialAttachment is an application login forwarded to the service so
// it can exercise authenticated parts of the app.
type CredentialAttachment struct {
	Username string `label:"credential username" validate:"required"`
	Password string `label:"credential password" validate:"required"`
	Comments string
}

// NewCredentialAttachment validates and returns a CredentialAttachment. Both
// username and password are required.
func NewCredentialAttachment(username, password, comments string) (*CredentialAttachment, error) {
	c := &CredentialAttachment{Username: username, Password: password, Comments: comments}
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, describe(err))
	}
	return c, nil
}

// Metadata holds the optional descriptive fields sent with a build.
type Metadata struct {
	ReleaseType string  `label:"release type" validate:"omitempty,oneof=ENTERPRISE PRE_PROD"`
	ExternalID  *string `label:"external id" validate:"omitnil,min=1"`
}

// Validate checks the metadata against the values the service accepts.
func (m Metadata) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMetadata, describe(err))
	}
	return nil
}

// Field is a plain text form field.
type Field struct {
	Name  string
	Value string
}

// Fields returns the metadata as form fields, omitting unset values.
func (m Metadata) Fields() []Field {
	var fields []Field
	if m.ReleaseType != "" {
		fields = append(fields, Field{Name: "release_type", Value: m.ReleaseType})
	}
	if m.ExternalID != nil {
		fields = append(fields, Field{Name: "external_id", Value: *m.ExternalID})
	}
	return fields
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" must not be empty")
		case "required_with":
			msgs = append(msgs, fe.Field()+" can't be empty if the username is set")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("only %s %s values are allowed",
				strings.Join(strings.Fields(fe.Param()), " and "), fe.Field()))
		case "min":
			if fe.Kind() == reflect.Int {
				msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
			} else {
				msgs = append(msgs, fe.Field()+" cannot be set to an empty string")
			}
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed the %s check", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
