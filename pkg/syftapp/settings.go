package syftapp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openmined/syftbridge/pkg/syftbox"
)

// Settings is the optional app.yaml configuration for an app binary.
// Environment variables with the SYFTBOX prefix override file values,
// e.g. SYFTBOX_HTTP_ADDR overrides http_addr.
type Settings struct {
	AppName       string        `mapstructure:"app_name" validate:"required"`
	HTTPAddr      string        `mapstructure:"http_addr" validate:"omitempty,hostname_port"`
	EndpointTags  []string      `mapstructure:"endpoint_tags"`
	SyftboxConfig string        `mapstructure:"syftbox_config"`
	Debug         DebugSettings `mapstructure:"debug"`
}

// DebugSettings configures the browser debug tool. The app binary is
// responsible for calling EnableDebugTool with these values after its
// routes are registered; they cannot be applied at construction time
// because the tool targets a registered endpoint.
type DebugSettings struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	ExampleRequest string `mapstructure:"example_request"`
	Publish        bool   `mapstructure:"publish"`
}

// SetDefaults fills optional fields.
func (s *Settings) SetDefaults() {
	if s.HTTPAddr == "" {
		s.HTTPAddr = DefaultHTTPAddr
	}
}

// Validate checks the settings' struct tags and reports failures as
// readable field messages.
func (s *Settings) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				switch e.Tag() {
				case "required":
					msgs = append(msgs, fmt.Sprintf("%s is required", e.Namespace()))
				case "hostname_port":
					msgs = append(msgs, fmt.Sprintf("%s must be a host:port address", e.Namespace()))
				default:
					msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
				}
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// LoadSettings reads app settings from path, or from app.yaml/app.yml
// in the working directory when path is empty. A missing default file
// is fine; environment variables alone can configure the app.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else if found := findSettingsFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		// Nothing on disk. Name/type make ReadInConfig return
		// ConfigFileNotFoundError, which is tolerated below.
		v.SetConfigName("app")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SYFTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bind nested keys for env var support.
	_ = v.BindEnv("app_name")
	_ = v.BindEnv("http_addr")
	_ = v.BindEnv("syftbox_config")
	_ = v.BindEnv("debug.enabled")
	_ = v.BindEnv("debug.endpoint")
	_ = v.BindEnv("debug.example_request")
	_ = v.BindEnv("debug.publish")
	// Note: endpoint_tags is an array; use the config file for it.

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read app settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal app settings: %w", err)
	}

	s.SetDefaults()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app settings: %w", err)
	}
	return &s, nil
}

// findSettingsFile looks for app.yaml or app.yml in the working
// directory, requiring an explicit extension.
func findSettingsFile() string {
	for _, name := range []string{"app.yaml", "app.yml"} {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// NewFromSettings builds an App from loaded settings. Extra options are
// applied after the settings-derived ones, so they win on conflict.
func NewFromSettings(s *Settings, opts ...Option) (*App, error) {
	var base []Option
	if s.HTTPAddr != "" {
		base = append(base, WithHTTPAddr(s.HTTPAddr))
	}
	if len(s.EndpointTags) > 0 {
		base = append(base, WithEndpointTags(s.EndpointTags...))
	}
	if s.SyftboxConfig != "" {
		client, err := syftbox.LoadClient(s.SyftboxConfig)
		if err != nil {
			return nil, err
		}
		base = append(base, WithSyftboxClient(client))
	}
	return New(s.AppName, append(base, opts...)...)
}
