// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// ContainerEnginePodman uses Podman to build and run images.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker to build and run images.
	ContainerEngineDocker ContainerEngine = "docker"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces light color scheme.
	ColorSchemeLight ColorScheme = "light"

	// LLMProviderOpenAI talks to the public OpenAI API.
	LLMProviderOpenAI LLMProvider = "openai"
	// LLMProviderAzure talks to an Azure OpenAI resource.
	LLMProviderAzure LLMProvider = "azure"

	// ToolchainAuto picks the toolchain from the files in the build directory.
	ToolchainAuto Toolchain = ""
	// ToolchainCargo builds Rust projects with cargo.
	ToolchainCargo Toolchain = "cargo"
	// ToolchainGo builds Go modules.
	ToolchainGo Toolchain = "go"

	// DefaultAddr is the listen address used when ADDR is unset.
	DefaultAddr = "0.0.0.0:3000"
	// DefaultBodyLimit caps request bodies, large enough for phone photos.
	DefaultBodyLimit int64 = 10_000_000
	// DefaultModel is the chat model used for extraction.
	DefaultModel = "gpt-4o"
	// DefaultOpenAIEndpoint is the public OpenAI API base URL.
	DefaultOpenAIEndpoint = "https://api.openai.com/v1"
	// DefaultScreenshotEndpoint is the APIFlash URL-to-image endpoint.
	DefaultScreenshotEndpoint = "https://api.apiflash.com/v1/urltoimage"
	// DefaultScreenshotDelay gives slow pages time to settle before capture.
	DefaultScreenshotDelay = 10
	// DefaultTimeZone is the zone event times are assumed to be in.
	DefaultTimeZone = "Europe/Berlin"
	// DefaultTimeZoneLabel is how the zone is named in the extraction prompt.
	DefaultTimeZoneLabel = "CEST"
	// DefaultImage is the tag given to the runtime image.
	DefaultImage = "aicalamba:latest"
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidColorScheme is returned when a ColorScheme value is not recognized.
	ErrInvalidColorScheme = errors.New("invalid color scheme")
	// ErrInvalidLLMProvider is returned when an LLMProvider value is not recognized.
	ErrInvalidLLMProvider = errors.New("invalid LLM provider")
	// ErrInvalidToolchain is returned when a Toolchain value is not recognized.
	ErrInvalidToolchain = errors.New("invalid toolchain")
	// ErrInvalidEndpoint is returned when an endpoint is not an absolute http(s) URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrInvalidTimeZone is returned when a time zone cannot be loaded.
	ErrInvalidTimeZone = errors.New("invalid time zone")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine specifies which container CLI builds and runs images.
	ContainerEngine string

	// InvalidContainerEngineError is returned when a ContainerEngine value is not recognized.
	// It wraps ErrInvalidContainerEngine for errors.Is() compatibility.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// ColorScheme specifies the terminal color scheme preference.
	ColorScheme string

	// InvalidColorSchemeError is returned when a ColorScheme value is not recognized.
	InvalidColorSchemeError struct {
		Value ColorScheme
	}

	// LLMProvider selects the kind of chat-completion endpoint.
	LLMProvider string

	// InvalidLLMProviderError is returned when an LLMProvider value is not recognized.
	InvalidLLMProviderError struct {
		Value LLMProvider
	}

	// Toolchain selects the builder profile of the image pipeline.
	Toolchain string

	// InvalidToolchainError is returned when a Toolchain value is not recognized.
	InvalidToolchainError struct {
		Value Toolchain
	}

	// Endpoint is an absolute http or https URL.
	Endpoint string

	// InvalidEndpointError is returned when an Endpoint does not parse as
	// an absolute http(s) URL.
	InvalidEndpointError struct {
		Field string
		Value Endpoint
	}

	// InvalidTimeZoneError is returned when the configured zone is unknown.
	InvalidTimeZoneError struct {
		Value string
		Cause error
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors from all sub-components.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// ContainerEngine specifies whether to use "podman" or "docker"
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// UI configures the terminal output
		UI UIConfig `json:"ui" mapstructure:"ui"`
		// Server configures the HTTP service
		Server ServerConfig `json:"server" mapstructure:"server"`
		// LLM configures the chat-completion client
		LLM LLMConfig `json:"llm" mapstructure:"llm"`
		// Screenshot configures the URL-to-image client
		Screenshot ScreenshotConfig `json:"screenshot" mapstructure:"screenshot"`
		// Calendar configures event extraction
		Calendar CalendarConfig `json:"calendar" mapstructure:"calendar"`
		// Build configures the image pipeline
		Build BuildConfig `json:"build" mapstructure:"build"`
	}

	// UIConfig configures the user interface.
	UIConfig struct {
		// ColorScheme sets the color scheme
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme"`
		// Verbose enables debug logging and full error chains
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}

	// ServerConfig configures the HTTP service.
	ServerConfig struct {
		// Addr is the listen address (env ADDR)
		Addr string `json:"addr" mapstructure:"addr"`
		// BodyLimit caps request bodies in bytes
		BodyLimit int64 `json:"body_limit" mapstructure:"body_limit"`
		// ShutdownTimeout bounds graceful shutdown
		ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	}

	// LLMConfig configures the chat-completion client.
	LLMConfig struct {
		// Provider is "openai" or "azure"
		Provider LLMProvider `json:"provider" mapstructure:"provider"`
		// Endpoint is the API base URL
		Endpoint Endpoint `json:"endpoint" mapstructure:"endpoint"`
		// Model is the model or Azure deployment name
		Model string `json:"model" mapstructure:"model"`
		// APIKey is read from OPENAI_KEY only and never written to files
		APIKey string `json:"-" mapstructure:"api_key"`
	}

	// ScreenshotConfig configures the URL-to-image client.
	ScreenshotConfig struct {
		// Endpoint is the APIFlash URL-to-image endpoint
		Endpoint Endpoint `json:"endpoint" mapstructure:"endpoint"`
		// DelaySeconds waits before capture so slow pages finish rendering
		DelaySeconds int `json:"delay_seconds" mapstructure:"delay_seconds"`
		// APIKey is read from APIFLASH_KEY only and never written to files
		APIKey string `json:"-" mapstructure:"api_key"`
	}

	// CalendarConfig configures event extraction.
	CalendarConfig struct {
		// TimeZone is the IANA zone event times are assumed to be in
		TimeZone string `json:"time_zone" mapstructure:"time_zone"`
		// TimeZoneLabel is the short zone name used in the prompt
		TimeZoneLabel string `json:"time_zone_label" mapstructure:"time_zone_label"`
	}

	// BuildConfig configures the image pipeline.
	BuildConfig struct {
		// Image is the runtime image tag
		Image string `json:"image" mapstructure:"image"`
		// Toolchain forces a builder profile; empty detects it
		Toolchain Toolchain `json:"toolchain" mapstructure:"toolchain"`
		// BuilderImage overrides the toolchain's builder base image
		BuilderImage string `json:"builder_image" mapstructure:"builder_image"`
		// RuntimeImage overrides the runtime base image
		RuntimeImage string `json:"runtime_image" mapstructure:"runtime_image"`
		// NoCache rebuilds the dependency stage even when it exists
		NoCache bool `json:"no_cache" mapstructure:"no_cache"`
	}
)

// IsValid returns whether the Config has valid fields, collecting every
// field-level error.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if valid, fieldErrs := c.ContainerEngine.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.UI.ColorScheme.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.LLM.Provider.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.LLM.Endpoint.isValid("llm.endpoint"); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Screenshot.Endpoint.isValid("screenshot.endpoint"); !valid {
		errs = append(errs, fieldErrs...)
	}
	if _, err := time.LoadLocation(c.Calendar.TimeZone); err != nil {
		errs = append(errs, &InvalidTimeZoneError{Value: c.Calendar.TimeZone, Cause: err})
	}
	if valid, fieldErrs := c.Build.Toolchain.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, fe := range e.FieldErrors {
		msgs = append(msgs, fe.Error())
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// Error implements the error interface for InvalidContainerEngineError.
func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: podman, docker)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

// String returns the string representation of the ContainerEngine.
func (ce ContainerEngine) String() string { return string(ce) }

// IsValid returns whether the ContainerEngine is one of the defined engine types,
// and a list of validation errors if it is not.
func (ce ContainerEngine) IsValid() (bool, []error) {
	switch ce {
	case ContainerEnginePodman, ContainerEngineDocker:
		return true, nil
	default:
		return false, []error{&InvalidContainerEngineError{Value: ce}}
	}
}

// Error implements the error interface for InvalidColorSchemeError.
func (e *InvalidColorSchemeError) Error() string {
	return fmt.Sprintf("invalid color scheme %q (valid: auto, dark, light)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidColorSchemeError) Unwrap() error { return ErrInvalidColorScheme }

// String returns the string representation of the ColorScheme.
func (cs ColorScheme) String() string { return string(cs) }

// IsValid returns whether the ColorScheme is one of the defined color schemes.
func (cs ColorScheme) IsValid() (bool, []error) {
	switch cs {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return true, nil
	default:
		return false, []error{&InvalidColorSchemeError{Value: cs}}
	}
}

// Error implements the error interface for InvalidLLMProviderError.
func (e *InvalidLLMProviderError) Error() string {
	return fmt.Sprintf("invalid LLM provider %q (valid: openai, azure)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidLLMProviderError) Unwrap() error { return ErrInvalidLLMProvider }

// String returns the string representation of the LLMProvider.
func (p LLMProvider) String() string { return string(p) }

// IsValid returns whether the LLMProvider is known.
func (p LLMProvider) IsValid() (bool, []error) {
	switch p {
	case LLMProviderOpenAI, LLMProviderAzure:
		return true, nil
	default:
		return false, []error{&InvalidLLMProviderError{Value: p}}
	}
}

// Error implements the error interface for InvalidToolchainError.
func (e *InvalidToolchainError) Error() string {
	return fmt.Sprintf("invalid toolchain %q (valid: cargo, go, or empty to detect)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidToolchainError) Unwrap() error { return ErrInvalidToolchain }

// String returns the string representation of the Toolchain.
func (t Toolchain) String() string { return string(t) }

// IsValid returns whether the Toolchain is known. The zero value is valid.
func (t Toolchain) IsValid() (bool, []error) {
	switch t {
	case ToolchainAuto, ToolchainCargo, ToolchainGo:
		return true, nil
	default:
		return false, []error{&InvalidToolchainError{Value: t}}
	}
}

// Error implements the error interface for InvalidEndpointError.
func (e *InvalidEndpointError) Error() string {
	return fmt.Sprintf("%s: invalid endpoint %q: must be an absolute http(s) URL", e.Field, e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidEndpointError) Unwrap() error { return ErrInvalidEndpoint }

// String returns the string representation of the Endpoint.
func (ep Endpoint) String() string { return string(ep) }

// IsValid returns whether the Endpoint is an absolute http(s) URL.
func (ep Endpoint) IsValid() (bool, []error) {
	return ep.isValid("endpoint")
}

func (ep Endpoint) isValid(field string) (bool, []error) {
	u, err := url.Parse(string(ep))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false, []error{&InvalidEndpointError{Field: field, Value: ep}}
	}
	return true, nil
}

// Error implements the error interface for InvalidTimeZoneError.
func (e *InvalidTimeZoneError) Error() string {
	return fmt.Sprintf("invalid time zone %q: %v", e.Value, e.Cause)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidTimeZoneError) Unwrap() error { return ErrInvalidTimeZone }

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineDocker,
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
			Verbose:     false,
		},
		Server: ServerConfig{
			Addr:            DefaultAddr,
			BodyLimit:       DefaultBodyLimit,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider: LLMProviderOpenAI,
			Endpoint: DefaultOpenAIEndpoint,
			Model:    DefaultModel,
		},
		Screenshot: ScreenshotConfig{
			Endpoint:     DefaultScreenshotEndpoint,
			DelaySeconds: DefaultScreenshotDelay,
		},
		Calendar: CalendarConfig{
			TimeZone:      DefaultTimeZone,
			TimeZoneLabel: DefaultTimeZoneLabel,
		},
		Build: BuildConfig{
			Image:     DefaultImage,
			Toolchain: ToolchainAuto,
		},
	}
}
