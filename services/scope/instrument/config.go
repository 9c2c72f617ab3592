// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instrument

import (
	"reflect"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/go-playground/validator/v10"
)

// ExporterKind selects the span exporter.
type ExporterKind string

const (
	// ExporterGRPC sends OTLP over gRPC.
	ExporterGRPC ExporterKind = "grpc"

	// ExporterHTTP sends OTLP over HTTP/protobuf.
	ExporterHTTP ExporterKind = "http"

	// ExporterStdout writes spans to stdout.
	ExporterStdout ExporterKind = "stdout"

	// ExporterNone records spans without exporting them.
	ExporterNone ExporterKind = "none"
)

// Settings keys read by ConfigFromSettings in addition to the override keys.
const (
	KeyOTLPEndpoint = "OTLP_ENDPOINT"
	KeyOTLPExporter = "OTLP_EXPORTER"
	KeyOTLPInsecure = "OTLP_INSECURE"
	KeyEnvironment  = "DEPLOYMENT_ENVIRONMENT"
)

// DefaultEndpoint is the collector used when none is configured.
const DefaultEndpoint = "https://otlp.arize.com/v1"

// TelemetryKeys are the override keys that feed a Config. Requests that
// override any of them get a dedicated tracer pipeline.
var TelemetryKeys = []string{
	settings.KeySpaceID,
	settings.KeyAPIKey,
	settings.KeyModelID,
	settings.KeyProjectName,
}

// Config describes one trace export pipeline.
//
// The `setting` tag names the field in validation errors so callers can
// report the settings key that was missing.
type Config struct {
	// SpaceID identifies the destination space. Sent as the "space_id" header.
	SpaceID string `json:"space_id" setting:"SPACE_ID" validate:"required"`

	// APIKey authenticates with the collector. Sent as the "api_key" header.
	APIKey string `json:"-" setting:"API_KEY" validate:"required"`

	// ModelID is attached to the resource as "model_id".
	ModelID string `json:"model_id,omitempty" setting:"MODEL_ID"`

	// ProjectName is attached to the resource as "openinference.project.name".
	ProjectName string `json:"project_name,omitempty" setting:"PROJECT_NAME"`

	// ServiceName is the resource service.name. Default: "aleutian-scope".
	ServiceName string `json:"service_name" setting:"SERVICE_NAME"`

	// Environment is the resource deployment.environment.
	Environment string `json:"environment,omitempty" setting:"DEPLOYMENT_ENVIRONMENT"`

	// Exporter selects the exporter. Default: grpc.
	Exporter ExporterKind `json:"exporter" setting:"OTLP_EXPORTER" validate:"oneof=grpc http stdout none"`

	// Endpoint is the collector URL or host:port for grpc and http exporters.
	Endpoint string `json:"endpoint,omitempty" setting:"OTLP_ENDPOINT"`

	// Insecure disables TLS to the collector.
	Insecure bool `json:"insecure" setting:"OTLP_INSECURE"`

	// Headers are sent with every export in addition to the auth headers.
	Headers map[string]string `json:"-" setting:"OTLP_HEADERS"`
}

// DefaultConfig returns a Config with defaults and no credentials.
func DefaultConfig() Config {
	return Config{
		ServiceName: "aleutian-scope",
		Environment: "development",
		Exporter:    ExporterGRPC,
		Endpoint:    DefaultEndpoint,
	}
}

// applyDefaults fills zero-valued optional fields.
func (c Config) applyDefaults() Config {
	d := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.Exporter == "" {
		c.Exporter = d.Exporter
	}
	if c.Endpoint == "" && (c.Exporter == ExporterGRPC || c.Exporter == ExporterHTTP) {
		c.Endpoint = d.Endpoint
	}
	return c
}

// authHeaders returns the export headers, including space_id and api_key.
func (c Config) authHeaders() map[string]string {
	h := make(map[string]string, len(c.Headers)+2)
	for k, v := range c.Headers {
		h[k] = v
	}
	h["space_id"] = c.SpaceID
	h["api_key"] = c.APIKey
	return h
}

// =============================================================================
// Validation
// =============================================================================

var (
	configValidate     *validator.Validate
	configValidateOnce sync.Once
)

func getValidator() *validator.Validate {
	configValidateOnce.Do(func() {
		configValidate = validator.New()
		configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
			if name := f.Tag.Get("setting"); name != "" {
				return name
			}
			return f.Name
		})
	})
	return configValidate
}

// Validate checks c after defaults are applied and returns a
// *ConfigurationError naming every invalid field.
func (c Config) Validate() error {
	c = c.applyDefaults()
	c.SpaceID = strings.TrimSpace(c.SpaceID)
	c.APIKey = strings.TrimSpace(c.APIKey)

	err := getValidator().Struct(c)
	if err == nil {
		return nil
	}

	cfgErr := &ConfigurationError{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				cfgErr.Missing = append(cfgErr.Missing, fe.Field())
			} else {
				cfgErr.Invalid = append(cfgErr.Invalid, fe.Field())
			}
		}
		return cfgErr
	}
	cfgErr.Err = err
	return cfgErr
}

// ConfigFromSettings builds a Config from an effective configuration,
// falling back to base for every setting that is blank in eff.
func ConfigFromSettings(eff settings.Effective, base Config) Config {
	cfg := base
	if base.Headers != nil {
		cfg.Headers = make(map[string]string, len(base.Headers))
		for k, v := range base.Headers {
			cfg.Headers[k] = v
		}
	}

	set := func(dst *string, key string) {
		if v := strings.TrimSpace(eff.Get(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.SpaceID, settings.KeySpaceID)
	set(&cfg.APIKey, settings.KeyAPIKey)
	set(&cfg.ModelID, settings.KeyModelID)
	set(&cfg.ProjectName, settings.KeyProjectName)
	set(&cfg.Endpoint, KeyOTLPEndpoint)
	set(&cfg.Environment, KeyEnvironment)

	if v := strings.TrimSpace(eff.Get(KeyOTLPExporter)); v != "" {
		cfg.Exporter = ExporterKind(strings.ToLower(v))
	}
	switch strings.ToLower(strings.TrimSpace(eff.Get(KeyOTLPInsecure))) {
	case "true", "1", "yes":
		cfg.Insecure = true
	case "false", "0", "no":
		cfg.Insecure = false
	}
	return cfg
}
