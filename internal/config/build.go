package config

import (
	"fmt"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/connection"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// ConnectionConfigs converts the connection table for the registry.
func (c *Config) ConnectionConfigs() map[string]connection.Config {
	out := make(map[string]connection.Config, len(c.Connections))
	for alias, conn := range c.Connections {
		out[alias] = connection.Config{
			Engine:          conn.Engine,
			ExcludedIndexes: conn.ExcludedIndexes,
			Options: backend.Options{
				Alias:           alias,
				URL:             conn.URL,
				IndexName:       conn.IndexName,
				Path:            conn.Path,
				Timeout:         conn.Timeout,
				SilentlyFail:    conn.SilentlyFail != nil && *conn.SilentlyFail,
				IncludeSpelling: conn.IncludeSpelling,
				BatchSize:       conn.BatchSize,
				DefaultOperator: c.Settings.DefaultOperator,
				Kwargs:          conn.Kwargs,
			},
		}
	}
	return out
}

// BuildRouters compiles the router chain.
func (c *Config) BuildRouters() ([]connection.Router, error) {
	out := make([]connection.Router, 0, len(c.Routers))
	for _, r := range c.Routers {
		gr, err := connection.NewGlobRouter(r.Models, r.Read, r.Write)
		if err != nil {
			return nil, err
		}
		out = append(out, gr)
	}
	return out, nil
}

// BuildIndexes declares every configured index. extra options, such as a
// loader or renderer, are applied to each.
func (c *Config) BuildIndexes(extra func(m model.Model) []index.Option) ([]*index.Index, error) {
	out := make([]*index.Index, 0, len(c.Indexes))
	for _, ic := range c.Indexes {
		m, err := model.Parse(ic.Model)
		if err != nil {
			return nil, err
		}
		opts := make([]index.Option, 0, len(ic.Fields))
		for _, fc := range ic.Fields {
			f, err := fc.Build()
			if err != nil {
				return nil, fmt.Errorf("index %s: field %s: %w", m, fc.Name, err)
			}
			opts = append(opts, index.WithField(fc.Name, f))
		}
		if extra != nil {
			opts = append(opts, extra(m)...)
		}
		idx, err := index.New(m, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// Build creates the field declaration.
func (fc FieldConfig) Build() (*field.Field, error) {
	ft, err := field.ParseType(fc.Type)
	if err != nil {
		return nil, err
	}
	var opts []field.Option
	if fc.Document {
		opts = append(opts, field.Document())
	}
	if fc.SourceAttr != "" {
		opts = append(opts, field.SourceAttr(fc.SourceAttr))
	}
	if fc.Faceted {
		opts = append(opts, field.Faceted())
	}
	if fc.Null {
		opts = append(opts, field.Null())
	}
	if fc.Indexed != nil {
		opts = append(opts, field.Indexed(*fc.Indexed))
	}
	if fc.Stored != nil {
		opts = append(opts, field.Stored(*fc.Stored))
	}
	if fc.Default != nil {
		opts = append(opts, field.Default(fc.Default))
	}
	if fc.Boost != 0 {
		opts = append(opts, field.Boost(fc.Boost))
	}
	if fc.Analyzer != "" {
		opts = append(opts, field.Analyzer(fc.Analyzer))
	}
	if fc.IndexName != "" {
		opts = append(opts, field.IndexName(fc.IndexName))
	}
	if fc.UseTemplate {
		opts = append(opts, field.UseTemplate(fc.Template))
	}
	return field.New(ft, opts...)
}
