package ml

import (
	"errors"
	"fmt"
)

var ErrUnsupportedModel = errors.New("unsupported model")

func LoadModel(spec ModelSpec) (Forecaster, error) {
	if spec.Schema != ModelSchema {
		return nil, fmt.Errorf("%w: schema %q, want %q", ErrUnsupportedModel, spec.Schema, ModelSchema)
	}
	if spec.Version != ModelVersion {
		return nil, fmt.Errorf("%w: version %q, want %q", ErrUnsupportedModel, spec.Version, ModelVersion)
	}

	switch spec.Kind {
	case "linear":
		if spec.Path == "" {
			return nil, errors.New("linear model requires a path")
		}
		return LoadLinearModel(spec.Path)
	case "remote":
		if spec.URL == "" {
			return nil, errors.New("remote model requires a url")
		}
		return NewRemoteModel(spec.URL, spec.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedModel, spec.Kind)
	}
}
