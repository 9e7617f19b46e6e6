// Package logger builds the zap logger shared by all components.
package logger

import (
	"go.uber.org/zap"
)

type Sugared = *zap.SugaredLogger

// New returns a production logger for env "prod" and a development logger
// otherwise.
func New(env string) Sugared {
	var z *zap.Logger
	var err error
	if env == "prod" {
		z, err = zap.NewProduction()
	} else {
		z, err = zap.NewDevelopment()
	}
	if err != nil {
		z = zap.NewNop()
	}
	return z.Sugar()
}

// Nop returns a logger that discards everything.
func Nop() Sugared { return zap.NewNop().Sugar() }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Sugared) Sugared {
	if l == nil {
		return Nop()
	}
	return l
}
