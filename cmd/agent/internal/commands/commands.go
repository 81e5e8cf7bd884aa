package commands

import "errors"

type Globals struct {
	Debug   bool
	Version string
}

// ErrIssuanceFailed is returned when at least one profile failed to obtain
// a certificate.
var ErrIssuanceFailed = errors.New("one or more profiles failed")

// ErrHardeningFailed is returned when certificates were issued but the
// config could not be flipped to verified mode. Callers exit with a
// distinct status so operators notice TLS verification is still off.
var ErrHardeningFailed = errors.New("certificate issued but config hardening failed")
