// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the server rejected the credentials. Retrying with the
// same credentials will not help.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if len(e.Op) == 0 {
		return fmt.Sprintf("network error: %v", e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

type TLSError struct {
	Err error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls error: %v", e.Err)
}

func (e *TLSError) Unwrap() error {
	return e.Err
}

type DeliveryError struct {
	Permanent   bool
	StatusCode  int
	RetryAfter  time.Duration
	Description string
	Err         error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}

	switch {
	case e.StatusCode != 0 && len(e.Description) > 0:
		return fmt.Sprintf("%s delivery failure (%d): %s", kind, e.StatusCode, e.Description)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s delivery failure (%d)", kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
	default:
		return fmt.Sprintf("%s delivery failure: %s", kind, e.Description)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type TemplateConfigError struct {
	Reason string
}

func (e *TemplateConfigError) Error() string {
	return fmt.Sprintf("invalid template: %s", e.Reason)
}

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsTLSError(err error) bool {
	var target *TLSError
	return errors.As(err, &target)
}

func IsPermanentDeliveryError(err error) bool {
	var target *DeliveryError
	return errors.As(err, &target) && target.Permanent
}

func IsTemplateConfigError(err error) bool {
	var target *TemplateConfigError
	return errors.As(err, &target)
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
