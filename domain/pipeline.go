// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

type PipelineState string

const (
	PipelineStopped      = PipelineState("stopped")
	PipelineConnecting   = PipelineState("connecting")
	PipelineRunning      = PipelineState("running")
	PipelineReconnecting = PipelineState("reconnecting")
	PipelineStopping     = PipelineState("stopping")
)

type TemplateConfig struct {
	Text       string
	TimeFormat string
	Location   *time.Location
	// MaxBody is the body length in characters, zero keeps the default.
	MaxBody int
}
