// File: endpoint/system.go
// Package endpoint implements the per-connection controller.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Default collaborator implementations; tests substitute the fakes in
// package fake through the With* options.

package endpoint

import (
	"crypto/rand"
	"time"

	"github.com/momentics/wsendpoint/api"
)

type systemClock struct{}

type systemTimer struct{ t *time.Timer }

func (t systemTimer) Stop() bool { return t.t.Stop() }

func (systemClock) AfterFunc(d time.Duration, fn func()) api.Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemRandom struct{}

func (systemRandom) Fill(p []byte) error {
	_, err := rand.Read(p)
	return err
}
