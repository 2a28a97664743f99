//go:build !linux

package ble

import (
	"context"
	"errors"
)

// Radios is only implemented for BlueZ.
func Radios(_ context.Context) ([]Radio, error) {
	return nil, errors.New("ble: radio listing requires BlueZ")
}
