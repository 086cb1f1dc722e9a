package services

import (
	"context"
	"errors"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl"
)

// errNoListenPort is returned for a WireGuard device that is not listening.
var errNoListenPort = errors.New("wireguard device has no listen port")

// LookupWireGuardDevice checks that the named WireGuard interface exists and listens.
func LookupWireGuardDevice(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("open wireguard control: %w", err)
	}

	defer func() {
		_ = client.Close()
	}()

	device, err := client.Device(name)
	if err != nil {
		return fmt.Errorf("lookup device %s: %w", name, err)
	}

	if device.ListenPort == 0 {
		return fmt.Errorf("%s: %w", name, errNoListenPort)
	}

	return nil
}
