// +build !nobluetooth

package channel

import (
	"context"
	"time"

	"github.com/currantlabs/ble"
)

// BLECentral implements Channel for the initiating role, dialing a
// peripheral's GATT service/characteristic and bridging notifications into
// the single-consumer queue the session layer expects. Discovery and
// dialing are the package-level Scan and Connect functions; BLECentral does
// not implement Scanner.
type BLECentral struct {
	mtu    int
	client ble.Client
	char   *ble.Characteristic
	in     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Scan discovers advertising peripherals exposing ServiceUUID for the
// given duration.
func Scan(ctx context.Context, timeout time.Duration) ([]ScannedDevice, error) {
	scanCtx := ble.WithSigHandler(context.WithTimeout(ctx, timeout))
	var found []ScannedDevice
	err := ble.Scan(scanCtx, false, func(a ble.Advertisement) {
		found = append(found, ScannedDevice{
			Address: a.Addr().String(),
			Name:    a.LocalName(),
		})
	}, func(a ble.Advertisement) bool {
		for _, svc := range a.Services() {
			if svc.Equal(ServiceUUID) {
				return true
			}
		}
		return false
	})
	if err != nil && err != context.DeadlineExceeded {
		return nil, err
	}
	return found, nil
}

// Connect dials device, discovers the bleRPC characteristic, subscribes to
// notifications, and returns a ready-to-use Channel. mtu is the channel's
// initially assumed ATT MTU; callers may re-create the Channel after an
// MTU exchange if the stack supports negotiating a larger one.
func Connect(ctx context.Context, device ScannedDevice, mtu int) (*BLECentral, error) {
	client, err := ble.Dial(ctx, ble.NewAddr(device.Address))
	if err != nil {
		return nil, err
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, err
	}
	char := profile.FindCharacteristic(ble.NewCharacteristic(CharUUID))
	if char == nil {
		client.CancelConnection()
		return nil, ErrCharacteristicNotFound
	}

	cctx, cancel := context.WithCancel(context.Background())
	bc := &BLECentral{
		mtu:    mtu,
		client: client,
		char:   char,
		in:     make(chan []byte, 256),
		ctx:    cctx,
		cancel: cancel,
	}

	if err := client.Subscribe(char, false, bc.handleNotification); err != nil {
		client.CancelConnection()
		cancel()
		return nil, err
	}

	go func() {
		<-client.Disconnected()
		bc.cancel()
		close(bc.in)
	}()

	return bc, nil
}

func (bc *BLECentral) handleNotification(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case bc.in <- cp:
	case <-bc.ctx.Done():
	}
}

func (bc *BLECentral) MTU() int { return bc.mtu }

func (bc *BLECentral) Write(frame []byte) error {
	return bc.client.WriteCharacteristic(bc.char, frame, true)
}

func (bc *BLECentral) Notifications() <-chan []byte { return bc.in }

func (bc *BLECentral) Disconnect() error {
	bc.cancel()
	return bc.client.CancelConnection()
}

func (bc *BLECentral) Context() context.Context { return bc.ctx }

// ErrCharacteristicNotFound is returned by Connect when the peripheral's
// GATT profile does not expose the bleRPC characteristic.
var ErrCharacteristicNotFound = errCharacteristicNotFound{}

type errCharacteristicNotFound struct{}

func (errCharacteristicNotFound) Error() string {
	return "channel: bleRPC characteristic not found on peripheral"
}
