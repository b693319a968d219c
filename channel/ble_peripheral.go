// +build !nobluetooth

package channel

import (
	"context"
	"sync"

	"github.com/currantlabs/ble"
)

// ServiceUUID and CharUUID are the default GATT identifiers named in the
// core's external interfaces: a single service exposing one
// write-without-response + notify characteristic.
var (
	ServiceUUID = ble.MustParse("12340001-0000-1000-8000-00805f9b34fb")
	CharUUID    = ble.MustParse("12340002-0000-1000-8000-00805f9b34fb")
)

// BLEPeripheral implements Channel by advertising the bleRPC GATT service
// and fanning out writes to whichever central is currently subscribed.
// Grounded on agent/bluetooth.go's BluetoothPeripheral: a write handler
// feeding a buffered channel, and a notify handler that registers a
// per-connection channel and drains a pre-subscription write queue.
type BLEPeripheral struct {
	sync.Mutex
	mtu        int
	in         chan []byte
	writeQueue [][]byte
	subscriber chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	service    *ble.Service
}

// NewBLEPeripheral constructs the GATT service/characteristic pair and
// returns a Channel whose Service() is ready to be passed to
// ble.AddService.
func NewBLEPeripheral(mtu int) *BLEPeripheral {
	ctx, cancel := context.WithCancel(context.Background())
	bp := &BLEPeripheral{
		mtu:    mtu,
		in:     make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	svc := ble.NewService(ServiceUUID)
	char := ble.NewCharacteristic(CharUUID)
	char.HandleWrite(ble.WriteHandlerFunc(bp.handleWrite))
	char.HandleNotify(ble.NotifyHandlerFunc(bp.handleNotify))
	svc.AddCharacteristic(char)
	bp.service = svc

	return bp
}

// Service returns the GATT service to pass to ble.AddService.
func (bp *BLEPeripheral) Service() *ble.Service { return bp.service }

func (bp *BLEPeripheral) handleWrite(req ble.Request, rsp ble.ResponseWriter) {
	data := req.Data()
	cp := make([]byte, len(data))
	copy(cp, data)
	bp.in <- cp
}

func (bp *BLEPeripheral) handleNotify(req ble.Request, n ble.Notifier) {
	ch := make(chan []byte, 64)
	bp.Lock()
	bp.subscriber = ch
	queued := bp.writeQueue
	bp.writeQueue = nil
	bp.Unlock()

	for _, msg := range queued {
		n.Write(msg)
	}

	defer func() {
		bp.Lock()
		if bp.subscriber == ch {
			bp.subscriber = nil
		}
		bp.Unlock()
	}()

	for {
		select {
		case <-n.Context().Done():
			return
		case msg := <-ch:
			if _, err := n.Write(msg); err != nil {
				return
			}
		}
	}
}

func (bp *BLEPeripheral) MTU() int { return bp.mtu }

func (bp *BLEPeripheral) Write(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	bp.Lock()
	defer bp.Unlock()
	if bp.subscriber == nil {
		bp.writeQueue = append(bp.writeQueue, cp)
		return nil
	}
	bp.subscriber <- cp
	return nil
}

func (bp *BLEPeripheral) Notifications() <-chan []byte { return bp.in }

func (bp *BLEPeripheral) Disconnect() error {
	bp.cancel()
	return nil
}

func (bp *BLEPeripheral) Context() context.Context { return bp.ctx }
