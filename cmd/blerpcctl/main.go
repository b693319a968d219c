// Command blerpcctl is the pairing and status CLI for a bleRPC central,
// grounded on the teacher's kr CLI (kr/kr.go): a small flag-based command
// surface instead of kr's urfave/cli.App, since two subcommands don't
// warrant that framework (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/atotto/clipboard"
	"github.com/fatih/color"
	"github.com/kryptco/qr"

	"github.com/kryptco/blerpc/central"
	"github.com/kryptco/blerpc/channel"
	"github.com/kryptco/blerpc/pairing"
)

func main() {
	initColorOutput()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "pair":
		cmdPair(os.Args[2:])
	case "ping":
		cmdPing(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blerpcctl <pair|ping> [flags]")
}

func cmdPair(args []string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	addr := fs.String("addr", "", "peripheral BLE address (empty scans)")
	mtu := fs.Int("mtu", 185, "initial ATT MTU to assume")
	scanTimeout := fs.Duration("scan-timeout", 10*time.Second, "scan duration when -addr is empty")
	storeDir := fs.String("store", defaultStoreDir(), "directory for pinned identities")
	fs.Parse(args)

	ctx := context.Background()
	device := channel.ScannedDevice{Address: *addr}
	if *addr == "" {
		fmt.Fprintln(os.Stderr, color.CyanString("scanning for peripherals..."))
		devices, err := central.Scan(ctx, *scanTimeout)
		if err != nil {
			fatal(err)
		}
		if len(devices) == 0 {
			fatal(fmt.Errorf("no peripherals found"))
		}
		device = devices[0]
	}

	store, err := pairing.NewStore(*storeDir)
	if err != nil {
		fatal(err)
	}
	peripheralUUID := pairing.PeripheralHandle(device.Address)

	c, err := central.Connect(ctx, device, *mtu, central.WithIdentityStore(store, peripheralUUID))
	if err != nil {
		fatal(err)
	}
	defer c.Disconnect()

	// Render the device's BLE address as a terminal QR code so a second
	// device (e.g. a mobile app) can confirm it is pairing the same
	// peripheral, the same out-of-band exchange idiom as kr/kr.go's
	// QREncode(...).Terminal pairing flow.
	code, err := qr.Encode([]byte(device.Address))
	if err == nil {
		fmt.Println(code.Terminal)
	}
	if err := clipboard.WriteAll(device.Address); err != nil {
		fmt.Fprintln(os.Stderr, color.YellowString("could not copy address to clipboard: %v", err))
	} else {
		fmt.Fprintln(os.Stderr, color.GreenString("peripheral address copied to clipboard"))
	}

	if identity := c.PeerIdentity(); identity != nil {
		fmt.Println(color.CyanString("confirmation code: %s", pairing.ConfirmationCode(identity)))
	}
	fmt.Println(color.GreenString("paired with %s", device.Address))
}

func cmdPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	addr := fs.String("addr", "", "peripheral BLE address")
	mtu := fs.Int("mtu", 185, "initial ATT MTU to assume")
	storeDir := fs.String("store", defaultStoreDir(), "directory for pinned identities")
	fs.Parse(args)
	if *addr == "" {
		fatal(fmt.Errorf("-addr is required"))
	}

	store, err := pairing.NewStore(*storeDir)
	if err != nil {
		fatal(err)
	}
	peripheralUUID := pairing.PeripheralHandle(*addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := central.Connect(ctx, channel.ScannedDevice{Address: *addr}, *mtu, central.WithIdentityStore(store, peripheralUUID))
	if err != nil {
		fatal(err)
	}
	defer c.Disconnect()
	if _, err := c.Call(ctx, "echo", []byte("ping")); err != nil {
		fatal(err)
	}
	fmt.Println(color.GreenString("ok"))
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blerpc"
	}
	return home + "/.blerpc/identities"
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
	os.Exit(1)
}
