// spark is the operator CLI. It pairs with devices, ships application
// bundles to them and drives the runtime operations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"sparkle/internal/client"
	"sparkle/pkg/protocol"
)

var version = "dev"

// Exit codes, stable for scripting.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitAuth          = 2
	exitConnect       = 3
	exitManifest      = 4
	exitBuild         = 5
	exitHealthTimeout = 6
	exitRollback      = 7
	exitNotFound      = 8
)

// errConnect marks transport-level failures so they map to their own exit
// code.
var errConnect = errors.New("connection failed")

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitGeneric)
	}

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("spark %s\n", version)
	case "discover":
		err = cmdDiscover(args[1:])
	case "devices":
		err = cmdDevices(args[1:])
	case "sync":
		err = cmdSync(args[1:])
	case "deploy":
		err = cmdDeploy(args[1:])
	case "start", "stop", "restart", "rollback", "status":
		err = cmdAppOp(protocol.RequestType(args[0]), args[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(exitGeneric)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `spark - fleet deployment CLI

Usage:
  spark discover [--port N] [--wait DUR]         find devices on the LAN
  spark devices add <name> --addr HOST [--port N] pair with a device
  spark devices list                              list paired devices
  spark devices remove <name>                     forget a device
  spark sync <device>                             refresh device inventory
  spark deploy <device> [dir] [--app NAME] [--auto-health]
  spark start|stop|restart|rollback|status <device> <app>
  spark version

<device> is a paired device name, or "all" for every paired device.
`)
}

// exitCode maps failures onto the documented exit codes.
func exitCode(err error) int {
	var re *responseError
	if errors.As(err, &re) {
		switch re.code {
		case protocol.CodeAuth:
			return exitAuth
		case protocol.CodeManifest, protocol.CodeExtract:
			return exitManifest
		case protocol.CodeBuild:
			return exitBuild
		case protocol.CodeHealthTimeout:
			return exitHealthTimeout
		case protocol.CodeRollback:
			return exitRollback
		case protocol.CodeNotFound:
			return exitNotFound
		default:
			return exitGeneric
		}
	}
	if errors.Is(err, errConnect) {
		return exitConnect
	}
	return exitGeneric
}

// responseError carries the daemon's error code up to exitCode.
type responseError struct {
	code    protocol.Code
	message string
}

func (e *responseError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func checkResponse(resp *protocol.Response) error {
	if resp.OK() {
		return nil
	}
	return &responseError{code: resp.Code, message: resp.Message}
}

func loadRegistry() (*client.Registry, error) {
	path, err := client.DefaultRegistryPath()
	if err != nil {
		return nil, err
	}
	return client.LoadRegistry(path)
}

// connect resolves a device by name and dials it.
func connect(ctx context.Context, name string) (*client.Conn, client.Device, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, client.Device{}, err
	}
	dev, ok := reg.Get(name)
	if !ok {
		return nil, client.Device{}, fmt.Errorf("unknown device %q, pair it with \"spark devices add\"", name)
	}
	conn, err := client.Dial(ctx, dev)
	if err != nil {
		return nil, client.Device{}, fmt.Errorf("%w: %v", errConnect, err)
	}
	return conn, dev, nil
}

// resolveDevices expands a device argument: "all" means every paired
// device, anything else a single one.
func resolveDevices(name string) ([]client.Device, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	if name == "all" {
		if len(reg.Devices) == 0 {
			return nil, fmt.Errorf("no paired devices")
		}
		return reg.Devices, nil
	}
	dev, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown device %q, pair it with \"spark devices add\"", name)
	}
	return []client.Device{dev}, nil
}
