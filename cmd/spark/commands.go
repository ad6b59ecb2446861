package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"sparkle/internal/auth"
	"sparkle/internal/client"
	"sparkle/internal/config"
	"sparkle/internal/discovery"
	"sparkle/pkg/protocol"
)

const (
	opTimeout     = 2 * time.Minute
	deployTimeout = 30 * time.Minute
)

func cmdDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	port := fs.Int("port", config.DefaultDiscoveryPort, "discovery UDP port")
	wait := fs.Duration("wait", 2*time.Second, "how long to collect answers")
	fs.Parse(args)

	found, err := discovery.Scan(context.Background(), *port, *wait)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No devices found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tCONTROL PORT")
	for _, d := range found {
		fmt.Fprintf(w, "%s\t%s\t%d\n", d.Name, d.Addr, d.ControlPort)
	}
	return w.Flush()
}

func cmdDevices(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: spark devices add|list|remove")
	}
	switch args[0] {
	case "add":
		return devicesAdd(args[1:])
	case "list":
		return devicesList()
	case "remove":
		return devicesRemove(args[1:])
	default:
		return fmt.Errorf("unknown devices subcommand %q", args[0])
	}
}

// devicesAdd pairs with a daemon: it generates a fresh token, registers it
// through a sync request and stores the device in the registry.
func devicesAdd(args []string) error {
	fs := flag.NewFlagSet("devices add", flag.ExitOnError)
	addr := fs.String("addr", "", "device address (required)")
	port := fs.Int("port", config.DefaultControlPort, "control port")
	fs.Parse(args)
	if fs.NArg() != 1 || *addr == "" {
		return fmt.Errorf("usage: spark devices add <name> --addr HOST [--port N]")
	}
	name := fs.Arg(0)

	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	// Re-pairing keeps the old token so rotation is authorized.
	var current string
	if existing, ok := reg.Get(name); ok {
		current = existing.Token
	}

	token := auth.NewToken()
	dev := client.Device{Name: name, Addr: *addr, Port: *port, Token: current}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	conn, _, err := dialDevice(ctx, dev)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.Sync(ctx, name, token)
	if err != nil {
		return fmt.Errorf("%w: %v", errConnect, err)
	}
	if err := checkResponse(resp); err != nil {
		return err
	}

	dev.Token = token
	if resp.Device != nil {
		dev.ID = resp.Device.ID
	}
	reg.Put(dev)
	if err := reg.Save(); err != nil {
		return err
	}
	fmt.Printf("Paired with %s (%s:%d)\n", name, *addr, *port)
	printDevice(resp.Device)
	return nil
}

func devicesList() error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	if len(reg.Devices) == 0 {
		fmt.Println("No paired devices")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tPORT\tID")
	for _, d := range reg.Devices {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Name, d.Addr, d.Port, d.ID)
	}
	return w.Flush()
}

func devicesRemove(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: spark devices remove <name>")
	}
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	if !reg.Remove(args[0]) {
		return fmt.Errorf("unknown device %q", args[0])
	}
	if err := reg.Save(); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}

func cmdSync(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: spark sync <device>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	conn, dev, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.Sync(ctx, dev.Name, "")
	if err != nil {
		return fmt.Errorf("%w: %v", errConnect, err)
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	printDevice(resp.Device)
	return nil
}

func cmdDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	app := fs.String("app", "", "expected app name (defaults to the manifest's)")
	autoHealth := fs.Bool("auto-health", false, "synthesize a TCP health check when the manifest has none")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: spark deploy <device> [dir]")
	}
	dir := "."
	if fs.NArg() > 1 {
		dir = fs.Arg(1)
	}

	devices, err := resolveDevices(fs.Arg(0))
	if err != nil {
		return err
	}
	// "all" fans out sequentially; a failed device does not stop the rest,
	// the last failure decides the exit code.
	var lastErr error
	for _, dev := range devices {
		if err := deployOne(dev, *app, dir, *autoHealth); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", dev.Name, err)
			lastErr = err
		}
	}
	return lastErr
}

func deployOne(dev client.Device, app, dir string, autoHealth bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), deployTimeout)
	defer cancel()

	conn, _, err := dialDevice(ctx, dev)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Deploying %s to %s...\n", dir, dev.Name)
	resp, err := conn.Deploy(ctx, app, dir, autoHealth)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		printStatus(resp.Status)
		return err
	}
	fmt.Println("Deployed")
	printStatus(resp.Status)
	return nil
}

func cmdAppOp(op protocol.RequestType, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: spark %s <device> <app>", op)
	}
	devices, err := resolveDevices(args[0])
	if err != nil {
		return err
	}
	var lastErr error
	for _, dev := range devices {
		if err := appOpOne(dev, op, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", dev.Name, err)
			lastErr = err
		}
	}
	return lastErr
}

func appOpOne(dev client.Device, op protocol.RequestType, app string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	conn, _, err := dialDevice(ctx, dev)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.AppOp(ctx, op, app)
	if err != nil {
		return fmt.Errorf("%w: %v", errConnect, err)
	}
	if err := checkResponse(resp); err != nil {
		printStatus(resp.Status)
		return err
	}
	printStatus(resp.Status)
	return nil
}

func dialDevice(ctx context.Context, dev client.Device) (*client.Conn, client.Device, error) {
	conn, err := client.Dial(ctx, dev)
	if err != nil {
		return nil, dev, fmt.Errorf("%w: %v", errConnect, err)
	}
	return conn, dev, nil
}

func printStatus(st *protocol.AppStatus) {
	if st == nil {
		return
	}
	fmt.Printf("%s: %s", st.App, st.State)
	if st.Version != "" {
		fmt.Printf(" (version %s)", st.Version)
	}
	if st.PID > 0 {
		fmt.Printf(" pid %d", st.PID)
	}
	if st.Port > 0 {
		fmt.Printf(" port %d", st.Port)
	}
	if st.Domain != "" {
		fmt.Printf(" domain %s", st.Domain)
	}
	fmt.Println()
	if len(st.Versions) > 0 {
		fmt.Println("Versions:")
		for _, v := range st.Versions {
			marker := "  "
			if v == st.Version {
				marker = "* "
			}
			fmt.Printf("  %s%s\n", marker, v)
		}
	}
}

func printDevice(di *protocol.DeviceInfo) {
	if di == nil {
		return
	}
	fmt.Printf("Device %s (%s): %s/%s, %d cores", di.Name, di.ID, di.OS, di.Arch, di.CPUCores)
	if di.MemoryBytes > 0 {
		fmt.Printf(", %d MiB", di.MemoryBytes/(1024*1024))
	}
	if di.Docker {
		fmt.Printf(", docker")
	}
	fmt.Println()
	for _, app := range di.Apps {
		printStatus(&app)
	}
}
