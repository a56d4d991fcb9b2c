// Command ditm-keytool exposes the device key-tool and management API
// client directly, for operators who need to register a device or
// inspect its peer list without running the full POP3 proxy (spec.md
// §6: any non-"ditm" argv[1] dispatches straight to the API client).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh/terminal"

	"github.com/splintermail/ditm/internal/apiclient"
	"github.com/splintermail/ditm/internal/keytool"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	sub := os.Args[1]
	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	deviceDir := fs.String("device-dir", "./.splintermail", "device key/peer-list directory")
	keyBits := fs.Int("key-bits", 4096, "RSA key size for first-run keypair generation")
	apiHost := fs.String("api-host", "splintermail.com", "management API host")
	apiPort := fs.Int("api-port", 443, "management API port")
	user := fs.String("user", "", "account username")
	pass := fs.String("pass", "", "account password")
	fs.Parse(os.Args[2:])

	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(1)
	}
	if *pass == "" {
		p, err := promptPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading password: %v\n", err)
			os.Exit(1)
		}
		*pass = p
	}

	kt, err := keytool.New(*deviceDir, *keyBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading device key tool: %v\n", err)
		os.Exit(1)
	}
	client := apiclient.New(*apiHost, *apiPort)
	ctx := context.Background()

	switch sub {
	case "add-device":
		if err := kt.RegisterDevice(ctx, client, *user, *pass); err != nil {
			fmt.Fprintf(os.Stderr, "error registering device: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("registered device with fingerprint %s\n", kt.Key.Fingerprint)

	case "list-devices":
		contents, err := client.PasswordCall(ctx, "list_devices", *user, *pass, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing devices: %v\n", err)
			os.Exit(1)
		}
		var resp struct {
			Devices []string `json:"devices"`
		}
		if err := json.Unmarshal(contents, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "error parsing list_devices response: %v\n", err)
			os.Exit(1)
		}
		for _, fpr := range resp.Devices {
			fmt.Println(fpr)
		}

	case "update":
		if err := kt.Update(ctx, client, *user, *pass); err != nil {
			fmt.Fprintf(os.Stderr, "error updating key tool: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reconciled peer list: %d known device(s)\n", len(kt.PeerList()))

	case "watch-devices":
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		poll := func(ctx context.Context) ([]string, error) {
			contents, err := client.PasswordCall(ctx, "list_devices", *user, *pass, nil)
			if err != nil {
				return nil, err
			}
			var resp struct {
				Devices []string `json:"devices"`
			}
			if err := json.Unmarshal(contents, &resp); err != nil {
				return nil, err
			}
			return resp.Devices, nil
		}

		target := net.JoinHostPort(*apiHost, strconv.Itoa(*apiPort))
		events, err := apiclient.WatchDeviceEvents(watchCtx, target, 30*time.Second, poll)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error watching device events: %v\n", err)
			os.Exit(1)
		}
		for ev := range events {
			verb := "removed"
			if ev.Added {
				verb = "added"
			}
			fmt.Printf("%s: %s\n", verb, ev.Fingerprint)
		}

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ditm-keytool <add-device|list-devices|update|watch-devices> [flags]")
}

// promptPassword reads a password from the controlling terminal with
// echo disabled, mirroring console_input.c's get_password.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	b, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
