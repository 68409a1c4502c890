package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"hetu/internal/bus"
	"hetu/internal/ipc"
)

// Commands whose arguments name files on the caller's side. The daemon may
// run with a different working directory.
var fileArgs = map[string]bool{
	"transcribe":   true,
	"import-model": true,
	"load":         true,
}

func main() {
	cli.CommandLine.SetInterspersed(false)
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	socket := cli.StringP("socket", "s", "", "Daemon socket path")
	busURL := cli.StringP("bus", "b", "", "Websocket hub for the watch command")
	timeout := cli.DurationP("timeout", "t", 10*time.Minute, "Give up waiting for the daemon after this long")
	cli.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: hetu-ctl [flags] <command> [args...]")
		fmt.Fprintln(os.Stderr, "       hetu-ctl watch")
		cli.PrintDefaults()
	}
	cli.Parse()

	godotenv.Load(*envFile)

	args := cli.Args()
	if len(args) == 0 {
		cli.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if args[0] == "watch" {
		url := *busURL
		if url == "" {
			url = os.Getenv("HETU_BUS_URL")
		}
		if err := watch(ctx, url); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	path := *socket
	if path == "" {
		path = os.Getenv("HETU_SOCKET")
	}
	if path == "" {
		path = ipc.DefaultSocketPath()
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	resp, err := ipc.Send(ctx, path, ipc.Request{Cmd: args[0], Args: absArgs(args[0], args[1:])})
	if err != nil {
		fmt.Fprintln(os.Stderr, "hetu-daemon not running:", err)
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, "error:", resp.Message)
		os.Exit(1)
	}

	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
	if len(resp.Data) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
			out.Reset()
			out.Write(resp.Data)
		}
		fmt.Println(out.String())
	}
}

func absArgs(cmd string, args []string) []string {
	if !fileArgs[cmd] {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a
		if a == "" || a[0] == '-' || filepath.IsAbs(a) {
			continue
		}
		if abs, err := filepath.Abs(a); err == nil {
			out[i] = abs
		}
	}
	return out
}

// watch prints hub events until interrupted.
func watch(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("watch: no bus url (use --bus or HETU_BUS_URL)")
	}

	b, err := bus.Dial(ctx, url)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		b.Close()
	}()

	for {
		e, err := b.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		line := fmt.Sprintf("%s [%s] %s", e.Time.Format(time.TimeOnly), e.Kind, e.Content)
		if e.Run != "" {
			line += " (run " + e.Run + ")"
		}
		fmt.Println(line)
	}
}
