package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/drunlade/go-serialxfer/kermit"
	"github.com/drunlade/go-serialxfer/xfer"
	"github.com/drunlade/go-serialxfer/xmodem"
	"github.com/drunlade/go-serialxfer/ymodem"
	"github.com/drunlade/go-serialxfer/zmodem"
)

var (
	protocol  = flag.String("p", "zmodem", "protocol: xmodem, ymodem, kermit, zmodem")
	flavor    = flag.String("x", "crc", "xmodem flavor: vanilla, relaxed, crc, 1k, 1k-g")
	dir       = flag.String("d", ".", "download directory")
	overwrite = flag.Bool("y", false, "overwrite existing files")
	escape    = flag.Bool("e", false, "escape control characters (zmodem)")
	challenge = flag.Bool("challenge", false, "issue ZCHALLENGE before receiving (zmodem)")
	verbose   = flag.Bool("v", false, "verbose mode")
	quiet     = flag.Bool("q", false, "quiet mode")
	logPath   = flag.String("log", "", "write a protocol log to this file")
	help      = flag.Bool("h", false, "show help")
	version   = flag.Bool("version", false, "show version")
)

const versionString = "grecv version 0.2.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	var logger xfer.Logger = xfer.NoopLogger{}
	if *logPath != "" {
		fl, err := xfer.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "grecv: %v\n", err)
			os.Exit(1)
		}
		defer fl.Close()
		logger = fl
	}

	reader := xfer.NewTimeoutReader(os.Stdin, 10*time.Second)
	callbacks := consoleCallbacks()

	var err error
	switch *protocol {
	case "xmodem":
		if flag.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "grecv: xmodem needs the output file name")
			os.Exit(1)
		}
		var recv *xmodem.Receiver
		recv, err = xmodem.NewReceiver(parseFlavor(*flavor), reader, os.Stdout,
			xfer.NewDiskFile(flag.Arg(0)), *overwrite)
		if err == nil {
			recv.Session().Logger = logger
			recv.Session().Callbacks = xfer.MergeCallbacks(callbacks)
			err = recv.Receive()
		}

	case "ymodem":
		recv := ymodem.NewReceiver(ymodem.Vanilla, reader, os.Stdout, *dir, *overwrite)
		recv.Session().Logger = logger
		recv.Session().Callbacks = xfer.MergeCallbacks(callbacks)
		err = recv.Receive()

	case "kermit":
		cfg := xfer.DefaultConfig().Kermit
		recv := kermit.NewReceiver(cfg, reader, os.Stdout, *dir, *overwrite)
		recv.Session().Logger = logger
		recv.Session().Callbacks = xfer.MergeCallbacks(callbacks)
		err = recv.Receive()

	case "zmodem":
		cfg := xfer.ZmodemConfig{
			UseCrc32:           true,
			EscapeControlChars: *escape,
			IssueZChallenge:    *challenge,
		}
		recv := zmodem.NewReceiver(cfg, reader, os.Stdout, *dir, *overwrite)
		recv.Session().Logger = logger
		recv.Session().Callbacks = xfer.MergeCallbacks(callbacks)
		err = recv.Receive()

	default:
		fmt.Fprintf(os.Stderr, "grecv: unknown protocol %q\n", *protocol)
		os.Exit(1)
	}

	if err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "grecv: %v\n", err)
		}
		os.Exit(1)
	}
}

func parseFlavor(name string) xmodem.Flavor {
	switch name {
	case "vanilla":
		return xmodem.Vanilla
	case "relaxed":
		return xmodem.Relaxed
	case "crc":
		return xmodem.CRC
	case "1k":
		return xmodem.X1K
	case "1k-g":
		return xmodem.X1KG
	default:
		fmt.Fprintf(os.Stderr, "grecv: unknown xmodem flavor %q\n", name)
		os.Exit(1)
		return xmodem.Vanilla
	}
}

func consoleCallbacks() *xfer.Callbacks {
	return &xfer.Callbacks{
		OnFilePrompt: func(filename string, size int64, mode uint32) (bool, error) {
			if *verbose && !*quiet {
				fmt.Fprintf(os.Stderr, "Receiving: %s (%d bytes)\n", filename, size)
			}
			return true, nil
		},
		OnProgress: func(filename string, transferred, total int64, rate float64) {
			if *quiet || !*verbose {
				return
			}
			percent := float64(0)
			if total > 0 {
				percent = float64(transferred) / float64(total) * 100
			}
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%.0f bytes/s)", filename, percent, rate)
		},
		OnFileComplete: func(filename string, bytesTransferred int64, duration time.Duration) {
			if !*quiet {
				if *verbose {
					fmt.Fprintf(os.Stderr, "\nCompleted: %s (%d bytes in %v)\n",
						filename, bytesTransferred, duration)
				} else {
					fmt.Fprintf(os.Stderr, "%s\n", filename)
				}
			}
		},
	}
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - receive files with Xmodem, Ymodem, Kermit or Zmodem

Usage: %s [options] [xmodem-output-file]

Options:
  -p NAME      protocol: xmodem, ymodem, kermit, zmodem (default: zmodem)
  -x NAME      xmodem flavor: vanilla, relaxed, crc, 1k, 1k-g
  -d DIR       download directory (default: .)
  -y           overwrite existing files
  -e           escape control characters (zmodem)
  -challenge   issue ZCHALLENGE before receiving (zmodem)
  -log FILE    write a protocol log
  -q           quiet mode, minimal output
  -v           verbose mode
  -h           show this help message
  --version    show version

The remote side is expected on stdin/stdout, e.g. over a raw serial
line or an ssh channel.

`, versionString, os.Args[0])
	os.Exit(exitcode)
}
