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
	protocol = flag.String("p", "zmodem", "protocol: xmodem, ymodem, kermit, zmodem")
	flavor   = flag.String("x", "1k", "xmodem flavor: vanilla, relaxed, crc, 1k, 1k-g")
	escape   = flag.Bool("e", false, "escape control characters (zmodem)")
	noCrc32  = flag.Bool("crc16", false, "use 16-bit CRC only (zmodem)")
	verbose  = flag.Bool("v", false, "verbose mode")
	quiet    = flag.Bool("q", false, "quiet mode")
	logPath  = flag.String("log", "", "write a protocol log to this file")
	help     = flag.Bool("h", false, "show help")
	version  = flag.Bool("version", false, "show version")
)

const versionString = "gsend version 0.2.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	names := flag.Args()
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "gsend: no files to send")
		showUsage(1)
	}

	files := make([]xfer.LocalFile, 0, len(names))
	for _, name := range names {
		f := xfer.NewDiskFile(name)
		if !f.Exists() {
			fmt.Fprintf(os.Stderr, "gsend: %s: no such file\n", name)
			os.Exit(1)
		}
		files = append(files, f)
	}

	var logger xfer.Logger = xfer.NoopLogger{}
	if *logPath != "" {
		fl, err := xfer.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gsend: %v\n", err)
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
		if len(files) != 1 {
			fmt.Fprintln(os.Stderr, "gsend: xmodem sends exactly one file")
			os.Exit(1)
		}
		sender := xmodem.NewSender(parseFlavor(*flavor), reader, os.Stdout, files[0])
		sender.Session().Logger = logger
		sender.Session().Callbacks = xfer.MergeCallbacks(callbacks)
		err = sender.Send()

	case "ymodem":
		sender := ymodem.NewSender(ymodem.Vanilla, reader, os.Stdout, files)
		sender.Session().Logger = logger
		sender.Session().Callbacks = xfer.MergeCallbacks(callbacks)
		err = sender.Send()

	case "kermit":
		cfg := xfer.DefaultConfig().Kermit
		sender := kermit.NewSender(cfg, reader, os.Stdout, files)
		sender.Session().Logger = logger
		sender.Session().Callbacks = xfer.MergeCallbacks(callbacks)
		err = sender.Send()

	case "zmodem":
		cfg := xfer.ZmodemConfig{
			UseCrc32:           !*noCrc32,
			EscapeControlChars: *escape,
		}
		sender := zmodem.NewSender(cfg, reader, os.Stdout, files)
		sender.Session().Logger = logger
		sender.Session().Callbacks = xfer.MergeCallbacks(callbacks)
		err = sender.Send()

	default:
		fmt.Fprintf(os.Stderr, "gsend: unknown protocol %q\n", *protocol)
		os.Exit(1)
	}

	if err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "gsend: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "gsend: unknown xmodem flavor %q\n", name)
		os.Exit(1)
		return xmodem.Vanilla
	}
}

func consoleCallbacks() *xfer.Callbacks {
	return &xfer.Callbacks{
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
		OnFileStart: func(filename string, size int64) {
			if *verbose && !*quiet {
				fmt.Fprintf(os.Stderr, "Sending: %s (%d bytes)\n", filename, size)
			}
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
	fmt.Fprintf(os.Stderr, `%s - send files with Xmodem, Ymodem, Kermit or Zmodem

Usage: %s [options] file...

Options:
  -p NAME      protocol: xmodem, ymodem, kermit, zmodem (default: zmodem)
  -x NAME      xmodem flavor: vanilla, relaxed, crc, 1k, 1k-g
  -e           escape control characters (zmodem)
  -crc16       use 16-bit CRC only (zmodem)
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
