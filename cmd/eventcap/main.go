// Command eventcap tails one or more event ring files, mirroring the
// monad event capture tool's --header/-f/-H/--start-seqno surface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xPOURY4/monad-sub009/eventring"
)

func main() {
	app := &cli.App{
		Name:      "eventcap",
		Usage:     "monad event capture tool",
		ArgsUsage: "event-ring-path...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "header", Usage: "print event ring file header"},
			&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "stream events to stdout, as in tail -f"},
			&cli.BoolFlag{Name: "hex", Aliases: []string{"H"}, Usage: "hexdump event payloads in follow mode"},
			&cli.Uint64Flag{Name: "start-seqno", Usage: "force the starting sequence number to a particular value (for debug)"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "eventcap:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return cli.Exit("at least one event-ring-path is required", 64) // EX_USAGE
	}

	var readers []*eventring.Reader
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	for _, path := range paths {
		r, err := eventring.OpenReader(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("could not open event ring file `%s`: %v", path, err), 78) // EX_CONFIG
		}
		if c.IsSet("start-seqno") {
			r.SeekSeqno(c.Uint64("start-seqno"))
		}
		if c.Bool("header") {
			printHeader(path, r.HeaderSnapshot(), os.Stdout)
		}
		readers = append(readers, r)
	}

	if c.Bool("follow") {
		followLoop(readers, paths, c.Bool("hex"), os.Stdout)
	}
	return nil
}

func printHeader(path string, h eventring.HeaderSnapshot, out *os.File) {
	fmt.Fprintf(out, "event ring %s\n", path)
	fmt.Fprintf(out, "%10s %9s %10s %10s %10s %12s %14s %14s\n",
		"TYPE", "DESC_CAP", "DESC_SZ", "PBUF_SZ", "CTX_SZ", "WR_SEQNO", "PBUF_NEXT", "PBUF_WIN")
	fmt.Fprintf(out, "%10s %9d %10d %10d %10d %12d %14d %14d\n",
		h.ContentType, h.DescriptorCapacity, h.DescriptorByteSize, h.PayloadBufSize,
		h.ContextAreaSize, h.LastSeqno, h.NextPayloadByte, h.BufferWindowStart)
}

// followLoop pulls events from every ring and writes them to out as fast as
// possible, behaving like `tail -f` across all of them at once. It exits on
// SIGINT/SIGTERM.
func followLoop(readers []*eventring.Reader, paths []string, dumpPayload bool, out *os.File) {
	var mu sync.Mutex // serializes writes to out across readers
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-sigCh
		close(done)
	}()

	notReadyCount := 0
	for {
		select {
		case <-done:
			return
		default:
		}

		progressed := false
		for i, r := range readers {
			d, err := r.TryNext()
			switch err {
			case eventring.ErrNotReady:
				continue
			case eventring.ErrGap:
				mu.Lock()
				fmt.Fprintf(os.Stderr, "ERROR: event gap on %s, resynced\n", paths[i])
				mu.Unlock()
				continue
			case nil:
				progressed = true
				mu.Lock()
				printEvent(r, d, dumpPayload, out)
				mu.Unlock()
			default:
				mu.Lock()
				fmt.Fprintf(os.Stderr, "ERROR: %s: %v\n", paths[i], err)
				mu.Unlock()
			}
		}
		if !progressed {
			notReadyCount++
			if notReadyCount&((1<<12)-1) == 0 {
				out.Sync()
			}
			time.Sleep(time.Millisecond)
		} else {
			notReadyCount = 0
		}
	}
}

func printEvent(r *eventring.Reader, d eventring.Descriptor, dumpPayload bool, out *os.File) {
	t := time.Unix(0, int64(d.EpochNanos)).UTC()
	fmt.Fprintf(out, "%s: event_type=%d SEQ: %d LEN: %d BUF_OFF: %d\n",
		t.Format("15:04:05.000000000"), d.EventType, d.Seqno, d.PayloadSize, d.PayloadBufOffset)

	if !dumpPayload {
		return
	}
	payload := r.Peek(d)
	hexdumpPayload(payload, out)
	if !r.PayloadCheck(d) {
		fmt.Fprintf(os.Stderr, "ERROR: event %d payload lost!\n", d.Seqno)
	}
}

// hexdumpPayload prints payload in 16-byte lines prefixed by their offset,
// the same layout the C tool's hexdump_event_payload produces.
func hexdumpPayload(payload []byte, out *os.File) {
	for off := 0; off < len(payload); off += 16 {
		end := off + 16
		if end > len(payload) {
			end = len(payload)
		}
		line := payload[off:end]
		fmt.Fprintf(out, "%#08x ", off)
		for i, b := range line {
			fmt.Fprintf(out, "%02x", b)
			if i == 7 {
				out.WriteString(" ")
			}
		}
		out.WriteString("\n")
	}
}
