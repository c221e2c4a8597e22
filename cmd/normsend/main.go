package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/normproto/norm/api"
	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/normlog"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/transport"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

var ccModes = map[string]grtt.Mode{
	"fixed": grtt.ModeFixed,
	"cc":    grtt.ModeCC,
	"cce":   grtt.ModeCCE,
	"ccl":   grtt.ModeCCL,
}

func main() {
	myApp := cli.NewApp()
	myApp.Name = "normsend"
	myApp.Usage = "send a file or inline data as a NORM object"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: ":6003", Usage: "local bind address"},
		cli.StringFlag{Name: "group,g", Value: "224.1.1.1:6003", Usage: "multicast or unicast destination address"},
		cli.StringFlag{Name: "iface", Value: "", Usage: "multicast interface name, empty uses the system default"},
		cli.IntFlag{Name: "node", Value: 1, Usage: "this sender's NORM node id"},
		cli.StringFlag{Name: "file,f", Value: "", Usage: "path of a file to send; mutually exclusive with --data"},
		cli.StringFlag{Name: "data,d", Value: "", Usage: "inline string payload to send"},
		cli.StringFlag{Name: "info", Value: "", Usage: "optional INFO string describing the object"},
		cli.IntFlag{Name: "segsize", Value: 1024, Usage: "FEC source symbol size in bytes"},
		cli.IntFlag{Name: "k", Value: 16, Usage: "FEC source symbols per block"},
		cli.IntFlag{Name: "p", Value: 4, Usage: "FEC parity symbols per block"},
		cli.IntFlag{Name: "autoparity", Value: 0, Usage: "parity symbols sent proactively alongside sources"},
		cli.Float64Flag{Name: "rate", Value: 0, Usage: "transmit rate in bytes/sec, 0 disables pacing"},
		cli.StringFlag{Name: "cc", Value: "fixed", Usage: "congestion control mode: fixed, cc, cce, ccl"},
		cli.Float64Flag{Name: "grtt", Value: 0.1, Usage: "initial GRTT estimate in seconds"},
		cli.DurationFlag{Name: "interval", Value: 10 * time.Millisecond, Usage: "event loop tick interval"},
		cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "give up waiting for TX_OBJECT_SENT after this long"},
		cli.IntFlag{Name: "loglevel", Value: 4, Usage: "debug log verbosity, 0-12"},
	}
	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	data, info, err := loadPayload(c.String("file"), c.String("data"), c.String("info"))
	if err != nil {
		return err
	}

	groupAddr, err := net.ResolveUDPAddr("udp", c.String("group"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("resolve group address: %v", err), 1)
	}

	tr, err := transport.ListenUDP("udp", c.String("listen"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("listen: %v", err), 1)
	}
	defer tr.Close()

	if groupAddr.IP.IsMulticast() {
		if err := tr.JoinGroup(groupAddr.IP, c.String("iface")); err != nil {
			return cli.NewExitError(fmt.Sprintf("join group: %v", err), 1)
		}
	}

	logger, err := normlog.New(normlog.Config{Level: normlog.Level(c.Int("loglevel"))})
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("logger: %v", err), 1)
	}
	defer logger.Sync()

	mode, ok := ccModes[c.String("cc")]
	if !ok {
		return cli.NewExitError(fmt.Sprintf("unknown cc mode %q", c.String("cc")), 1)
	}

	inst := api.CreateInstance(0)
	defer inst.Destroy()

	sess := inst.CreateSession(uint32(c.Int("node")), groupAddr, tr, normtimer.Real, logger)
	if err := sess.StartSender(api.SenderParams{
		BufferSpace:   1 << 24,
		SegmentSize:   c.Int("segsize"),
		K:             c.Int("k"),
		P:             c.Int("p"),
		FecID:         fec.IDReedSolomon8,
		TxRateBps:     c.Float64("rate"),
		CCMode:        mode,
		GRTTInit:      c.Float64("grtt"),
		AutoParity:    c.Int("autoparity"),
		CacheCountMin: 1,
		CacheCountMax: 64,
		CacheSizeMax:  1 << 28,
	}); err != nil {
		return cli.NewExitError(fmt.Sprintf("start sender: %v", err), 1)
	}

	oh, err := sess.DataEnqueue(data, info, c.Int("segsize"), c.Int("k"), c.Int("p"), fec.IDReedSolomon8)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("enqueue: %v", err), 1)
	}
	fmt.Printf("enqueued object %d (%d bytes)\n", oh.ID(), len(data))

	interval := c.Duration("interval")
	deadline := time.Now().Add(c.Duration("timeout"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for now := range ticker.C {
		if err := sess.Pump(now); err != nil {
			return cli.NewExitError(fmt.Sprintf("pump: %v", err), 1)
		}
		if err := sess.Drain(now); err != nil {
			return cli.NewExitError(fmt.Sprintf("drain: %v", err), 1)
		}
		for {
			ev, ok := inst.GetNextEvent()
			if !ok {
				break
			}
			switch ev.Type {
			case api.TxObjectSent:
				fmt.Printf("object %d fully sent\n", ev.Object.ID())
				return nil
			case api.SendError:
				fmt.Fprintf(os.Stderr, "send error: %v\n", ev.Err)
			}
		}
		if now.After(deadline) {
			return cli.NewExitError("timed out waiting for TX_OBJECT_SENT", 1)
		}
	}
	return nil
}

func loadPayload(filePath, inline, info string) (data, infoBytes []byte, err error) {
	switch {
	case filePath != "" && inline != "":
		return nil, nil, cli.NewExitError("specify only one of --file or --data", 1)
	case filePath != "":
		data, err = os.ReadFile(filePath)
		if err != nil {
			return nil, nil, cli.NewExitError(fmt.Sprintf("read file: %v", err), 1)
		}
	case inline != "":
		data = []byte(inline)
	default:
		return nil, nil, cli.NewExitError("specify --file or --data", 1)
	}
	if info != "" {
		infoBytes = []byte(info)
	}
	return data, infoBytes, nil
}
