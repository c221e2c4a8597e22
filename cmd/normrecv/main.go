package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/normproto/norm/api"
	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/normlog"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/receiver"
	"github.com/normproto/norm/transport"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

var syncPolicies = map[string]receiver.SyncPolicy{
	"current": receiver.SyncCurrent,
	"all":     receiver.SyncAll,
}

func main() {
	myApp := cli.NewApp()
	myApp.Name = "normrecv"
	myApp.Usage = "receive NORM objects and print a live session dashboard"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: ":6003", Usage: "local bind address"},
		cli.StringFlag{Name: "group,g", Value: "224.1.1.1:6003", Usage: "multicast group to join, empty for unicast-only"},
		cli.StringFlag{Name: "iface", Value: "", Usage: "multicast interface name, empty uses the system default"},
		cli.IntFlag{Name: "node", Value: 2, Usage: "this receiver's NORM node id"},
		cli.StringFlag{Name: "out", Value: ".", Usage: "directory completed objects are written into"},
		cli.StringFlag{Name: "sync", Value: "all", Usage: "sync policy: current, all"},
		cli.BoolFlag{Name: "unicast-nack", Usage: "send NACKs unicast to the last-seen sender address"},
		cli.BoolFlag{Name: "silent", Usage: "never send NACKs (silent receiver)"},
		cli.IntFlag{Name: "segsize", Value: 1024, Usage: "default FEC source symbol size, used when no OTI is available"},
		cli.IntFlag{Name: "k", Value: 16, Usage: "default FEC source symbols per block"},
		cli.IntFlag{Name: "p", Value: 4, Usage: "default FEC parity symbols per block"},
		cli.IntFlag{Name: "robust", Value: 20, Usage: "NACK repair-check robustness factor"},
		cli.Float64Flag{Name: "kbackoff", Value: 4.0, Usage: "NACK backoff scale factor"},
		cli.DurationFlag{Name: "interval", Value: 10 * time.Millisecond, Usage: "event loop tick interval"},
		cli.DurationFlag{Name: "dashboard", Value: 2 * time.Second, Usage: "dashboard refresh interval, 0 disables"},
		cli.IntFlag{Name: "loglevel", Value: 4, Usage: "debug log verbosity, 0-12"},
	}
	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	sync, ok := syncPolicies[c.String("sync")]
	if !ok {
		return cli.NewExitError(fmt.Sprintf("unknown sync policy %q", c.String("sync")), 1)
	}
	if err := os.MkdirAll(c.String("out"), 0755); err != nil {
		return cli.NewExitError(fmt.Sprintf("mkdir out: %v", err), 1)
	}

	tr, err := transport.ListenUDP("udp", c.String("listen"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("listen: %v", err), 1)
	}
	defer tr.Close()

	var groupAddr *net.UDPAddr
	if c.String("group") != "" {
		groupAddr, err = net.ResolveUDPAddr("udp", c.String("group"))
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("resolve group address: %v", err), 1)
		}
		if groupAddr.IP.IsMulticast() {
			if err := tr.JoinGroup(groupAddr.IP, c.String("iface")); err != nil {
				return cli.NewExitError(fmt.Sprintf("join group: %v", err), 1)
			}
		}
	}

	logger, err := normlog.New(normlog.Config{Level: normlog.Level(c.Int("loglevel"))})
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("logger: %v", err), 1)
	}
	defer logger.Sync()

	inst := api.CreateInstance(0)
	defer inst.Destroy()

	sess := inst.CreateSession(uint32(c.Int("node")), groupAddr, tr, normtimer.Real, logger)
	sess.StartReceiver(api.ReceiverParams{
		UnicastNack:    c.Bool("unicast-nack"),
		Silent:         c.Bool("silent"),
		Sync:           sync,
		Boundary:       receiver.RepairBlock,
		RobustFactor:   c.Int("robust"),
		KBackoff:       c.Float64("kbackoff"),
		DefaultK:       c.Int("k"),
		DefaultP:       c.Int("p"),
		DefaultSegSize: c.Int("segsize"),
		DefaultFecID:   fec.IDReedSolomon8,
	})

	dash := newDashboard(sess)
	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()

	dashInterval := c.Duration("dashboard")
	nextDash := time.Now()

	color.Cyan("normrecv listening on %s, node id %d\n", c.String("listen"), c.Int("node"))

	for now := range ticker.C {
		if err := sess.Drain(now); err != nil {
			return cli.NewExitError(fmt.Sprintf("drain: %v", err), 1)
		}
		if err := sess.Pump(now); err != nil {
			return cli.NewExitError(fmt.Sprintf("pump: %v", err), 1)
		}
		for {
			ev, ok := inst.GetNextEvent()
			if !ok {
				break
			}
			handleEvent(ev, c.String("out"), dash)
		}
		if dashInterval > 0 && !now.Before(nextDash) {
			dash.render()
			nextDash = now.Add(dashInterval)
		}
	}
	return nil
}

func handleEvent(ev api.Event, outDir string, dash *dashboard) {
	switch ev.Type {
	case api.RemoteSenderNew:
		color.Yellow("new sender observed: node %d\n", ev.Node.ID())
	case api.RxObjectNew:
		color.Green("object %d: new, from node %d\n", ev.Object.ID(), ev.Node.ID())
	case api.RxObjectCompleted:
		writeObject(ev.Object, outDir)
	case api.RxObjectAborted:
		color.Red("object %d: aborted\n", ev.Object.ID())
	case api.GrttUpdated:
		if rtt, ok := ev.Node.Grtt(); ok {
			dash.sampleGRTT(rtt)
		}
	}
}

func writeObject(oh *api.ObjectHandle, outDir string) {
	kind, _ := oh.Type()
	if kind != object.TypeData {
		return
	}
	data, ok := oh.Bytes()
	if !ok {
		color.Red("object %d: completed but payload unavailable\n", oh.ID())
		return
	}
	path := filepath.Join(outDir, fmt.Sprintf("object-%d.bin", oh.ID()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		color.Red("object %d: write failed: %v\n", oh.ID(), err)
		return
	}
	color.Green("object %d: completed, wrote %s (%d bytes)\n", oh.ID(), path, len(data))
}

type dashboard struct {
	sess      *api.SessionHandle
	grttMsSeries []float64
}

func newDashboard(sess *api.SessionHandle) *dashboard {
	return &dashboard{sess: sess}
}

func (d *dashboard) sampleGRTT(rtt time.Duration) {
	d.grttMsSeries = append(d.grttMsSeries, float64(rtt.Microseconds())/1000.0)
	if len(d.grttMsSeries) > 120 {
		d.grttMsSeries = d.grttMsSeries[len(d.grttMsSeries)-120:]
	}
}

func (d *dashboard) render() {
	counters := d.sess.Counters()
	table := tablewriter.NewWriter(os.Stdout)
	header := make([]any, len(counters.Header()))
	for i, v := range counters.Header() {
		header[i] = v
	}
	table.Header(header...)
	row := make([]any, len(counters.ToSlice()))
	for i, v := range counters.ToSlice() {
		row[i] = v
	}
	if err := table.Append(row...); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: append row: %v\n", err)
	}
	if err := table.Render(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: render: %v\n", err)
	}
	if len(d.grttMsSeries) >= 2 {
		fmt.Println(asciigraph.Plot(d.grttMsSeries,
			asciigraph.Height(8),
			asciigraph.Width(60),
			asciigraph.Caption("GRTT (ms)")))
	}
}
