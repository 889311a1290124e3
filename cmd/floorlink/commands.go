package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/thtpm/floorlink/core"
	"github.com/thtpm/floorlink/device"
	obs "github.com/thtpm/floorlink/observability/prometheus"
)

// Factory defaults, overridable per command.
const (
	defaultLimaPort   = 33020
	defaultListenPort = 34000
)

func loggerFor(c *cli.Context) core.Logger {
	if c.Bool("verbose") {
		return core.NewDefaultLogger()
	}
	return core.NewNoOpLogger()
}

func poseCommand() *cli.Command {
	return &cli.Command{
		Name:  "pose",
		Usage: "read the robot tool pose over RTDE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "robot-host",
				Required: true,
				Usage:    "robot controller host (RTDE on port 30004)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "deadline for the whole exchange",
			},
		},
		Action: poseAction,
	}
}

func poseAction(c *cli.Context) error {
	host := c.String("robot-host")

	limaTarget, err := device.NewTarget(host, defaultLimaPort)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	lima := device.NewLimaClient(limaTarget, device.WithLimaLogger(loggerFor(c)))
	defer lima.Close()

	robot, err := device.NewRobotCommunicator(lima, host,
		device.WithRTDETimeout(c.Duration("timeout")),
		device.WithRobotLogger(loggerFor(c)))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	pose, err := robot.GetPose()
	if err != nil {
		return cli.Exit(fmt.Sprintf("pose read failed: %v", err), 1)
	}

	fmt.Printf("pose %s captured at %s\n", pose, pose.CapturedAt.Format(time.RFC3339))
	return nil
}

func commandCommand() *cli.Command {
	return &cli.Command{
		Name:      "command",
		Aliases:   []string{"cmd"},
		Usage:     "send one raw command to the LIMA unit and print the reply",
		ArgsUsage: "COMMAND",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Required: true,
				Usage:    "LIMA host",
			},
			&cli.IntFlag{
				Name:  "port",
				Value: defaultLimaPort,
				Usage: "LIMA port",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "reply deadline",
			},
		},
		Action: commandAction,
	}
}

func commandAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one COMMAND argument required", 1)
	}

	target, err := device.NewTarget(c.String("host"), c.Int("port"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	lima := device.NewLimaClient(target,
		device.WithLimaTimeout(c.Duration("timeout")),
		device.WithLimaLogger(loggerFor(c)))
	defer lima.Close()

	reply, err := lima.SendCommand(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("command failed: %v", err), 1)
	}

	fmt.Println(reply)
	return nil
}

func cobotCommand() *cli.Command {
	hostFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "host",
			Required: true,
			Usage:    "cobot controller host",
		},
		&cli.IntFlag{
			Name:     "port",
			Required: true,
			Usage:    "cobot controller port",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "acknowledgement deadline",
		},
	}

	return &cli.Command{
		Name:  "cobot",
		Usage: "drive the cobot controller",
		Subcommands: []*cli.Command{
			{
				Name:      "positions",
				Usage:     "send position data from a JSON file",
				ArgsUsage: "FILE",
				Flags:     hostFlags,
				Action:    cobotPositionsAction,
			},
			{
				Name:      "start",
				Usage:     "start a named program",
				ArgsUsage: "PROGRAM",
				Flags:     hostFlags,
				Action:    cobotStartAction,
			},
			{
				Name:   "status",
				Usage:  "query the controller status",
				Flags:  hostFlags,
				Action: cobotStatusAction,
			},
		},
	}
}

func cobotFor(c *cli.Context) (*device.CobotCommunicator, error) {
	target, err := device.NewTarget(c.String("host"), c.Int("port"))
	if err != nil {
		return nil, err
	}
	return device.NewCobotCommunicator(target,
		device.WithCobotTimeout(c.Duration("timeout")),
		device.WithCobotLogger(loggerFor(c))), nil
}

func cobotPositionsAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one FILE argument required", 1)
	}

	raw, err := os.ReadFile(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("reading positions: %v", err), 1)
	}
	var positions map[string]any
	if err := json.Unmarshal(raw, &positions); err != nil {
		return cli.Exit(fmt.Sprintf("parsing positions: %v", err), 1)
	}

	cobot, err := cobotFor(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := cobot.SendPositionData(positions); err != nil {
		return cli.Exit(fmt.Sprintf("sending positions: %v", err), 1)
	}

	fmt.Printf("%d positions acknowledged\n", len(positions))
	return nil
}

func cobotStartAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one PROGRAM argument required", 1)
	}

	cobot, err := cobotFor(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := cobot.StartProgram(c.Args().First()); err != nil {
		return cli.Exit(fmt.Sprintf("starting program: %v", err), 1)
	}

	fmt.Printf("program %q started\n", c.Args().First())
	return nil
}

func cobotStatusAction(c *cli.Context) error {
	cobot, err := cobotFor(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	status, err := cobot.Status()
	if err != nil {
		return cli.Exit(fmt.Sprintf("querying status: %v", err), 1)
	}

	fmt.Println(status)
	return nil
}

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "run the inbound listener and print every message",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: defaultListenPort,
				Usage: "port to bind",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address (e.g. :2112)",
			},
		},
		Action: listenAction,
	}
}

func listenAction(c *cli.Context) error {
	logger := loggerFor(c)
	tm := core.NewThreadManager(logger)

	listener := device.NewListenerMode(tm, device.WithListenerLogger(logger))
	err := listener.Start(c.Int("port"), func(message, source string) {
		fmt.Printf("%s  %s\n", source, message)
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("starting listener: %v", err), 1)
	}
	defer listener.Stop()

	if addr := c.String("metrics-addr"); addr != "" {
		shutdown, err := serveMetrics(addr, tm)
		if err != nil {
			return cli.Exit(fmt.Sprintf("starting metrics endpoint: %v", err), 1)
		}
		defer shutdown()
	}

	fmt.Printf("listening on %s, ctrl-c to stop\n", listener.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}

// serveMetrics exposes the snapshot poller and exporter registry over HTTP.
func serveMetrics(addr string, tm *core.ThreadManager) (func(), error) {
	reg := prom.NewRegistry()
	if _, err := obs.NewMetricsExporter("floorlink", reg, obs.ExporterOptions{}); err != nil {
		return nil, err
	}
	poller, err := obs.NewSnapshotPoller(reg, time.Second)
	if err != nil {
		return nil, err
	}
	poller.AddThreadManager("main", tm)
	poller.Start(context.Background())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = server.ListenAndServe()
	}()

	return func() {
		poller.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
