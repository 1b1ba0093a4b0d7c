package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-signal/internal/auth"
	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/sfu"
	signaling "github.com/isqad/livelook-signal/internal/signal"
	"github.com/isqad/livelook-signal/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "livelook-signal",
		Usage:       "SFU signaling server",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':3001' for listen on 0.0.0.0:3001, overrides server.address",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file",
			},
		},
		Action: startSignal,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startSignal(c *cli.Context) error {
	env := core.Environment(c.String("env"))

	conf, err := config.Load(c.String("config"), env)
	if err != nil {
		return err
	}
	if address := c.String("address"); address != "" {
		conf.Server.Address = address
	}

	verifier, err := auth.NewVerifier(conf.Auth)
	if err != nil {
		return err
	}

	collector, closeCollector, err := eventbus.NewCollector(conf.Events)
	if err != nil {
		return err
	}
	defer closeCollector()

	sink, closeSink, err := eventbus.NewDeadLetterSink(conf.Events.DeadLetter)
	if err != nil {
		return err
	}
	defer closeSink()

	publisher := eventbus.NewReliablePublisher(collector, sink, eventbus.OptionsFromConfig(conf.Events))

	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return fmt.Errorf("webrtc config: %w", err)
	}
	media, err := rtc.NewPionEngine(conf, rtcConf)
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	hub := ws.NewHub()
	engine := signaling.NewEngine(sfu.NewRegistry(), media, hub, publisher)

	wsApp := ws.New(ws.WsAppOptions{
		Env:      env,
		Config:   conf,
		Engine:   engine,
		Hub:      hub,
		Verifier: verifier,
		Media:    media,
		Events:   publisher,
	})

	return wsApp.Start()
}
