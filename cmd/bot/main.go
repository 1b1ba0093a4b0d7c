package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-signal/internal/bot"
)

func main() {
	app := &cli.App{
		Name:        "livelook-bot",
		Usage:       "WebRTC bot for streaming media to livelook",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Value: "ws://localhost:3001/ws",
				Usage: "signaling endpoint",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "access token of the bot",
				EnvVars: []string{"LIVELOOK_BOT_TOKEN"},
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "room to publish to",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "user",
				Value: "bot",
				Usage: "user id reported to the room",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "room name when the bot hosts the room",
			},
			&cli.BoolFlag{
				Name:  "host",
				Usage: "create the room instead of joining it",
			},
			&cli.StringFlag{
				Name:  "video",
				Value: "video.ivf",
				Usage: "IVF file to stream, empty for signaling only",
			},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startBot(c *cli.Context) error {
	log.Logger = log.Output(zerolog.NewConsoleWriter())

	b := bot.New(bot.Options{
		URL:       c.String("url"),
		Token:     c.String("token"),
		RoomID:    c.String("room"),
		UserID:    c.String("user"),
		Name:      c.String("name"),
		Host:      c.Bool("host"),
		VideoFile: c.String("video"),
	})

	return b.Start()
}
